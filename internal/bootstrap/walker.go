// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package bootstrap enumerates the processes already running on the
// host before kernel probes attach, so the first Exit or exec of a
// pre-existing process has a parent chain to correlate against.
// Probes only observe future transitions; without this walk the
// kernel's EXECVE_MAP would start out empty and every inherited
// process would look parentless.
package bootstrap

import (
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"

	"github.com/procgraph/agent/internal/decoder"
)

var walkerLog = logrus.WithField("source", "bootstrap")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	walkerLog = logger
}

// clockTicksPerSecond is the USER_HZ value used to convert procfs
// start-time ticks into nanoseconds. It is effectively always 100 on
// Linux; a host with an unusual kernel configuration would need this
// read from sysconf(_SC_CLK_TCK) instead.
const clockTicksPerSecond = 100

// sentinelEntry is appended after every real process: orphan lookups
// (a child whose parent disappeared before the agent started) resolve
// against this rather than failing outright.
var sentinelEntry = ExecveMapValue{PID: 0, Ktime: 1}

// ExecveMapValue is the synthetic process record built for each
// pre-existing process, shaped like the kernel's own execve_map entry
// so it can seed the same table probes will later update.
type ExecveMapValue struct {
	PID        uint32
	PPID       uint32
	Ktime      uint64
	Binary     string
	Namespaces decoder.MsgNamespaces
	Caps       decoder.MsgCapabilities
}

// KernelMapWriter seeds the kernel-side process table so that future
// clone/exec/exit events observed by probes can resolve a parent that
// already existed when the agent started. Its implementation (an eBPF
// map write) is an external collaborator this repository doesn't own.
type KernelMapWriter interface {
	WriteExecveMap(entries []ExecveMapValue) error
}

// Walk enumerates every process currently visible under /proc,
// builds its ExecveMapValue, appends the orphan sentinel, and writes
// the full set through writer in one call.
func Walk(writer KernelMapWriter) error {
	procs, err := procfs.AllProcs()
	if err != nil {
		return errors.Wrap(err, "bootstrap: failed to enumerate /proc")
	}

	entries := make([]ExecveMapValue, 0, len(procs)+1)
	var skipped int
	for _, p := range procs {
		entry, err := buildEntry(p)
		if err != nil {
			// Processes routinely exit between AllProcs() and our read
			// of their details; that's expected, not a failure.
			skipped++
			continue
		}
		entries = append(entries, entry)
	}
	if skipped > 0 {
		walkerLog.WithField("count", skipped).Debug("skipped processes that exited during bootstrap walk")
	}

	entries = append(entries, sentinelEntry)

	walkerLog.WithField("count", len(entries)).Info("seeding kernel process table from existing processes")
	return writer.WriteExecveMap(entries)
}

func buildEntry(p procfs.Proc) (ExecveMapValue, error) {
	stat, err := p.Stat()
	if err != nil {
		return ExecveMapValue{}, errors.Wrapf(err, "stat pid %d", p.PID)
	}

	exe, err := p.Executable()
	if err != nil {
		// Kernel threads and zombies have no backing executable; still
		// worth seeding so their children resolve a parent chain.
		exe = ""
	}

	ns, err := p.Namespaces()
	if err != nil {
		ns = procfs.Namespaces{}
	}

	caps, err := readCapabilities(p.PID)
	if err != nil {
		caps = decoder.MsgCapabilities{}
	}

	return ExecveMapValue{
		PID:        uint32(p.PID),
		PPID:       uint32(stat.PPID),
		Ktime:      startTimeToKtime(stat.Starttime),
		Binary:     exe,
		Namespaces: namespacesFromProcfs(ns),
		Caps:       caps,
	}, nil
}

func startTimeToKtime(ticks uint64) uint64 {
	return ticks * (uint64(1e9) / clockTicksPerSecond)
}

func namespacesFromProcfs(ns procfs.Namespaces) decoder.MsgNamespaces {
	inode := func(kind string) uint32 {
		if n, ok := ns[kind]; ok {
			return uint32(n.Inode)
		}
		return 0
	}

	return decoder.MsgNamespaces{
		UTS:             inode("uts"),
		IPC:             inode("ipc"),
		Mount:           inode("mnt"),
		PID:             inode("pid"),
		PIDForChildren:  inode("pid_for_children"),
		Net:             inode("net"),
		Time:            inode("time"),
		TimeForChildren: inode("time_for_children"),
		Cgroup:          inode("cgroup"),
		User:            inode("user"),
	}
}
