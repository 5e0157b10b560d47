// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package enrich turns a decoded execve/exit/clone event into the
// enriched api.Process/api.Event records streamed to subscribers: it
// resolves the parent, decodes arguments, looks up container/pod
// identity, and projects credentials/capabilities/binary properties.
package enrich

import (
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/procgraph/agent/internal/api"
	"github.com/procgraph/agent/internal/decoder"
	"github.com/procgraph/agent/internal/execcache"
	"github.com/procgraph/agent/internal/metrics"
)

// errMismatchedCloneIDs is returned when a clone event reports
// tgid != tid, which should never happen on the thread-group leader
// transition this event represents.
var errMismatchedCloneIDs = errors.New("enrich: clone event PID/TID mismatch")

var enrichLog = logrus.WithField("source", "enrich")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	enrichLog = logger
}

// InvalidUID is the all-ones uid value. BinaryProperties does not use
// it: Setuid and Setgid are left nil when the corresponding
// secure-exec bit is unset.
const InvalidUID = ^uint32(0)

// CgroupResolver looks up the container id correlated to a cgroup id.
// *cgidmap.Map satisfies this.
type CgroupResolver interface {
	Get(cgroupID uint64) (string, bool)
}

// PodStore looks up the Kubernetes identity for a container, first
// among running pods, then among recently terminated ones.
// *podinformer.Store satisfies this.
type PodStore interface {
	LookupRunning(containerID string) (*api.KubernetesIdentity, bool)
	LookupTerminated(containerID string) (*api.KubernetesIdentity, bool)
}

// Enricher holds the collaborators the pipeline needs.
type Enricher struct {
	Cache    *execcache.Cache
	Cgidmap  CgroupResolver
	Pods     PodStore
	Metrics  *metrics.Metrics
	MaxAncestorDepth int
}

// DefaultMaxAncestorDepth bounds how far Ancestors() walks before
// giving up, even if the chain never hits a sentinel.
const DefaultMaxAncestorDepth = 64

// Execve runs the full 9-step enrichment pipeline over a decoded
// execve event and returns the enriched process record. It also adds
// the process to the cache, per the original execve handling.
func (e *Enricher) Execve(ev *decoder.ExecveEvent, hostname string) *api.Process {
	process := ev.Process

	// 1. parent resolution
	eventClone := uint64(process.Flags)&decoder.EventClone != 0
	parentPID, parentKtime := execcache.ParentKey(ev.Parent.PID, ev.Parent.Ktime, ev.CleanupKey.PID, ev.CleanupKey.Ktime, eventClone)
	parentExecID := execcache.ExecID(hostname, parentPID, parentKtime)
	var flags string
	if _, ok := e.Cache.Get(parentExecID); !ok {
		flags = "EVENT_MISS"
		e.Metrics.IncRecoverable(metrics.ReasonCacheMiss)
		if parentKtime == 0 {
			// A zero-ktime parent key can never name a real process;
			// resolve to the bootstrap walker's orphan sentinel instead
			// of emitting a dangling exec-id.
			parentExecID = execcache.SentinelExecID(hostname)
		}
	}

	// 2. args decode: the block carries the full argv; argv[0] repeats
	// the binary and is not part of the reported arguments.
	args := decodeArgs(ev.Exe.Args[:])

	// 3. filename extraction
	binary := cString(ev.Exe.Filename[:])

	execID := execcache.ExecID(hostname, process.PID, process.Ktime)

	// 4. cgidmap container lookup
	var containerID string
	var haveContainer bool
	if e.Cgidmap != nil {
		containerID, haveContainer = e.Cgidmap.Get(ev.Kube.CgrpID)
		if !haveContainer {
			e.Metrics.IncRecoverable(metrics.ReasonCgidmapMiss)
		}
	}

	// 5. pod lookup: running then terminated
	var pod *api.KubernetesIdentity
	if haveContainer && e.Pods != nil {
		if p, ok := e.Pods.LookupRunning(containerID); ok {
			pod = p
		} else if p, ok := e.Pods.LookupTerminated(containerID); ok {
			pod = p
		}
	}
	if containerID == "" {
		containerID = cString(ev.Kube.DockerID[:])
	}

	// 6. credential/securebits projection
	creds := &api.ProcessCredentials{
		UID: ev.Creds.UID, GID: ev.Creds.GID,
		EUID: ev.Creds.EUID, EGID: ev.Creds.EGID,
		SUID: ev.Creds.SUID, SGID: ev.Creds.SGID,
		FSUID: ev.Creds.FSUID, FSGID: ev.Creds.FSGID,
		SecureBits: secureBitsList(ev.Creds.SecureBits),
	}

	// 7. capability bitmask -> index list
	caps := capabilitiesFromWire(ev.Creds.Caps)
	creds.Caps = caps

	// 8. binary properties
	binProps := &api.BinaryProperties{
		PrivilegesChanged: privilegesChangedReasons(process.SecureExec),
	}
	if process.SecureExec&ExecveSetuid != 0 {
		euid := ev.Creds.EUID
		binProps.Setuid = &euid
	}
	if process.SecureExec&ExecveSetgid != 0 {
		egid := ev.Creds.EGID
		binProps.Setgid = &egid
	}
	if process.IIno != 0 && process.INlink == 0 {
		fp := FilePropertiesAnonymous(process.IIno, process.INlink)
		binProps.File = &fp
	}

	// 9. TID/PID normalization
	tid := process.TID
	if process.PID != process.TID {
		enrichLog.Warn("ExecveEvent: process PID and TID mismatch")
		e.Metrics.IncRecoverable(metrics.ReasonPidTidMismatch)
		tid = process.PID
	}

	proc := &api.Process{
		ExecID:       execID,
		ParentExecID: parentExecID,
		PID:          process.PID,
		TID:          tid,
		UID:          process.UID,
		AUID:         process.AUID,
		Binary:       binary,
		Arguments:    args,
		Flags:        flags,
		StartTime:    ktimeToTime(process.Ktime),
		Docker:       containerID,
		Pod:          pod,
		Refcnt:       1,
		Capabilities: caps,
		Namespaces:   namespacesFromWire(ev.NS),
		Credentials:  creds,
		BinaryProps:  binProps,
	}

	e.Cache.Add(&execcache.Process{
		ExecID:       execID,
		ParentExecID: parentExecID,
		PID:          process.PID,
		TID:          tid,
		Binary:       binary,
		Arguments:    args,
		Refcnt:       1,
	})

	e.Metrics.SetCachedProcesses(e.Cache.Len())

	maxDepth := e.MaxAncestorDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxAncestorDepth
	}
	proc.Ancestors = Ancestors(e.Cache, execID, maxDepth)

	return proc
}

// Exit retires the process named by ev.Current from the cache and
// returns the exit record to publish, or nil if the process wasn't
// cached (a recoverable miss, e.g. it exec'd before the agent's
// bootstrap walk completed). An exit key with ktime 0 never matches a
// real process and is dropped outright.
func (e *Enricher) Exit(ev *decoder.ExitEvent, hostname string) *api.ProcessExit {
	if ev.Current.Ktime == 0 {
		enrichLog.WithField("pid", ev.Current.PID).Debug("dropping exit event with zero ktime")
		return nil
	}

	execID := execcache.ExecID(hostname, ev.Current.PID, ev.Current.Ktime)

	cached, ok := e.Cache.Take(execID)
	if !ok {
		e.Metrics.IncRecoverable(metrics.ReasonCacheMiss)
		return nil
	}
	e.Metrics.SetCachedProcesses(e.Cache.Len())

	exit := &api.ProcessExit{
		Process: &api.Process{
			ExecID:       cached.ExecID,
			ParentExecID: cached.ParentExecID,
			PID:          cached.PID,
			TID:          cached.TID,
			Binary:       cached.Binary,
			Arguments:    cached.Arguments,
		},
		Time: ktimeToTime(ev.Common.Ktime),
	}

	// The raw wait status packs a killing signal into the low bits and
	// the exit code one byte up.
	if sig := ev.Info.Code & 0x7f; sig != 0 {
		exit.Signal = unix.SignalName(syscall.Signal(sig))
	} else {
		exit.Status = ev.Info.Code >> 8
	}

	if parent, ok := e.Cache.Get(cached.ParentExecID); ok {
		exit.Parent = &api.Process{
			ExecID:       parent.ExecID,
			ParentExecID: parent.ParentExecID,
			PID:          parent.PID,
			TID:          parent.TID,
			Binary:       parent.Binary,
			Arguments:    parent.Arguments,
		}
	}

	return exit
}

// Clone materializes the child process cache entry for a clone event.
// It returns errMismatchedCloneIDs when tgid != tid (a malformed event,
// not a clone), and the cache's error when the parent is not cached.
func (e *Enricher) Clone(ev *decoder.CloneEvent, hostname string) error {
	if ev.TGID != ev.TID {
		return errMismatchedCloneIDs
	}

	parentExecID := e.Cache.ExecIDFor(ev.Parent.PID, ev.Parent.Ktime)
	childExecID := execcache.ExecID(hostname, ev.TGID, ev.Ktime)

	_, err := e.Cache.AddClone(parentExecID, childExecID, ev.TGID, ev.TID)
	return err
}

// FilePropertiesAnonymous builds the FileProperties for an anonymous
// (unlinked) binary: i_ino != 0 but i_nlink == 0.
func FilePropertiesAnonymous(ino uint64, nlink uint32) api.FileProperties {
	return api.FileProperties{
		Inode:     &api.InodeProperties{Number: ino, Links: nlink},
		Anonymous: true,
	}
}

// decodeArgs splits the NUL-separated argv block into tokens, drops
// empty segments and the leading argv[0] (which duplicates the
// binary), and joins the rest with single spaces.
func decodeArgs(raw []byte) string {
	parts := strings.Split(string(raw), "\x00")

	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) <= 1 {
		return ""
	}
	return strings.Join(nonEmpty[1:], " ")
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func ktimeToTime(ktime uint64) time.Time {
	return time.Unix(0, int64(ktime))
}

func namespacesFromWire(ns decoder.MsgNamespaces) *api.Namespaces {
	return &api.Namespaces{
		UTS: ns.UTS, IPC: ns.IPC, Mount: ns.Mount,
		PID: ns.PID, PIDForChildren: ns.PIDForChildren,
		Net: ns.Net, Time: ns.Time, TimeForChildren: ns.TimeForChildren,
		Cgroup: ns.Cgroup, User: ns.User,
	}
}
