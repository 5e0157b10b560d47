// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package execcache tracks live processes by exec-id so later events
// (clone, exit, enrichment) can look up the process that produced
// them. Capacity is bounded by an LRU so a runaway host cannot grow
// this unbounded; evicted entries are simply processes we can no
// longer enrich with full ancestry, never a correctness hazard.
package execcache

import (
	"encoding/base64"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultCapacity is the number of entries kept before the LRU starts
// evicting the least recently used process.
const DefaultCapacity = 1000

var cacheLog = logrus.WithField("source", "execcache")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	cacheLog = logger
}

// ErrParentNotCached is returned by AddClone when the parent exec-id
// it needs to copy state from isn't present in the cache. It is
// recoverable: the caller should drop the clone event and move on.
var ErrParentNotCached = errors.New("execcache: parent process not cached")

// Process is the cached state for one live process, keyed by exec-id.
type Process struct {
	ExecID       string
	ParentExecID string
	PID          uint32
	TID          uint32
	Binary       string
	Arguments    string
	Refcnt       uint32
}

// Cache is an LRU-bounded store of live processes keyed by exec-id.
type Cache struct {
	hostname string
	lru      *lru.Cache[string, *Process]
}

// New creates a Cache with the given capacity (DefaultCapacity if 0)
// reporting exec-ids rooted at hostname.
func New(hostname string, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l, err := lru.New[string, *Process](capacity)
	if err != nil {
		return nil, errors.Wrap(err, "execcache: failed to create LRU")
	}
	return &Cache{hostname: hostname, lru: l}, nil
}

// ExecID derives the exec-id for a pid created at the given ktime, in
// the form base64(hostname:ktime:pid) used across the wire protocol.
func ExecID(hostname string, pid uint32, ktime uint64) string {
	raw := fmt.Sprintf("%s:%d:%d", hostname, ktime, pid)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// ExecIDFor derives the exec-id for pid/ktime using this cache's
// configured hostname.
func (c *Cache) ExecIDFor(pid uint32, ktime uint64) string {
	return ExecID(c.hostname, pid, ktime)
}

// Add inserts or replaces the cached entry for p.ExecID. The kernel
// never reuses an exec-id without a matching exit, so a collision is
// worth a warning, but the newer entry wins either way.
func (c *Cache) Add(p *Process) {
	if c.lru.Contains(p.ExecID) {
		cacheLog.WithField("exec_id", p.ExecID).Warn("exec-id collision, replacing cached process")
	}
	c.lru.Add(p.ExecID, p)
}

// Get returns the cached process for execID, if present.
func (c *Cache) Get(execID string) (*Process, bool) {
	return c.lru.Get(execID)
}

// Take removes and returns the cached process for execID, used when
// an exit event retires the process for good.
func (c *Cache) Take(execID string) (*Process, bool) {
	p, ok := c.lru.Get(execID)
	if !ok {
		return nil, false
	}
	c.lru.Remove(execID)
	return p, true
}

// ParentKey picks between the kernel-supplied Parent key and the
// cleanup key: the cleanup key is preferred since it reflects the
// execve_map entry that was live when the kernel actually observed
// the exec, unless it's unusable (zero ktime) or this is a clone
// transition, in which case the Parent key is used instead.
func ParentKey(parentPID uint32, parentKtime uint64, cleanupPID uint32, cleanupKtime uint64, eventCloneFlagSet bool) (uint32, uint64) {
	if cleanupKtime == 0 || eventCloneFlagSet {
		return parentPID, parentKtime
	}
	return cleanupPID, cleanupKtime
}

// ParentExecID resolves ParentKey's choice into an exec-id under this
// cache's hostname.
func (c *Cache) ParentExecID(parentPID uint32, parentKtime uint64, cleanupPID uint32, cleanupKtime uint64, eventCloneFlagSet bool) string {
	pid, ktime := ParentKey(parentPID, parentKtime, cleanupPID, cleanupKtime, eventCloneFlagSet)
	return c.ExecIDFor(pid, ktime)
}

// SentinelExecID is the exec-id of the orphan sentinel the bootstrap
// walker seeds (pid 0, ktime 1): a parent key that can never name a
// real process resolves here instead of dangling.
func SentinelExecID(hostname string) string {
	return ExecID(hostname, 0, 1)
}

// AddClone materializes a child process cache entry by copying the
// parent's binary/arguments, per the clone-sequencing contract: the
// parent must already be cached or the clone is dropped.
func (c *Cache) AddClone(parentExecID string, childExecID string, childPID, childTID uint32) (*Process, error) {
	parent, ok := c.Get(parentExecID)
	if !ok {
		return nil, errors.Wrapf(ErrParentNotCached, "parent %s for child pid %d", parentExecID, childPID)
	}

	child := &Process{
		ExecID:       childExecID,
		ParentExecID: parentExecID,
		PID:          childPID,
		TID:          childTID,
		Binary:       parent.Binary,
		Arguments:    parent.Arguments,
		Refcnt:       1,
	}
	c.Add(child)
	return child, nil
}

// Len reports the number of processes currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}
