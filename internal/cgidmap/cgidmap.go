// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package cgidmap is the correlation index between kernel-reported
// cgroup ids and the Kubernetes container/pod identity the runtime
// hook learned about. It keeps a densely packed arena of entries plus
// two secondary indices so lookups by either key are O(1), and reuses
// invalidated slots instead of letting the arena grow unbounded.
package cgidmap

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var mapLog = logrus.WithField("source", "cgidmap")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	mapLog = logger
}

type entry struct {
	cgroupID    uint64
	containerID string
	podID       uuid.UUID
	invalid     bool
}

// Map is the cgroup-id to container-id correlation index.
type Map struct {
	mu         sync.Mutex
	entries    []entry
	cgroupIdx  map[uint64]int
	containers map[string]int
	invalidCnt int
}

// New creates an empty correlation index.
func New() *Map {
	return &Map{
		entries:    make([]entry, 0, 1024),
		cgroupIdx:  make(map[uint64]int),
		containers: make(map[string]int),
	}
}

// Add records that containerID, running under podID, is using
// cgroupID. If containerID is already present its pod/cgroup are
// updated in place (and a mismatch is logged, since it should never
// legitimately happen).
func (m *Map) Add(podID uuid.UUID, containerID string, cgroupID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.containers[containerID]; ok {
		m.updateEntry(idx, entry{cgroupID: cgroupID, containerID: containerID, podID: podID})
		return
	}

	e := entry{cgroupID: cgroupID, containerID: containerID, podID: podID}
	idx := m.allocEntry(e)
	m.cgroupIdx[cgroupID] = idx
	m.containers[containerID] = idx
}

func (m *Map) updateEntry(idx int, newEntry entry) {
	old := &m.entries[idx]
	if old.podID != newEntry.podID {
		mapLog.Warnf("invalid entry in cgidmap: mismatching pod id: old %s, new %s, container %s", old.podID, newEntry.podID, newEntry.containerID)
		old.podID = newEntry.podID
	}
	if old.cgroupID != newEntry.cgroupID {
		mapLog.Warnf("invalid entry in cgidmap: mismatching cgroup id: old %d, new %d, container %s, pod %s", old.cgroupID, newEntry.cgroupID, newEntry.containerID, newEntry.podID)
		delete(m.cgroupIdx, old.cgroupID)
		old.cgroupID = newEntry.cgroupID
		m.cgroupIdx[newEntry.cgroupID] = idx
	}
}

// allocEntry appends e to the arena, reusing an invalidated slot when
// one is available, mirroring the original arena discipline: reuse
// only kicks in once invalidCnt is non-zero, and only if a free slot
// is actually found (a mismatch there means invalidCnt drifted, which
// we log and fall back to appending).
func (m *Map) allocEntry(e entry) int {
	if m.invalidCnt == 0 {
		m.entries = append(m.entries, e)
		return len(m.entries) - 1
	}

	for i := range m.entries {
		if m.entries[i].invalid {
			m.entries[i] = e
			m.invalidCnt--
			return i
		}
	}

	mapLog.Warn("invalid count is wrong: no invalidated slot found to reuse")
	m.entries = append(m.entries, e)
	return len(m.entries) - 1
}

// Get returns the container id mapped to cgroupID, if any.
func (m *Map) Get(cgroupID uint64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.cgroupIdx[cgroupID]
	if !ok {
		return "", false
	}
	return m.entries[idx].containerID, true
}

// Update reconciles the index against the current live set of
// container ids for podID: entries for the pod whose container id is
// not in liveContainerIDs are invalidated; the arena slot is kept
// (for later reuse) but its secondary-index entries are dropped.
func (m *Map) Update(podID uuid.UUID, liveContainerIDs map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removedInvalidated int
	for i := range m.entries {
		e := &m.entries[i]
		if e.invalid || e.podID != podID {
			continue
		}
		if _, live := liveContainerIDs[e.containerID]; live {
			continue
		}

		e.invalid = true
		delete(m.cgroupIdx, e.cgroupID)
		delete(m.containers, e.containerID)
		removedInvalidated++
	}
	m.invalidCnt += removedInvalidated
}

// Len reports the number of arena slots in use, including invalidated
// ones awaiting reuse.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
