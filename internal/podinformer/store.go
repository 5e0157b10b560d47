// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package podinformer watches Kubernetes pods and exposes a
// container-id -> pod identity lookup to the enrichment pipeline and
// the runtime-hook dispatcher. It double-buffers: events observed
// before the underlying informer's initial list/watch has synced are
// accumulated in a shadow map, then swapped into the live running and
// terminated caches under a single write-lock section once sync
// completes, so no partial state is ever visible to readers.
package podinformer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/procgraph/agent/internal/api"
	"github.com/procgraph/agent/internal/retry"
)

var storeLog = logrus.WithField("source", "podinformer")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	storeLog = logger
}

// DefaultTerminatedCapacity bounds the terminated-pod cache.
const DefaultTerminatedCapacity = 1000

// Store is the double-buffered container-id -> pod identity index.
type Store struct {
	mu sync.RWMutex

	running    map[string]*api.KubernetesIdentity
	terminated map[string]*api.KubernetesIdentity
	// terminatedOrder tracks insertion order so the oldest entry can
	// be evicted once the terminated cache grows past its capacity.
	terminatedOrder []string
	terminatedCap   int

	shadowRunning    map[string]*api.KubernetesIdentity
	shadowTerminated map[string]*api.KubernetesIdentity

	readyCh chan struct{}
	once    sync.Once
}

// NewStore creates an empty, not-yet-ready Store.
func NewStore(terminatedCapacity int) *Store {
	if terminatedCapacity <= 0 {
		terminatedCapacity = DefaultTerminatedCapacity
	}
	return &Store{
		running:          make(map[string]*api.KubernetesIdentity),
		terminated:       make(map[string]*api.KubernetesIdentity),
		terminatedCap:    terminatedCapacity,
		shadowRunning:    make(map[string]*api.KubernetesIdentity),
		shadowTerminated: make(map[string]*api.KubernetesIdentity),
		readyCh:          make(chan struct{}),
	}
}

// applyToShadow is used while the informer hasn't synced yet.
func (s *Store) applyToShadow(running, terminated map[string]*api.KubernetesIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, pod := range running {
		s.shadowRunning[id] = pod
		delete(s.shadowTerminated, id)
	}
	for id, pod := range terminated {
		s.shadowTerminated[id] = pod
		delete(s.shadowRunning, id)
	}
}

// apply is used once the informer has synced: updates go straight to
// the live maps.
func (s *Store) apply(running, terminated map[string]*api.KubernetesIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, pod := range running {
		s.running[id] = pod
		delete(s.terminated, id)
	}
	for id, pod := range terminated {
		s.markTerminatedLocked(id, pod)
		delete(s.running, id)
	}
}

func (s *Store) markTerminatedLocked(containerID string, pod *api.KubernetesIdentity) {
	if _, exists := s.terminated[containerID]; !exists {
		s.terminatedOrder = append(s.terminatedOrder, containerID)
	}
	s.terminated[containerID] = pod

	evicted := 0
	for len(s.terminatedOrder) > s.terminatedCap {
		oldest := s.terminatedOrder[0]
		s.terminatedOrder = s.terminatedOrder[1:]
		delete(s.terminated, oldest)
		evicted++
	}
	if evicted > 0 {
		storeLog.WithField("count", evicted).Debug("evicted oldest terminated-pod cache entries")
	}
}

// MarkDone swaps the shadow buffer into the live maps under a single
// write-lock section, then signals every WaitUntilReady waiter. Safe
// to call more than once; only the first call has effect.
func (s *Store) MarkDone() {
	s.mu.Lock()
	running, terminated := s.shadowRunning, s.shadowTerminated
	s.shadowRunning, s.shadowTerminated = nil, nil
	s.mu.Unlock()

	if running != nil {
		s.apply(running, terminated)
	}

	s.once.Do(func() { close(s.readyCh) })
}

func (s *Store) synced() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

// Update records the observed running/terminated container sets for
// one informer event, routing to the shadow buffer or the live maps
// depending on whether the initial sync has completed.
func (s *Store) Update(running, terminated map[string]*api.KubernetesIdentity) {
	if s.synced() {
		s.apply(running, terminated)
		return
	}
	s.applyToShadow(running, terminated)
}

// LookupRunning returns the pod identity for a running container.
func (s *Store) LookupRunning(containerID string) (*api.KubernetesIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.running[containerID]
	return p, ok
}

// LookupTerminated returns the pod identity for a recently terminated
// container, if it hasn't been evicted yet.
func (s *Store) LookupTerminated(containerID string) (*api.KubernetesIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.terminated[containerID]
	return p, ok
}

// WaitUntilReady blocks until the initial list/watch has synced and
// the shadow buffer has been swapped into the live maps, or until
// stopCh fires.
func (s *Store) WaitUntilReady(stopCh <-chan struct{}) bool {
	select {
	case <-s.readyCh:
		return true
	case <-stopCh:
		return false
	}
}

// ErrContainerNotFound is returned by GetWithRetry once every attempt
// has been exhausted without finding containerID in either cache.
var ErrContainerNotFound = errors.New("podinformer: container not found in running or terminated cache")

// GetWithRetry looks up containerID among running pods, then
// terminated ones, retrying up to 5 times with 10ms spacing: the
// runtime hook fires at container-create time and may race the
// informer's delivery of the pod that owns it.
func (s *Store) GetWithRetry(ctx context.Context, containerID string) (*api.KubernetesIdentity, error) {
	var found *api.KubernetesIdentity

	err := retry.Do(func() error {
		if p, ok := s.LookupRunning(containerID); ok {
			found = p
			return nil
		}
		if p, ok := s.LookupTerminated(containerID); ok {
			found = p
			return nil
		}
		return ErrContainerNotFound
	}, retry.Attempts(5), retry.Delay(10*time.Millisecond), retry.DelayType(retry.FixedDelay))

	if err != nil {
		return nil, errors.Wrapf(ErrContainerNotFound, "container %s after 5 attempts", containerID)
	}
	return found, nil
}
