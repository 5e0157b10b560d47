// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package broadcast fans enriched events out to every connected gRPC
// subscriber. It generalizes the single-consumer `for e := range
// s.events` forwarder loop into a multi-producer, multi-consumer bus:
// every subscriber gets its own bounded channel, and a subscriber that
// can't keep up has its event dropped rather than ever blocking the
// publisher.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/procgraph/agent/internal/api"
)

var busLog = logrus.WithField("source", "broadcast")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	busLog = logger
}

// DefaultSubscriberBuffer is the default per-subscriber channel depth.
const DefaultSubscriberBuffer = 256

// Bus is a non-blocking, multi-consumer event fan-out.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]chan api.Event
	nextID      int64
	bufferSize  int
	// dropped is atomic: Publish runs under the read lock and may race
	// with other publishers.
	dropped atomic.Uint64
}

// New creates a Bus whose subscriber channels are sized bufferSize
// deep (DefaultSubscriberBuffer if 0).
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Bus{
		subscribers: make(map[int64]chan api.Event),
		bufferSize:  bufferSize,
	}
}

// Subscription is a handle returned by Subscribe; call Unsubscribe
// when the consumer is done.
type Subscription struct {
	id     int64
	Events <-chan api.Event
	bus    *Bus
}

// Subscribe registers a new consumer and returns its channel.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan api.Event, b.bufferSize)
	b.subscribers[id] = ch

	return &Subscription{id: id, Events: ch, bus: b}
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if ch, ok := s.bus.subscribers[s.id]; ok {
		delete(s.bus.subscribers, s.id)
		close(ch)
	}
}

// Publish delivers ev to every current subscriber without blocking.
// A subscriber whose channel is full is skipped for this event and a
// counter/log line records the drop.
func (b *Bus) Publish(ev api.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			busLog.WithField("subscriber", id).Warn("dropping event for slow subscriber")
		}
	}
}

// Dropped reports how many events have been dropped for slow
// subscribers since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
