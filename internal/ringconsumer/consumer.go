// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package ringconsumer runs one polling loop per online CPU over the
// kernel's per-CPU ring buffers, decoding each frame and dispatching
// it to enrichment or the exit path before publishing the result on
// the broadcast bus. It owns no kernel-facing code itself: it only
// consumes the RingReader contract the kernel probes implement.
package ringconsumer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/procgraph/agent/internal/api"
	"github.com/procgraph/agent/internal/broadcast"
	"github.com/procgraph/agent/internal/decoder"
	"github.com/procgraph/agent/internal/enrich"
	"github.com/procgraph/agent/internal/metrics"
)

var consumerLog = logrus.WithField("source", "ringconsumer")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	consumerLog = logger
}

// DefaultBatchSize bounds how many frames one poll call drains before
// the loop yields back to the decode/dispatch step.
const DefaultBatchSize = 64

// DefaultDrainTimeout bounds how long a per-CPU loop keeps draining
// already-queued frames after cancellation before giving up.
const DefaultDrainTimeout = 2 * time.Second

// RingReader is the per-CPU event stream the kernel side of this
// system provides. Poll returns up to maxFrames raw frames currently
// available for cpu, blocking at most until ctx is done.
type RingReader interface {
	NumCPU() int
	Poll(ctx context.Context, cpu int, maxFrames int) ([][]byte, error)
}

// Consumer owns the per-CPU polling loops and the collaborators each
// decoded event is dispatched to.
type Consumer struct {
	Reader    RingReader
	Enricher  *enrich.Enricher
	Bus       *broadcast.Bus
	Metrics   *metrics.Metrics
	Hostname  string
	BatchSize int
}

// Run spawns one goroutine per CPU the reader reports and blocks
// until every one of them exits, which happens only once ctx is
// cancelled (after draining any already-queued frames) or a loop's
// Poll call returns a fatal error.
func (c *Consumer) Run(ctx context.Context) error {
	batch := c.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	numCPU := c.Reader.NumCPU()
	var wg sync.WaitGroup
	errs := make(chan error, numCPU)

	for cpu := 0; cpu < numCPU; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			if err := c.runCPU(ctx, cpu, batch); err != nil {
				errs <- err
			}
		}(cpu)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) runCPU(ctx context.Context, cpu int, batch int) error {
	log := consumerLog.WithField("cpu", cpu)
	log.Info("starting ring consumer")

	for {
		select {
		case <-ctx.Done():
			return c.drain(cpu, batch, log)
		default:
		}

		frames, err := c.Reader.Poll(ctx, cpu, batch)
		if err != nil {
			if ctx.Err() != nil {
				return c.drain(cpu, batch, log)
			}
			return err
		}

		for _, frame := range frames {
			c.dispatch(frame, log)
		}
	}
}

// drain gives a cancelled loop a bounded window to consume whatever
// frames were already queued before the ring reader is torn down,
// rather than dropping them silently on the floor.
func (c *Consumer) drain(cpu int, batch int, log *logrus.Entry) error {
	deadline := time.Now().Add(DefaultDrainTimeout)
	drainCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	for time.Now().Before(deadline) {
		frames, err := c.Reader.Poll(drainCtx, cpu, batch)
		if err != nil || len(frames) == 0 {
			break
		}
		for _, frame := range frames {
			c.dispatch(frame, log)
		}
	}

	log.Info("ring consumer stopped")
	return nil
}

func (c *Consumer) dispatch(frame []byte, log *logrus.Entry) {
	ev, err := decoder.Decode(frame)
	if err != nil {
		c.Metrics.IncRecoverable(metrics.ReasonMalformedFrame)
		log.WithError(err).Warn("dropping malformed frame")
		return
	}

	switch {
	case ev.Execve != nil:
		proc := c.Enricher.Execve(ev.Execve, c.Hostname)
		c.Bus.Publish(api.Event{Kind: api.EventKindProcessExec, Exec: proc})

	case ev.Exit != nil:
		exit := c.Enricher.Exit(ev.Exit, c.Hostname)
		if exit != nil {
			c.Bus.Publish(api.Event{Kind: api.EventKindProcessExit, Exit: exit})
		}

	case ev.Clone != nil:
		if err := c.Enricher.Clone(ev.Clone, c.Hostname); err != nil {
			c.Metrics.IncRecoverable(metrics.ReasonCacheMiss)
			log.WithError(err).Debug("dropping clone event")
		}

	case ev.Data != nil:
		// Argument/filename continuation frames are decoded but not
		// merged into the preceding execve record; they are dropped
		// here without a counter increment.

	case ev.Unknown != nil:
		c.Metrics.IncRecoverable(metrics.ReasonUnknownOp)
	}
}
