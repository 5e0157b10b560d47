// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package ringconsumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/procgraph/agent/internal/api"
	"github.com/procgraph/agent/internal/broadcast"
	"github.com/procgraph/agent/internal/decoder"
	"github.com/procgraph/agent/internal/enrich"
	"github.com/procgraph/agent/internal/execcache"
	"github.com/procgraph/agent/internal/metrics"
)

// fakeReader serves a fixed batch of frames once per CPU, then blocks
// until its context is cancelled, mimicking an idle ring.
type fakeReader struct {
	mu     sync.Mutex
	frames [][]byte
	served bool
}

func (f *fakeReader) NumCPU() int { return 1 }

func (f *fakeReader) Poll(ctx context.Context, cpu int, maxFrames int) ([][]byte, error) {
	f.mu.Lock()
	if !f.served {
		f.served = true
		frames := f.frames
		f.mu.Unlock()
		return frames, nil
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func execveFrame(t *testing.T, pid uint32, ktime uint64, binary string) []byte {
	t.Helper()
	ev := decoder.Event{Execve: &decoder.ExecveEvent{
		Common:  decoder.MsgCommon{Op: uint8(decoder.OpExecve)},
		Process: decoder.MsgProcess{PID: pid, TID: pid, Ktime: ktime},
	}}
	copy(ev.Execve.Exe.Filename[:], binary)
	b, err := decoder.Encode(ev)
	require.NoError(t, err)
	return b
}

func TestConsumerPublishesExecEvents(t *testing.T) {
	cache, err := execcache.New("node1", 0)
	require.NoError(t, err)

	bus := broadcast.New(8)
	sub := bus.Subscribe()

	reader := &fakeReader{frames: [][]byte{execveFrame(t, 100, 1000, "/bin/sh")}}
	c := &Consumer{
		Reader:   reader,
		Enricher: &enrich.Enricher{Cache: cache, Metrics: metrics.New()},
		Bus:      bus,
		Metrics:  metrics.New(),
		Hostname: "node1",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case ev := <-sub.Events:
		require.Equal(t, api.EventKindProcessExec, ev.Kind)
		require.Equal(t, "/bin/sh", ev.Exec.Binary)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}

	require.NoError(t, <-done)
}

func TestConsumerCountsMalformedFrames(t *testing.T) {
	cache, err := execcache.New("node1", 0)
	require.NoError(t, err)

	m := metrics.New()
	reader := &fakeReader{frames: [][]byte{{0x01, 0x02}}}
	c := &Consumer{
		Reader:   reader,
		Enricher: &enrich.Enricher{Cache: cache, Metrics: m},
		Bus:      broadcast.New(8),
		Metrics:  m,
		Hostname: "node1",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	count := testutil.ToFloat64(m.RecoverableErrors.WithLabelValues(metrics.ReasonMalformedFrame))
	require.Equal(t, float64(1), count)
}
