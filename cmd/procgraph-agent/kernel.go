// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/procgraph/agent/internal/bootstrap"
)

// unattachedRingReader satisfies ringconsumer.RingReader without a real
// kernel probe behind it. Loading the eBPF programs and mapping their
// per-CPU ring buffers into this process is not this repository's job;
// this type is the seam a probe loader plugs into, reporting NumCPU
// honestly; Poll yields no frames and blocks until its context is
// cancelled.
type unattachedRingReader struct{}

func (unattachedRingReader) NumCPU() int { return runtime.NumCPU() }

func (unattachedRingReader) Poll(ctx context.Context, cpu int, maxFrames int) ([][]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// unattachedKernelMapWriter satisfies bootstrap.KernelMapWriter without
// a real eBPF map behind it, for the same reason: writing the
// execve_map is the kernel probe loader's job, not this repository's.
type unattachedKernelMapWriter struct{}

func (unattachedKernelMapWriter) WriteExecveMap(entries []bootstrap.ExecveMapValue) error {
	return fmt.Errorf("procgraph-agent: no kernel map writer attached, %d bootstrap entries discarded", len(entries))
}
