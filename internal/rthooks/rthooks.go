// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package rthooks dispatches synchronous container-lifecycle callbacks
// invoked by the container runtime (CRI-O, containerd, crun) at
// container-create time, letting the correlation index learn a
// cgroup/container/pod binding before the container's first process
// runs. One Runner holds an ordered set of callbacks and aggregates
// their failures into a single composite error, mirroring the
// original RtHookError::RunHooksError joined-string error translated
// into a real error type.
package rthooks

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/procgraph/agent/internal/api"
)

var hookLog = logrus.WithField("source", "rthooks")

// SetLogger overrides the package logger.
func SetLogger(logger *logrus.Entry) {
	hookLog = logger
}

// ErrUnsupportedEvent describes a RuntimeHookRequest that carries
// anything other than a CreateContainer event. Nothing in this package
// returns it; the gRPC server reports that case with its own
// InvalidArgument status.
var ErrUnsupportedEvent = errors.New("rthooks: only CreateContainer events are supported")

// CreateContainerCallback is invoked once per registered hook for
// every CreateContainer request, in registration order. Every callback
// receives the same arg, so its cached values are computed at most once
// per request; returning an error does not stop later callbacks from
// running.
type CreateContainerCallback func(arg *CreateContainerArg) error

// Runner holds the ordered set of callbacks invoked on container
// creation and runs them synchronously within the caller's goroutine,
// so a CreateContainer hook completes, with every correlation it seeds
// visible, before the gRPC handler returns to the runtime.
type Runner struct {
	callbacks []CreateContainerCallback
}

// NewRunner creates an empty Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// RegisterCallback appends callback to the set run on every
// CreateContainer request. Registration order is dispatch order.
func (r *Runner) RegisterCallback(callback CreateContainerCallback) {
	r.callbacks = append(r.callbacks, callback)
}

// RunHooks invokes every registered callback against req in
// registration order, collecting any failures into a single
// *multierror.Error. It returns nil if every callback (or no
// callback) succeeded.
func (r *Runner) RunHooks(req *api.CreateContainer) error {
	arg := NewCreateContainerArg(req)

	var result *multierror.Error
	for _, cb := range r.callbacks {
		if err := cb(arg); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "create_container callback failed"))
		}
	}

	if result != nil {
		hookLog.WithField("errors", result.Len()).Warn("one or more runtime-hook callbacks failed")
		return result.ErrorOrNil()
	}
	return nil
}
