// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package rthooks

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/procgraph/agent/internal/api"
)

func TestRunHooksSucceedsWithNoCallbacks(t *testing.T) {
	r := NewRunner()
	require.NoError(t, r.RunHooks(&api.CreateContainer{}))
}

func TestRunHooksAggregatesFailures(t *testing.T) {
	r := NewRunner()

	errA := errors.New("callback a failed")
	errC := errors.New("callback c failed")

	var order []string
	r.RegisterCallback(func(arg *CreateContainerArg) error {
		order = append(order, "a")
		return errA
	})
	r.RegisterCallback(func(arg *CreateContainerArg) error {
		order = append(order, "b")
		return nil
	})
	r.RegisterCallback(func(arg *CreateContainerArg) error {
		order = append(order, "c")
		return errC
	})

	err := r.RunHooks(&api.CreateContainer{PodUID: "pod-1"})
	require.Error(t, err)
	require.Equal(t, []string{"a", "b", "c"}, order)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	require.Len(t, merr.Errors, 2)
}

func TestRunHooksPassesArgToCallbacks(t *testing.T) {
	r := NewRunner()

	var seenPod string
	r.RegisterCallback(func(arg *CreateContainerArg) error {
		seenPod = arg.PodID()
		return nil
	})

	require.NoError(t, r.RunHooks(&api.CreateContainer{PodUID: "pod-xyz"}))
	require.Equal(t, "pod-xyz", seenPod)
}
