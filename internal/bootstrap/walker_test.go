// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package bootstrap

import (
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"
)

func TestStartTimeToKtimeScalesTicksToNanoseconds(t *testing.T) {
	require.Equal(t, uint64(1e9), startTimeToKtime(clockTicksPerSecond))
	require.Equal(t, uint64(0), startTimeToKtime(0))
}

func TestNamespacesFromProcfsMapsKnownKinds(t *testing.T) {
	ns := procfs.Namespaces{
		"net": procfs.Namespace{Type: "net", Inode: 4026531840},
		"uts": procfs.Namespace{Type: "uts", Inode: 4026531838},
	}

	got := namespacesFromProcfs(ns)
	require.Equal(t, uint32(4026531840), got.Net)
	require.Equal(t, uint32(4026531838), got.UTS)
	require.Equal(t, uint32(0), got.Mount)
}

func TestSentinelEntryIsOrphanAnchor(t *testing.T) {
	require.Equal(t, uint32(0), sentinelEntry.PID)
	require.Equal(t, uint64(1), sentinelEntry.Ktime)
}

type fakeWriter struct {
	written []ExecveMapValue
}

func (f *fakeWriter) WriteExecveMap(entries []ExecveMapValue) error {
	f.written = entries
	return nil
}

func TestWalkAppendsSentinelAfterRealProcesses(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, Walk(w))

	require.NotEmpty(t, w.written)
	last := w.written[len(w.written)-1]
	require.Equal(t, sentinelEntry, last)
}
