// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package podinformer

import (
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func TestContainerIDFromStatusStripsRuntimePrefix(t *testing.T) {
	require.Equal(t, "abc123", containerIDFromStatus("containerd://abc123"))
	require.Equal(t, "abc123", containerIDFromStatus("cri-o://abc123"))
	require.Equal(t, "abc123", containerIDFromStatus("docker://abc123"))
	require.Equal(t, "", containerIDFromStatus(""))
}

func TestContainersForPodClassifiesRunningAndTerminated(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default", UID: "pod-uid"},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{
				{
					Name:        "app",
					ContainerID: "containerd://running-id",
					Image:       "app:latest",
					State:       corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
				},
				{
					Name:        "sidecar",
					ContainerID: "containerd://done-id",
					Image:       "sidecar:latest",
					State:       corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 0}},
				},
				{
					Name:        "waiting",
					ContainerID: "containerd://waiting-id",
					Image:       "waiting:latest",
					State:       corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{}},
				},
			},
		},
	}

	running, terminated := containersForPod(pod)

	require.Len(t, running, 1)
	require.Contains(t, running, "running-id")
	require.Equal(t, "default", running["running-id"].Namespace)
	require.Equal(t, "app", running["running-id"].ContainerName)

	require.Len(t, terminated, 1)
	require.Contains(t, terminated, "done-id")

	// A container that is neither running nor terminated (Waiting) is
	// reported in neither set, per the corrected classification: it is
	// not the upstream bug's miscategorization of every non-nil state
	// as "running".
	require.NotContains(t, running, "waiting-id")
	require.NotContains(t, terminated, "waiting-id")
}

func TestInformerNotifiesHandlersInOrder(t *testing.T) {
	i := &Informer{Store: NewStore(0)}
	i.Store.MarkDone()

	var got []PodEvent
	i.RegisterHandler(func(ev PodEvent) { got = append(got, ev) })

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default", UID: "pod-uid"},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{
				{Name: "app", ContainerID: "containerd://app-id", State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}},
			},
		},
	}

	i.handleAddOrUpdate(pod)
	i.handleDelete(pod)

	require.Len(t, got, 2)
	require.Equal(t, PodApply, got[0].Kind)
	require.Equal(t, "pod-uid", got[0].PodUID)
	require.Contains(t, got[0].Running, "app-id")
	require.Equal(t, PodDelete, got[1].Kind)
	require.Contains(t, got[1].Terminated, "app-id")
}

func TestAllContainersAsTerminatedCoversEveryStatusList(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "default", UID: "pod-uid"},
		Status: corev1.PodStatus{
			ContainerStatuses: []corev1.ContainerStatus{
				{Name: "app", ContainerID: "containerd://app-id", State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}},
			},
			InitContainerStatuses: []corev1.ContainerStatus{
				{Name: "init", ContainerID: "containerd://init-id", State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{}}},
			},
		},
	}

	_, terminated := allContainersAsTerminated(pod)

	require.Len(t, terminated, 2)
	require.Contains(t, terminated, "app-id")
	require.Contains(t, terminated, "init-id")
}
