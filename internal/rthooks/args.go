// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package rthooks

import (
	"context"
	"path/filepath"
	"strings"

	criannotations "github.com/cri-o/cri-o/pkg/annotations"
	"github.com/pkg/errors"

	"github.com/procgraph/agent/internal/api"
)

// uidStringLen is the length of a canonical pod UID: 36 characters,
// e.g. "3b673e1d-289e-4210-8ceb-5a253b48d390".
const uidStringLen = len("00000000-0000-0000-0000-000000000000")

// DefaultHostCgroupRoot is the unified cgroup v2 mountpoint this
// repository assumes; cgroup v1 layouts are not handled. It is a var,
// not a const, so a command line flag can point it at a bind-mounted
// host cgroupfs when the agent itself runs containerized.
var DefaultHostCgroupRoot = "/sys/fs/cgroup"

// PodLookup resolves the pod identity correlated to a container,
// retrying while the pod informer catches up with a just-created
// container. *podinformer.Store satisfies this via GetWithRetry.
type PodLookup interface {
	GetWithRetry(ctx context.Context, containerID string) (*api.KubernetesIdentity, error)
}

// CreateContainerArg wraps one CreateContainer request with the values
// every registered callback needs. The host cgroup path and the
// resolved cgroup id are computed lazily and cached; the pod and
// container ids are not cached and are re-derived on every call.
type CreateContainerArg struct {
	req *api.CreateContainer
	Pods PodLookup

	hostCgroupPath string
	cgroupID       *uint64
}

// NewCreateContainerArg wraps req for use by registered callbacks.
func NewCreateContainerArg(req *api.CreateContainer) *CreateContainerArg {
	return &CreateContainerArg{req: req}
}

// Request returns the underlying CreateContainer request.
func (a *CreateContainerArg) Request() *api.CreateContainer {
	return a.req
}

// HostCgroupPath joins the host cgroup root with the request's
// cgroup path, computing it once and caching the result.
func (a *CreateContainerArg) HostCgroupPath() string {
	if a.hostCgroupPath == "" {
		a.hostCgroupPath = filepath.Join(DefaultHostCgroupRoot, a.req.CgroupsPath)
	}
	return a.hostCgroupPath
}

// CgroupID resolves the cgroup id of the host cgroup path, preferring
// an explicit id supplied on the request. crun places container
// processes in a subgroup beneath the OCI cgroupsPath; if the host
// cgroup path has exactly one child directory, CgroupID descends into
// it first.
func (a *CreateContainerArg) CgroupID() (uint64, error) {
	if a.cgroupID != nil {
		return *a.cgroupID, nil
	}
	if a.req.CgroupID != 0 {
		a.cgroupID = &a.req.CgroupID
		return a.req.CgroupID, nil
	}

	id, err := cgroupIDFromSubCgroup(a.HostCgroupPath())
	if err != nil {
		return 0, errors.Wrap(err, "rthooks: failed to resolve cgroup id")
	}

	a.cgroupID = &id
	return id, nil
}

// PodID returns the request's explicit pod-uid if set, else parses it
// out of the cgroup path.
func (a *CreateContainerArg) PodID() string {
	if a.req.PodUID != "" {
		return a.req.PodUID
	}
	return podIDFromCgroupPath(a.req.CgroupsPath)
}

// ContainerID returns the request's explicit container-id if set,
// else parses it out of the last cgroup path segment.
func (a *CreateContainerArg) ContainerID() string {
	if a.req.ContainerID != "" {
		return a.req.ContainerID
	}
	return containerIDFromCgroupPath(a.req.CgroupsPath)
}

// staticPodConfigHashAnnotation is the well-known kubelet annotation
// marking a static pod's config hash, used to find its API-server
// mirror pod when no pod-uid was supplied directly.
const staticPodConfigHashAnnotation = "kubernetes.io/config.hash"

// Pod resolves the Kubernetes identity for this container, retrying
// up to five times with 10ms spacing while the pod informer catches
// up with a just-created container. The lookup key is always
// ContainerID(); the static-pod config-hash and CRI-O userns-mode
// annotations, when present, are only logged.
func (a *CreateContainerArg) Pod(ctx context.Context) (*api.KubernetesIdentity, error) {
	if a.Pods == nil {
		return nil, errors.New("rthooks: no pod lookup configured")
	}

	containerID := a.ContainerID()
	if hash, ok := a.req.Annotations[staticPodConfigHashAnnotation]; ok {
		hookLog.WithField("config_hash", hash).Debug("resolving static pod mirror by config hash")
	}
	if mode, ok := a.req.Annotations[criannotations.UsernsModeAnnotation]; ok {
		hookLog.WithField("userns_mode", mode).Debug("cri-o userns-mode annotation present")
	}

	return a.Pods.GetWithRetry(ctx, containerID)
}

// podIDFromCgroupPath strips a trailing ".slice" from the
// parent-of-container path segment, then keeps only the trailing 36
// characters if what's left is longer than a canonical UUID (this
// drops prefixes like "kubepods-besteffort-pod").
func podIDFromCgroupPath(cgroupPath string) string {
	podSegment := filepath.Base(filepath.Dir(cgroupPath))
	podSegment = strings.TrimSuffix(podSegment, ".slice")

	if len(podSegment) > uidStringLen {
		podSegment = podSegment[len(podSegment)-uidStringLen:]
	}
	return podSegment
}

// containerIDFromCgroupPath strips a trailing ".scope", then keeps
// only the suffix after the last "-" (this drops runtime-specific
// prefixes like "crio-", "crio-conmon-", "cri-containerd-").
func containerIDFromCgroupPath(cgroupPath string) string {
	containerSegment := filepath.Base(cgroupPath)
	containerSegment = strings.TrimSuffix(containerSegment, ".scope")

	if idx := strings.LastIndex(containerSegment, "-"); idx >= 0 {
		containerSegment = containerSegment[idx+1:]
	}
	return containerSegment
}
