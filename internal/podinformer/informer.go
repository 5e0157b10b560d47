// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package podinformer

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/procgraph/agent/internal/api"
)

// resyncPeriod is 0: pod state changes drive re-lists, not a timer.
const resyncPeriod = 0

// Informer watches every pod on the cluster and feeds the container-id
// -> pod identity index in Store as pods are added, updated or
// deleted. The watched list defaults to a single List+Watch; setting
// WATCHLIST=1 in the environment switches client-go's reflector to
// a streaming list, matching what large clusters run to cut list load
// on the API server.
type Informer struct {
	Store     *Store
	clientset kubernetes.Interface
	informer  cache.SharedIndexInformer
	handlers  []PodEventHandler
}

// PodEventKind distinguishes the two watcher transitions republished
// to registered handlers.
type PodEventKind int

const (
	PodApply PodEventKind = iota
	PodDelete
)

// PodEvent is one watcher transition as seen by the informer, after
// container-id extraction: the pod's uid plus its current running and
// terminated container sets.
type PodEvent struct {
	Kind       PodEventKind
	PodUID     string
	Running    map[string]*api.KubernetesIdentity
	Terminated map[string]*api.KubernetesIdentity
}

// PodEventHandler receives every watcher event, in the watch's
// resource-version order. Handlers run synchronously inside the watch
// loop: the correlation index must observe a pod update before the
// next one is applied, so a lossy asynchronous fan-out would trade
// coherence for nothing.
type PodEventHandler func(PodEvent)

// NewInformer builds an Informer against the cluster the agent is
// running in, or against kubeconfigPath if set (out-of-cluster use,
// e.g. development or a standalone test cluster).
func NewInformer(kubeconfigPath string, store *Store) (*Informer, error) {
	config, err := loadConfig(kubeconfigPath)
	if err != nil {
		return nil, errors.Wrap(err, "podinformer: failed to load kube config")
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "podinformer: failed to build clientset")
	}

	return newInformerForClient(clientset, store), nil
}

func newInformerForClient(clientset kubernetes.Interface, store *Store) *Informer {
	i := &Informer{Store: store, clientset: clientset}

	optionsModifier := func(options *metav1.ListOptions) {
		if os.Getenv("WATCHLIST") == "1" {
			options.SendInitialEvents = boolPtr(true)
			options.ResourceVersionMatch = metav1.ResourceVersionMatchNotOlderThan
		}
	}

	lw := cache.NewFilteredListWatchFromClient(
		clientset.CoreV1().RESTClient(),
		"pods",
		corev1.NamespaceAll,
		optionsModifier,
	)

	i.informer = cache.NewSharedIndexInformer(lw, &corev1.Pod{}, resyncPeriod, cache.Indexers{})
	i.informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    i.handleAddOrUpdate,
		UpdateFunc: func(_, newObj interface{}) { i.handleAddOrUpdate(newObj) },
		DeleteFunc: i.handleDelete,
	})

	return i
}

func loadConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// Run starts the informer's List+Watch loop in a goroutine that runs
// until stopCh is closed, and blocks only until the initial sync
// completes (or stopCh closes first). It signals Store once the initial
// sync completes so that every caller blocked in Store.WaitUntilReady
// unblocks at the same moment.
func (i *Informer) Run(stopCh <-chan struct{}) {
	storeLog.Info("starting pod informer")
	go i.informer.Run(stopCh)

	if !cache.WaitForCacheSync(stopCh, i.informer.HasSynced) {
		storeLog.Warn("pod informer stopped before initial sync completed")
		return
	}

	i.Store.MarkDone()
	storeLog.Info("pod informer synced")
}

func (i *Informer) handleAddOrUpdate(obj interface{}) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return
	}

	running, terminated := containersForPod(pod)
	i.Store.Update(running, terminated)
	i.notify(PodEvent{Kind: PodApply, PodUID: string(pod.UID), Running: running, Terminated: terminated})
}

// RegisterHandler adds a handler for every subsequent watcher event.
// Register before Run; the handler list is not guarded against
// concurrent mutation once the watch loop is delivering.
func (i *Informer) RegisterHandler(h PodEventHandler) {
	i.handlers = append(i.handlers, h)
}

func (i *Informer) notify(ev PodEvent) {
	for _, h := range i.handlers {
		h(ev)
	}
}

func (i *Informer) handleDelete(obj interface{}) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			pod, ok = tombstone.Obj.(*corev1.Pod)
			if !ok {
				return
			}
		} else {
			return
		}
	}

	// A pod deletion moves every one of its containers to terminated
	// rather than erasing them outright: a racing exit event for one
	// of its processes may still need the identity shortly after.
	_, terminated := allContainersAsTerminated(pod)
	i.Store.Update(nil, terminated)
	i.notify(PodEvent{Kind: PodDelete, PodUID: string(pod.UID), Terminated: terminated})
}

// containersForPod splits a pod's container statuses into the running
// and terminated sets Store.Update expects. This is the corrected
// counterpart of the upstream bug where the terminated extraction
// reused the running filter (state.running.is_some()) instead of
// checking State.Terminated: a container whose state was neither
// Running nor Terminated (e.g. Waiting) previously landed in both
// sets, or in neither, depending on ordering. Waiting containers now
// simply aren't reported until they reach one of the two terminal
// states we track.
func containersForPod(pod *corev1.Pod) (running, terminated map[string]*api.KubernetesIdentity) {
	running = make(map[string]*api.KubernetesIdentity)
	terminated = make(map[string]*api.KubernetesIdentity)

	identity := identityFor(pod)

	classify := func(statuses []corev1.ContainerStatus) {
		for _, cs := range statuses {
			id := containerIDFromStatus(cs.ContainerID)
			if id == "" {
				continue
			}
			pod := *identity
			pod.ContainerName = cs.Name
			pod.ContainerID = id
			pod.ContainerImage = cs.Image

			switch {
			case cs.State.Running != nil:
				running[id] = &pod
			case cs.State.Terminated != nil:
				terminated[id] = &pod
			}
		}
	}

	classify(pod.Status.ContainerStatuses)
	classify(pod.Status.InitContainerStatuses)
	classify(pod.Status.EphemeralContainerStatuses)

	return running, terminated
}

func allContainersAsTerminated(pod *corev1.Pod) (running, terminated map[string]*api.KubernetesIdentity) {
	terminated = make(map[string]*api.KubernetesIdentity)
	identity := identityFor(pod)

	collect := func(statuses []corev1.ContainerStatus) {
		for _, cs := range statuses {
			id := containerIDFromStatus(cs.ContainerID)
			if id == "" {
				continue
			}
			pod := *identity
			pod.ContainerName = cs.Name
			pod.ContainerID = id
			pod.ContainerImage = cs.Image
			terminated[id] = &pod
		}
	}

	collect(pod.Status.ContainerStatuses)
	collect(pod.Status.InitContainerStatuses)
	collect(pod.Status.EphemeralContainerStatuses)

	return nil, terminated
}

func identityFor(pod *corev1.Pod) *api.KubernetesIdentity {
	return &api.KubernetesIdentity{
		Namespace: pod.Namespace,
		PodName:   pod.Name,
		PodUID:    string(pod.UID),
	}
}

// containerIDFromStatus strips the runtime prefix (e.g. "containerd://",
// "cri-o://") that ContainerStatus.ContainerID carries ahead of the
// bare container id.
func containerIDFromStatus(containerID string) string {
	if idx := strings.LastIndex(containerID, "://"); idx >= 0 {
		return containerID[idx+3:]
	}
	return containerID
}

func boolPtr(b bool) *bool { return &b }
