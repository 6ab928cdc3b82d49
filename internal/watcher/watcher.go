// Package watcher bridges the Kubernetes watch API for Deployments and
// StatefulSets into a single buffered channel of lifecycle events.
package watcher

import (
	"context"
	"log/slog"
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/junoh-moon/watch-cluster/internal/workloadkind"
)

// EventType names the four lifecycle transitions the Reconciler reacts to.
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
	Error    EventType = "ERROR"
)

// WorkloadInfo is the subset of a Deployment/StatefulSet the Reconciler
// needs: its annotations (to decide enablement, schedule, strategy) and
// its first container's image and pull secrets.
type WorkloadInfo struct {
	Namespace        string
	Name             string
	Kind             workloadkind.Kind
	Annotations      map[string]string
	ContainerImage   string
	ImagePullSecrets []string
}

// Key returns the Reconciler's map key for this workload.
func (w WorkloadInfo) Key() string {
	return w.Namespace + "/" + w.Name
}

// Event pairs a lifecycle transition with the workload it concerns.
type Event struct {
	Type     EventType
	Workload WorkloadInfo
}

// Watcher emits Events for every Deployment and StatefulSet change in
// namespace ("" watches the whole cluster).
type Watcher struct {
	client    kubernetes.Interface
	namespace string
	events    chan Event
	logger    *slog.Logger
}

// New creates a Watcher. Call Start to begin emitting on Events().
func New(client kubernetes.Interface, namespace string, logger *slog.Logger) *Watcher {
	return &Watcher{
		client:    client,
		namespace: namespace,
		events:    make(chan Event, 64),
		logger:    logger,
	}
}

// Events returns the channel Start publishes to. It is closed once Start
// returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start runs the Deployment and StatefulSet informers until ctx is
// cancelled, then closes the event channel. It blocks, so callers should
// run it in its own goroutine.
func (w *Watcher) Start(ctx context.Context) {
	defer close(w.events)

	stop := ctx.Done()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		w.runDeployments(stop)
	}()
	go func() {
		defer wg.Done()
		w.runStatefulSets(stop)
	}()

	wg.Wait()
}

func (w *Watcher) runDeployments(stop <-chan struct{}) {
	lw := &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			return w.client.AppsV1().Deployments(w.namespace).List(context.Background(), opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			return w.client.AppsV1().Deployments(w.namespace).Watch(context.Background(), opts)
		},
	}
	_, controller := cache.NewInformer(lw, &appsv1.Deployment{}, 0, cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.handle(Added, obj, workloadkind.Deployment) },
		UpdateFunc: func(_, newObj interface{}) { w.handle(Modified, newObj, workloadkind.Deployment) },
		DeleteFunc: func(obj interface{}) { w.handle(Deleted, obj, workloadkind.Deployment) },
	})
	controller.Run(stop)
}

func (w *Watcher) runStatefulSets(stop <-chan struct{}) {
	lw := &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			return w.client.AppsV1().StatefulSets(w.namespace).List(context.Background(), opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			return w.client.AppsV1().StatefulSets(w.namespace).Watch(context.Background(), opts)
		},
	}
	_, controller := cache.NewInformer(lw, &appsv1.StatefulSet{}, 0, cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj interface{}) { w.handle(Added, obj, workloadkind.StatefulSet) },
		UpdateFunc: func(_, newObj interface{}) { w.handle(Modified, newObj, workloadkind.StatefulSet) },
		DeleteFunc: func(obj interface{}) { w.handle(Deleted, obj, workloadkind.StatefulSet) },
	})
	controller.Run(stop)
}

// handle converts a raw informer object into a WorkloadInfo and emits it.
// An object that cannot be converted (an unexpected type, or a tombstone
// whose inner object is itself unexpected) is reported as an ERROR event
// without mutating any state.
func (w *Watcher) handle(eventType EventType, obj interface{}, kind workloadkind.Kind) {
	info, ok := workloadInfoFromObject(obj, kind)
	if !ok {
		w.logger.Error("watch event carried an unrecognized object", "kind", kind, "eventType", eventType)
		w.events <- Event{Type: Error}
		return
	}
	w.events <- Event{Type: eventType, Workload: info}
}

func workloadInfoFromObject(obj interface{}, kind workloadkind.Kind) (WorkloadInfo, bool) {
	if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		return workloadInfoFromObject(tombstone.Obj, kind)
	}

	switch o := obj.(type) {
	case *appsv1.Deployment:
		return WorkloadInfo{
			Namespace:        o.Namespace,
			Name:             o.Name,
			Kind:             workloadkind.Deployment,
			Annotations:      o.Annotations,
			ContainerImage:   firstContainerImage(o.Spec.Template.Spec.Containers),
			ImagePullSecrets: secretNames(o.Spec.Template.Spec.ImagePullSecrets),
		}, true
	case *appsv1.StatefulSet:
		return WorkloadInfo{
			Namespace:        o.Namespace,
			Name:             o.Name,
			Kind:             workloadkind.StatefulSet,
			Annotations:      o.Annotations,
			ContainerImage:   firstContainerImage(o.Spec.Template.Spec.Containers),
			ImagePullSecrets: secretNames(o.Spec.Template.Spec.ImagePullSecrets),
		}, true
	default:
		return WorkloadInfo{}, false
	}
}

func firstContainerImage(containers []corev1.Container) string {
	if len(containers) == 0 {
		return ""
	}
	return containers[0].Image
}

func secretNames(refs []corev1.LocalObjectReference) []string {
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}
	return names
}
