// Package rollout patches a workload's container image and observes the
// cluster converge on it, emitting webhook events at each milestone.
package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/junoh-moon/watch-cluster/internal/notifier"
	"github.com/junoh-moon/watch-cluster/internal/workloadkind"
)

const (
	pollInterval = 5 * time.Second
	pollBudget   = 300 * time.Second

	lastUpdateAnnotation = "watch-cluster.io/last-update"
	changeAnnotation     = "watch-cluster.io/change"
)

// state names the rollout attempt's state machine, used only for logging —
// the driver's control flow is the actual state machine.
type state string

const (
	stateIdle       state = "IDLE"
	statePatchIssued state = "PATCH_ISSUED"
	stateObserving  state = "OBSERVING"
	stateComplete   state = "COMPLETE"
	stateTimeout    state = "TIMEOUT"
	stateFailed     state = "FAILED"
)

// Driver patches a workload's image and polls until the rollout converges
// or the poll budget is exhausted.
type Driver struct {
	client   kubernetes.Interface
	notifier *notifier.Notifier
	logger   *slog.Logger
}

// New creates a Driver.
func New(client kubernetes.Interface, notify *notifier.Notifier, logger *slog.Logger) *Driver {
	return &Driver{client: client, notifier: notify, logger: logger}
}

// snapshot normalizes the fields the driver cares about across Deployment
// and StatefulSet, which have independent Status/Spec types with the same
// shape.
type snapshot struct {
	containerName      string
	containerImage     string
	generation         int64
	observedGeneration int64
	specReplicas       int32
	updatedReplicas    int32
	readyReplicas      int32
	availableReplicas  int32
	progressingOK      bool
	availableOK        bool
	selector           map[string]string
}

// UpdateDeployment patches namespace/name (of the given kind) to run
// newImageRef, then polls for convergence. previousImage is the image the
// caller last observed; the actual pre-patch image is re-read from the
// live object and used in emitted events and the audit annotation.
func (d *Driver) UpdateDeployment(ctx context.Context, namespace, name string, kind workloadkind.Kind, newImageRef, previousImage string) error {
	d.logger.Debug("rollout requested", "state", stateIdle, "namespace", namespace, "name", name, "previousImage", previousImage)

	snap, err := d.fetch(ctx, namespace, name, kind)
	if err != nil {
		err = fmt.Errorf("workload %s/%s not found: %w", namespace, name, err)
		d.emitFailed(ctx, namespace, name, newImageRef, err)
		return err
	}
	if snap.containerName == "" {
		err := fmt.Errorf("workload %s/%s has no containers", namespace, name)
		d.emitFailed(ctx, namespace, name, newImageRef, err)
		return err
	}

	if snap.containerImage == newImageRef {
		// Idempotent: nothing to do.
		return nil
	}
	actualCurrentImage := snap.containerImage

	d.notifier.Send(ctx, notifier.Event{
		EventType: notifier.EventImageRolloutStarted,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Deployment: notifier.Deployment{Namespace: namespace, Name: name, Image: newImageRef},
		Details: map[string]interface{}{
			"previousImage": actualCurrentImage,
		},
	})
	d.logger.Info("rollout started", "state", statePatchIssued, "namespace", namespace, "name", name, "image", newImageRef)

	if err := d.patch(ctx, namespace, name, kind, snap.containerName, newImageRef, actualCurrentImage); err != nil {
		d.emitFailed(ctx, namespace, name, newImageRef, err)
		return fmt.Errorf("patching workload %s/%s: %w", namespace, name, err)
	}

	start := time.Now()
	d.logger.Info("observing rollout", "state", stateObserving, "namespace", namespace, "name", name)
	converged, err := d.awaitConvergence(ctx, namespace, name, kind, newImageRef)
	if err != nil {
		d.emitFailed(ctx, namespace, name, newImageRef, err)
		return fmt.Errorf("observing rollout of %s/%s: %w", namespace, name, err)
	}
	if !converged {
		d.logger.Warn("rollout did not converge within poll budget",
			"state", stateTimeout, "namespace", namespace, "name", name, "budget", pollBudget)
		return nil
	}

	elapsed := time.Since(start)
	d.notifier.Send(ctx, notifier.Event{
		EventType: notifier.EventImageRolloutCompleted,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Deployment: notifier.Deployment{Namespace: namespace, Name: name, Image: newImageRef},
		Details: map[string]interface{}{
			"rolloutDuration": fmt.Sprintf("%dms", elapsed.Milliseconds()),
		},
	})
	d.logger.Info("rollout completed", "state", stateComplete, "namespace", namespace, "name", name, "elapsed", elapsed)
	return nil
}

func (d *Driver) emitFailed(ctx context.Context, namespace, name, newImageRef string, cause error) {
	d.notifier.Send(ctx, notifier.Event{
		EventType: notifier.EventImageRolloutFailed,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Deployment: notifier.Deployment{Namespace: namespace, Name: name, Image: newImageRef},
		Details: map[string]interface{}{
			"error": cause.Error(),
		},
	})
	d.logger.Error("rollout failed", "state", stateFailed, "namespace", namespace, "name", name, "error", cause)
}

// patch issues the combined image+annotation strategic-merge patch.
func (d *Driver) patch(ctx context.Context, namespace, name string, kind workloadkind.Kind, containerName, newImageRef, previousImage string) error {
	body := map[string]interface{}{
		"spec": map[string]interface{}{
			"template": map[string]interface{}{
				"spec": map[string]interface{}{
					"containers": []map[string]interface{}{
						{"name": containerName, "image": newImageRef},
					},
				},
			},
		},
		"metadata": map[string]interface{}{
			"annotations": map[string]interface{}{
				lastUpdateAnnotation: time.Now().Format(time.RFC3339),
				changeAnnotation:     fmt.Sprintf("%s -> %s", previousImage, newImageRef),
			},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}

	if kind == workloadkind.StatefulSet {
		_, err = d.client.AppsV1().StatefulSets(namespace).Patch(ctx, name, types.StrategicMergePatchType, raw, metav1.PatchOptions{})
	} else {
		_, err = d.client.AppsV1().Deployments(namespace).Patch(ctx, name, types.StrategicMergePatchType, raw, metav1.PatchOptions{})
	}
	return err
}

// generationRetryInterval is the shortened repoll delay used when the
// workload hasn't yet observed its own generation bump — this settles
// much faster than a full rollout, so polling at the normal 5s cadence
// would waste most of one cycle.
const generationRetryInterval = 2 * time.Second

// awaitConvergence polls for up to pollBudget, returning (true, nil) once
// the workload and its pods confirm the new image is live, (false, nil)
// if the budget is exhausted without convergence, or (false, err) if a
// poll itself failed unrecoverably (workload deleted mid-rollout).
func (d *Driver) awaitConvergence(ctx context.Context, namespace, name string, kind workloadkind.Kind, newImageRef string) (bool, error) {
	deadline := time.Now().Add(pollBudget)

	for {
		converged, generationMismatch, err := d.checkConvergence(ctx, namespace, name, kind, newImageRef)
		if err != nil {
			return false, err
		}
		if converged {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		wait := pollInterval
		if generationMismatch {
			wait = generationRetryInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// checkConvergence evaluates the workload's status and, if the rollout
// appears complete at the controller level, verifies individual pods. The
// second return value reports whether non-convergence was specifically
// due to observedGeneration lagging metadata.generation, which gets the
// shorter generationRetryInterval rather than the full poll period.
func (d *Driver) checkConvergence(ctx context.Context, namespace, name string, kind workloadkind.Kind, newImageRef string) (converged bool, generationMismatch bool, err error) {
	snap, err := d.fetch(ctx, namespace, name, kind)
	if err != nil {
		return false, false, fmt.Errorf("re-fetching workload: %w", err)
	}

	if snap.observedGeneration != snap.generation {
		return false, true, nil
	}
	if kind != workloadkind.StatefulSet && !(snap.progressingOK && snap.availableOK) {
		return false, false, nil
	}
	if snap.updatedReplicas != snap.specReplicas ||
		snap.readyReplicas != snap.specReplicas ||
		snap.availableReplicas != snap.specReplicas {
		return false, false, nil
	}

	ok, err := d.verifyPods(ctx, namespace, snap.selector, newImageRef)
	if err != nil {
		return false, false, err
	}
	return ok, false, nil
}

// verifyPods lists pods by the workload's selector and requires every pod
// be Ready and at least one container image match newImageRef. An empty
// pod list is never considered complete.
func (d *Driver) verifyPods(ctx context.Context, namespace string, selector map[string]string, newImageRef string) (bool, error) {
	pods, err := d.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return false, fmt.Errorf("listing pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return false, nil
	}

	for _, pod := range pods.Items {
		if !podReady(&pod) {
			return false, nil
		}
		hasImage := false
		for _, c := range pod.Spec.Containers {
			if c.Image == newImageRef {
				hasImage = true
				break
			}
		}
		if !hasImage {
			return false, nil
		}
	}
	return true, nil
}

func podReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

// fetch reads the live workload and normalizes it into a snapshot.
func (d *Driver) fetch(ctx context.Context, namespace, name string, kind workloadkind.Kind) (snapshot, error) {
	if kind == workloadkind.StatefulSet {
		sts, err := d.client.AppsV1().StatefulSets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return snapshot{}, err
		}
		return snapshotFromStatefulSet(sts), nil
	}

	dep, err := d.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return snapshot{}, err
	}
	return snapshotFromDeployment(dep), nil
}

func replicasOrDefault(r *int32) int32 {
	if r == nil {
		return 1
	}
	return *r
}

func snapshotFromDeployment(dep *appsv1.Deployment) snapshot {
	s := snapshot{
		generation:         dep.Generation,
		observedGeneration: dep.Status.ObservedGeneration,
		specReplicas:       replicasOrDefault(dep.Spec.Replicas),
		updatedReplicas:    dep.Status.UpdatedReplicas,
		readyReplicas:      dep.Status.ReadyReplicas,
		availableReplicas:  dep.Status.AvailableReplicas,
		selector:           dep.Spec.Selector.MatchLabels,
	}
	if len(dep.Spec.Template.Spec.Containers) > 0 {
		s.containerName = dep.Spec.Template.Spec.Containers[0].Name
		s.containerImage = dep.Spec.Template.Spec.Containers[0].Image
	}
	for _, cond := range dep.Status.Conditions {
		switch cond.Type {
		case appsv1.DeploymentProgressing:
			s.progressingOK = cond.Status == "True" && cond.Reason == "NewReplicaSetAvailable"
		case appsv1.DeploymentAvailable:
			s.availableOK = cond.Status == "True"
		}
	}
	return s
}

func snapshotFromStatefulSet(sts *appsv1.StatefulSet) snapshot {
	s := snapshot{
		generation:         sts.Generation,
		observedGeneration: sts.Status.ObservedGeneration,
		specReplicas:       replicasOrDefault(sts.Spec.Replicas),
		updatedReplicas:    sts.Status.UpdatedReplicas,
		readyReplicas:      sts.Status.ReadyReplicas,
		availableReplicas:  sts.Status.AvailableReplicas,
		selector:           sts.Spec.Selector.MatchLabels,
	}
	if len(sts.Spec.Template.Spec.Containers) > 0 {
		s.containerName = sts.Spec.Template.Spec.Containers[0].Name
		s.containerImage = sts.Spec.Template.Spec.Containers[0].Image
	}
	return s
}
