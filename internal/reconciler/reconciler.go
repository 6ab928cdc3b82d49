// Package reconciler bridges the Workload Watcher's event stream into
// supervised-workload bookkeeping and wires the Update-Decision Engine, the
// Rollout Driver, the Webhook Notifier, and the cron scheduler under the
// per-workload schedule.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/junoh-moon/watch-cluster/internal/cronsched"
	"github.com/junoh-moon/watch-cluster/internal/decision"
	"github.com/junoh-moon/watch-cluster/internal/notifier"
	"github.com/junoh-moon/watch-cluster/internal/rollout"
	"github.com/junoh-moon/watch-cluster/internal/watcher"
	"github.com/junoh-moon/watch-cluster/internal/workloadkind"
)

const (
	annotationEnabled  = "watch-cluster.io/enabled"
	annotationCron     = "watch-cluster.io/cron"
	annotationStrategy = "watch-cluster.io/strategy"

	defaultCron = "0 */5 * * * ?"
)

// SupervisedWorkload is the cached view of one opted-in workload.
type SupervisedWorkload struct {
	Namespace        string
	Name             string
	Kind             workloadkind.Kind
	CurrentImage     string
	ImagePullSecrets []string
	CronExpression   string
	Strategy         decision.Strategy
	LastChecked      time.Time
}

// Reconciler owns the supervised-workload map and the per-key lock table,
// and dispatches watcher events to the Update-Decision Engine and the
// Rollout Driver under the workload's own schedule.
type Reconciler struct {
	mu         sync.RWMutex // guards supervised, locks map structure, and runCtx
	supervised map[string]*SupervisedWorkload
	locks      map[string]*sync.Mutex
	runCtx     context.Context // set by Run; parents every scheduled check's context

	scheduler *cronsched.Scheduler
	decision  *decision.Engine
	rollout   *rollout.Driver
	notify    *notifier.Notifier
	logger    *slog.Logger
}

// New creates a Reconciler wired to the given Update-Decision Engine,
// Rollout Driver, Webhook Notifier, and cron scheduler.
func New(decisionEngine *decision.Engine, rolloutDriver *rollout.Driver, notify *notifier.Notifier, scheduler *cronsched.Scheduler, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		supervised: make(map[string]*SupervisedWorkload),
		locks:      make(map[string]*sync.Mutex),
		runCtx:     context.Background(),
		scheduler:  scheduler,
		decision:   decisionEngine,
		rollout:    rolloutDriver,
		notify:     notify,
		logger:     logger,
	}
}

// Run consumes events until the channel is closed (the Watcher closes it
// when its context is cancelled). ctx also parents every scheduled check's
// context, so an in-flight decision/rollout is cancelled on shutdown
// instead of outliving the controller.
func (r *Reconciler) Run(ctx context.Context, events <-chan watcher.Event) {
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()

	for ev := range events {
		r.handleEvent(ctx, ev)
	}
}

func (r *Reconciler) handleEvent(ctx context.Context, ev watcher.Event) {
	switch ev.Type {
	case watcher.Added, watcher.Modified:
		r.handleUpsert(ctx, ev.Workload)
	case watcher.Deleted:
		r.handleDelete(ev.Workload.Key())
	case watcher.Error:
		r.logger.Warn("watcher reported an error event")
	}
}

func (r *Reconciler) handleUpsert(ctx context.Context, info watcher.WorkloadInfo) {
	key := info.Key()

	if !isTruthy(info.Annotations[annotationEnabled]) {
		// Not enabled: leave any existing entry alone. A later MODIFIED
		// that rewrites the annotations will pick this workload back up
		// or tear it down via a future DELETED.
		return
	}

	cronExpr := info.Annotations[annotationCron]
	if cronExpr == "" {
		cronExpr = defaultCron
	}
	strategy := decision.ParseStrategy(info.Annotations[annotationStrategy])

	entry := &SupervisedWorkload{
		Namespace:        info.Namespace,
		Name:             info.Name,
		Kind:             info.Kind,
		CurrentImage:     info.ContainerImage,
		ImagePullSecrets: info.ImagePullSecrets,
		CronExpression:   cronExpr,
		Strategy:         strategy,
	}

	r.mu.Lock()
	r.supervised[key] = entry
	if _, ok := r.locks[key]; !ok {
		r.locks[key] = &sync.Mutex{}
	}
	r.mu.Unlock()

	if err := r.scheduler.ScheduleJob(key, cronExpr, func() { r.check(key) }); err != nil {
		r.logger.Error("failed to schedule workload check", "workload", key, "cron", cronExpr, "error", err)
		return
	}

	r.notify.Send(ctx, notifier.Event{
		EventType: notifier.EventDeploymentDetected,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Deployment: notifier.Deployment{
			Namespace: info.Namespace,
			Name:      info.Name,
			Image:     info.ContainerImage,
		},
		Details: map[string]interface{}{
			"cronExpression": cronExpr,
			"updateStrategy": info.Annotations[annotationStrategy],
		},
	})
}

func (r *Reconciler) handleDelete(key string) {
	r.scheduler.CancelJob(key)

	r.mu.Lock()
	delete(r.supervised, key)
	delete(r.locks, key)
	r.mu.Unlock()
}

// check runs one decision+rollout cycle for the supervised workload at key.
// It is invoked by the cron scheduler, so a panic is already recovered by
// the scheduler; any error here is caught and logged, never propagated,
// so one misbehaving workload cannot stop its own future schedule.
func (r *Reconciler) check(key string) {
	r.mu.RLock()
	entry, ok := r.supervised[key]
	lock := r.locks[key]
	r.mu.RUnlock()
	if !ok || lock == nil {
		r.logger.Warn("scheduled check fired for an unsupervised workload", "workload", key)
		return
	}

	lock.Lock()
	defer lock.Unlock()

	entry.LastChecked = time.Now().UTC()

	r.mu.RLock()
	parent := r.runCtx
	r.mu.RUnlock()

	// Longer than the rollout driver's 300 s poll budget, so a rollout that
	// never converges ends through the driver's own timeout path (a warning,
	// no IMAGE_ROLLOUT_FAILED) rather than through this context expiring.
	ctx, cancel := context.WithTimeout(parent, 10*time.Minute)
	defer cancel()

	d := r.decision.CheckForUpdate(ctx, entry.CurrentImage, entry.Strategy, entry.Namespace, entry.ImagePullSecrets, entry.Name, entry.Kind)
	if d.NewImage == nil {
		r.logger.Debug("no update", "workload", key, "reason", d.Reason)
		return
	}

	r.logger.Info("update found", "workload", key, "newImage", *d.NewImage, "reason", d.Reason)

	if err := r.rollout.UpdateDeployment(ctx, entry.Namespace, entry.Name, entry.Kind, *d.NewImage, entry.CurrentImage); err != nil {
		r.logger.Error("rollout failed", "workload", key, "error", fmt.Errorf("updating %s: %w", key, err))
		return
	}

	// Critical anti-stale-cache step: write the new image into the cache
	// immediately after a successful rollout, so the very next check (and
	// a watcher MODIFIED event racing in behind it) observes the already
	// up-to-date image rather than re-deciding against the stale one.
	entry.CurrentImage = *d.NewImage
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
