// Command controller is watch-cluster — a Kubernetes controller that
// watches Deployments and StatefulSets opted in via annotations, checks an
// OCI registry for newer images on a per-workload cron schedule, and rolls
// out updates via a strategic-merge patch.
//
// It does not use controller-runtime or CRD reconciliation loops: a direct
// typed client plus two cache.NewInformer-backed watches are enough for the
// two resource kinds this controller cares about.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/junoh-moon/watch-cluster/internal/config"
	"github.com/junoh-moon/watch-cluster/internal/cronsched"
	"github.com/junoh-moon/watch-cluster/internal/decision"
	"github.com/junoh-moon/watch-cluster/internal/notifier"
	"github.com/junoh-moon/watch-cluster/internal/reconciler"
	"github.com/junoh-moon/watch-cluster/internal/rollout"
	"github.com/junoh-moon/watch-cluster/internal/watcher"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	cfg := config.Parse()
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting watch-cluster controller", "namespace", cfg.Namespace)

	k8sClient, err := buildK8sClient(cfg.KubeConfig)
	if err != nil {
		logger.Error("failed to create K8s client", "error", err)
		os.Exit(1)
	}

	notifyCfg := notifier.ConfigFromEnv()
	notify := notifier.New(notifyCfg, logger)

	w := watcher.New(k8sClient, cfg.Namespace, logger)
	decisionEngine := decision.New(k8sClient, logger)
	rolloutDriver := rollout.New(k8sClient, notify, logger)
	scheduler := cronsched.New(logger)
	rec := reconciler.New(decisionEngine, rolloutDriver, notify, scheduler, logger)

	healthSrv := startHealthServer(cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	runFn := func(ctx context.Context) {
		run(ctx, logger, w, rec, scheduler)
	}

	if cfg.LeaderElection {
		runLeaderElection(ctx, logger, cfg, k8sClient, runFn)
	} else {
		runFn(ctx)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", "error", err)
	}
}

// run is the main controller loop: it starts the workload watcher and feeds
// its events into the reconciler until ctx is cancelled. Separated from
// main() for testability.
func run(ctx context.Context, logger *slog.Logger, w *watcher.Watcher, rec *reconciler.Reconciler, scheduler *cronsched.Scheduler) {
	logger.Info("controller ready, watching workloads")

	go w.Start(ctx)
	rec.Run(ctx, w.Events())

	logger.Info("shutting down controller")
	scheduler.Shutdown()
}

// runLeaderElection starts the leader election loop. Only the leader runs
// the controller loop (runFn). When leadership is lost, the process exits
// so that Kubernetes restarts it and it can rejoin the election.
func runLeaderElection(ctx context.Context, logger *slog.Logger, cfg *config.Config, k8sClient kubernetes.Interface, runFn func(ctx context.Context)) {
	id := cfg.LeaderElectionIdentity
	logger.Info("starting leader election", "id", id, "lease", cfg.LeaderElectionID, "namespace", cfg.Namespace)

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaderElectionID,
			Namespace: cfg.Namespace,
		},
		Client: k8sClient.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: id,
		},
	}

	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   15 * time.Second,
		RenewDeadline:   10 * time.Second,
		RetryPeriod:     2 * time.Second,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				logger.Info("elected as leader, starting controller")
				runFn(ctx)
			},
			OnStoppedLeading: func() {
				logger.Error("lost leader election, exiting")
				os.Exit(1)
			},
			OnNewLeader: func(identity string) {
				if identity == id {
					return
				}
				logger.Info("new leader elected", "leader", identity)
			},
		},
	})
}

func startHealthServer(cfg *config.Config, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version":   version,
			"commit":    commit,
			"namespace": cfg.Namespace,
		})
	})
	srv := &http.Server{
		Addr:              cfg.HealthListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting health/version server", "addr", cfg.HealthListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()
	return srv
}

func buildK8sConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

func buildK8sClient(kubeconfig string) (kubernetes.Interface, error) {
	restCfg, err := buildK8sConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("building k8s config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
