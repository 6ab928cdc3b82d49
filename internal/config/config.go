// Package config provides controller configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds controller configuration. Values come from env vars or defaults.
type Config struct {
	// --- Kubernetes ---

	// Namespace is the K8s namespace to watch (env: NAMESPACE). Empty
	// means watch every namespace.
	Namespace string

	// KubeConfig is the path to kubeconfig file (env: KUBECONFIG).
	// Empty means use in-cluster config.
	KubeConfig string

	// --- Leader Election ---

	// LeaderElection enables K8s lease-based leader election (env: ENABLE_LEADER_ELECTION).
	// When true, only the leader replica reconciles; others wait passively.
	// Required for running multiple replicas safely.
	LeaderElection bool

	// LeaderElectionID is the name of the Lease resource used for leader election
	// (env: LEADER_ELECTION_ID). Default: "watch-cluster-leader".
	LeaderElectionID string

	// LeaderElectionIdentity is the unique identity of this controller instance
	// (env: POD_NAME). Typically set from the Kubernetes downward API.
	// Default: hostname.
	LeaderElectionIdentity string

	// --- Controller ---

	// LogLevel controls log verbosity: debug, info, warn, error (env: LOG_LEVEL).
	LogLevel string

	// HealthListenAddr is the listen address for the /healthz and /version
	// HTTP surface (env: HEALTH_LISTEN_ADDR). Default: ":8080".
	HealthListenAddr string

	// PodName/PodNamespace hold this replica's pod name and namespace
	// (env: POD_NAME, POD_NAMESPACE). Parse fills them; neither the logs
	// nor the /version endpoint include them.
	PodName      string
	PodNamespace string
}

// Parse reads configuration from environment variables.
func Parse() *Config {
	return &Config{
		// Kubernetes
		Namespace:  os.Getenv("NAMESPACE"),
		KubeConfig: os.Getenv("KUBECONFIG"),

		// Leader Election
		LeaderElection:         envBoolOr("ENABLE_LEADER_ELECTION", false),
		LeaderElectionID:       envOr("LEADER_ELECTION_ID", "watch-cluster-leader"),
		LeaderElectionIdentity: envOr("POD_NAME", hostname()),

		// Controller
		LogLevel:         envOr("LOG_LEVEL", "info"),
		HealthListenAddr: envOr("HEALTH_LISTEN_ADDR", ":8080"),
		PodName:          os.Getenv("POD_NAME"),
		PodNamespace:     os.Getenv("POD_NAMESPACE"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
