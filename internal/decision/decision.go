// Package decision combines the registry gateway and the image reference
// parser into a single operation: given a workload's current image and
// its configured update strategy, decide whether a newer image exists
// and, if so, what it is.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/junoh-moon/watch-cluster/internal/credentials"
	"github.com/junoh-moon/watch-cluster/internal/imageref"
	"github.com/junoh-moon/watch-cluster/internal/registry"
	"github.com/junoh-moon/watch-cluster/internal/workloadkind"
)

// StrategyKind is the tagged variant of UpdateStrategy: either chase
// semver tags (Version) or chase a mutable tag's digest (Latest).
type StrategyKind int

const (
	Version StrategyKind = iota
	Latest
)

// Strategy is the workload's configured update strategy. LockMajor only
// applies to Version; it is ignored for Latest.
type Strategy struct {
	Kind      StrategyKind
	LockMajor bool
}

// ParseStrategy maps the watch-cluster.io/strategy annotation value to
// a Strategy. Unrecognized or empty values default to
// Version{LockMajor: false}.
func ParseStrategy(annotation string) Strategy {
	switch annotation {
	case "version-lock-major":
		return Strategy{Kind: Version, LockMajor: true}
	case "latest":
		return Strategy{Kind: Latest}
	default:
		return Strategy{Kind: Version}
	}
}

// Decision reports whether an update was found for a workload's image.
// NewImage is nil when no update is recommended.
type Decision struct {
	CurrentImage  string
	NewImage      *string
	Reason        string
	CurrentDigest *string
	NewDigest     *string
}

// Engine combines the registry gateway, credentials resolver, and a
// Kubernetes client (used to read the workload's live spec image, needed
// by the Latest strategy to locate a pinned digest) into the single
// checkForUpdate operation.
type Engine struct {
	registry *registry.Gateway
	creds    *credentials.Resolver
	client   kubernetes.Interface
	logger   *slog.Logger
}

// New creates an Engine backed by client for credential and spec-image
// lookups.
func New(client kubernetes.Interface, logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry.New(),
		creds:    credentials.New(client),
		client:   client,
		logger:   logger,
	}
}

// CheckForUpdate decides whether currentImage has a newer counterpart
// under strategy. Registry and credential failures never propagate as
// errors — they degrade to a "no update" Decision with an explanatory
// reason.
func (e *Engine) CheckForUpdate(
	ctx context.Context,
	currentImage string,
	strategy Strategy,
	namespace string,
	imagePullSecrets []string,
	workloadName string,
	kind workloadkind.Kind,
) Decision {
	ref := imageref.Parse(currentImage)

	var auth *credentials.DockerAuth
	if len(imagePullSecrets) > 0 {
		resolved, err := e.creds.Resolve(ctx, namespace, imagePullSecrets, ref.Registry)
		if err != nil {
			e.logger.Debug("credential resolution failed, proceeding unauthenticated",
				"namespace", namespace, "name", workloadName, "error", err)
		} else {
			auth = resolved
		}
	}

	switch strategy.Kind {
	case Latest:
		return e.checkLatest(ctx, ref, currentImage, strategy, namespace, workloadName, kind, auth)
	default:
		return e.checkVersion(ctx, ref, currentImage, strategy, auth)
	}
}

// checkVersion implements the Version strategy: find the highest semver
// tag in the registry that is strictly greater than the current tag.
func (e *Engine) checkVersion(ctx context.Context, ref imageref.Ref, currentImage string, strategy Strategy, auth *credentials.DockerAuth) Decision {
	if !imageref.IsSemverTag(ref.Tag) {
		return Decision{CurrentImage: currentImage, Reason: "Current tag is not a version tag"}
	}

	hasVPrefix := imageref.HasVPrefix(ref.Tag)
	current := imageref.ParseVersion(ref.Tag)

	tags := e.registry.GetTags(ctx, ref.Registry, ref.Repository, auth)

	type candidate struct {
		tag string
		ver []int
	}
	var candidates []candidate
	for _, tag := range tags {
		if !imageref.IsSemverTag(tag) {
			continue
		}
		ver := imageref.ParseVersion(tag)
		if imageref.Compare(ver, current) <= 0 {
			continue
		}
		if strategy.LockMajor && len(ver) > 0 && len(current) > 0 && ver[0] != current[0] {
			continue
		}
		candidates = append(candidates, candidate{tag: tag, ver: ver})
	}

	if len(candidates) == 0 {
		reason := "No newer version available"
		if strategy.LockMajor && len(current) > 0 {
			reason = fmt.Sprintf("No newer version available within major version %d", current[0])
		}
		return Decision{CurrentImage: currentImage, Reason: reason}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return imageref.Compare(candidates[i].ver, candidates[j].ver) > 0
	})
	winner := candidates[0]

	winningTag := winner.tag
	if hasVPrefix && !imageref.HasVPrefix(winningTag) {
		winningTag = "v" + winningTag
	} else if !hasVPrefix && imageref.HasVPrefix(winningTag) {
		winningTag = strings.TrimPrefix(winningTag, "v")
	}

	newRef := ref
	newRef.Tag = winningTag
	newImage := imageref.Build(newRef)

	decision := Decision{
		CurrentImage: currentImage,
		NewImage:     &newImage,
		Reason:       fmt.Sprintf("Found newer version: %s", winningTag),
	}

	if currentDigest := e.registry.GetImageDigest(ctx, ref.Registry, ref.Repository, ref.Tag, auth); currentDigest != "" {
		decision.CurrentDigest = &currentDigest
	}
	if newDigest := e.registry.GetImageDigest(ctx, ref.Registry, ref.Repository, winningTag, auth); newDigest != "" {
		decision.NewDigest = &newDigest
	}
	return decision
}

// checkLatest implements the Latest strategy: compare the registry
// digest for a mutable tag against the digest pinned in the workload's
// live spec image (or, failing that, in currentImage itself).
func (e *Engine) checkLatest(
	ctx context.Context,
	ref imageref.Ref,
	currentImage string,
	strategy Strategy,
	namespace, workloadName string,
	kind workloadkind.Kind,
	auth *credentials.DockerAuth,
) Decision {
	if imageref.IsSemverTag(ref.Tag) {
		return Decision{CurrentImage: currentImage, Reason: "Use version strategy for version tags"}
	}

	newDigest := e.registry.GetImageDigest(ctx, ref.Registry, ref.Repository, ref.Tag, auth)

	currentDigest := imageref.ExtractDigest(e.specImage(ctx, namespace, workloadName, kind))
	if currentDigest == "" {
		currentDigest = imageref.ExtractDigest(currentImage)
	}

	if newDigest == "" || currentDigest == "" || currentDigest == newDigest {
		decision := Decision{CurrentImage: currentImage, Reason: "Already using the latest image"}
		if currentDigest != "" {
			decision.CurrentDigest = &currentDigest
		}
		if newDigest != "" {
			decision.NewDigest = &newDigest
		}
		return decision
	}

	reason := "Latest image has been updated"
	if ref.Tag != "" && ref.Tag != "latest" {
		reason = fmt.Sprintf("Tag '%s' has been updated", ref.Tag)
	}

	built := imageref.RemoveDigest(currentImage)
	return Decision{
		CurrentImage:  currentImage,
		NewImage:      &built,
		Reason:        reason,
		CurrentDigest: &currentDigest,
		NewDigest:     &newDigest,
	}
}

// specImage reads container[0]'s image straight from the live workload,
// rather than trusting the reconciler's cache, so a digest pinned since
// the cache was last refreshed is never missed.
func (e *Engine) specImage(ctx context.Context, namespace, name string, kind workloadkind.Kind) string {
	if kind == workloadkind.StatefulSet {
		sts, err := e.client.AppsV1().StatefulSets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil || len(sts.Spec.Template.Spec.Containers) == 0 {
			return ""
		}
		return sts.Spec.Template.Spec.Containers[0].Image
	}

	dep, err := e.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil || len(dep.Spec.Template.Spec.Containers) == 0 {
		return ""
	}
	return dep.Spec.Template.Spec.Containers[0].Image
}
