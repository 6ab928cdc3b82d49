// Package registry fetches tag lists and manifest digests from upstream
// image registries, dispatching to a registry-specific strategy (Docker
// Hub, GHCR, or generic OCI Distribution v2).
//
// Every method here degrades to an empty/nil result on any network or
// protocol error — the caller (the update-decision engine) never treats a
// registry hiccup as fatal.
package registry

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/junoh-moon/watch-cluster/internal/credentials"
)

// defaultTimeout is the connect+read timeout applied to every registry
// request.
const defaultTimeout = 30 * time.Second

// Gateway fetches tags and digests from whichever registry an image
// reference names.
type Gateway struct {
	client *http.Client
}

// New creates a Gateway with a shared, connection-pooling HTTP client.
func New() *Gateway {
	return &Gateway{
		client: &http.Client{Timeout: defaultTimeout},
	}
}

// strategy is the small, closed set of registry-specific request shapes.
// Only three exist, so this is an unexported tagged union rather than an
// open plugin interface.
type strategy interface {
	getTags(ctx context.Context, client *http.Client, repo string, auth *credentials.DockerAuth) ([]string, error)
	getDigest(ctx context.Context, client *http.Client, repo, tag string, auth *credentials.DockerAuth) (string, error)
}

// dispatch picks the strategy for a registry host: nil/"docker.io" goes
// to Docker Hub, anything containing "ghcr.io" goes to GHCR, else
// generic OCI v2 against the registry host.
func dispatch(registry string) strategy {
	switch {
	case registry == "" || registry == "docker.io":
		return dockerHubStrategy{}
	case strings.Contains(registry, "ghcr.io"):
		return ghcrStrategy{}
	default:
		return genericStrategy{host: registry}
	}
}

// GetTags lists the tags available for repo on registry. Returns nil on
// any failure.
func (g *Gateway) GetTags(ctx context.Context, registry, repo string, auth *credentials.DockerAuth) []string {
	tags, err := dispatch(registry).getTags(ctx, g.client, repo, auth)
	if err != nil {
		return nil
	}
	return tags
}

// GetImageDigest returns the manifest digest for repo:tag on registry, or
// "" on any failure.
func (g *Gateway) GetImageDigest(ctx context.Context, registry, repo, tag string, auth *credentials.DockerAuth) string {
	digest, err := dispatch(registry).getDigest(ctx, g.client, repo, tag, auth)
	if err != nil {
		return ""
	}
	return digest
}
