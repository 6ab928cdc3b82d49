package registry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/junoh-moon/watch-cluster/internal/credentials"
)

// genericStrategy talks to any OCI Distribution v2 registry over HTTPS,
// carrying credentials (if any) as HTTP Basic auth.
type genericStrategy struct {
	host string
}

func (s genericStrategy) getTags(ctx context.Context, client *http.Client, repo string, auth *credentials.DockerAuth) ([]string, error) {
	url := fmt.Sprintf("https://%s/v2/%s/tags/list", s.host, repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	applyBasicAuth(req, auth)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}

	var body struct {
		Tags []string `json:"tags"`
	}
	if err := decodeJSONBody(resp, &body); err != nil {
		return nil, err
	}
	return body.Tags, nil
}

func (s genericStrategy) getDigest(ctx context.Context, client *http.Client, repo, tag string, auth *credentials.DockerAuth) (string, error) {
	url := fmt.Sprintf("https://%s/v2/%s/manifests/%s", s.host, repo, tag)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.docker.distribution.manifest.v2+json")
	applyBasicAuth(req, auth)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("no Docker-Content-Digest header for %s:%s", repo, tag)
	}
	return digest, nil
}

func applyBasicAuth(req *http.Request, auth *credentials.DockerAuth) {
	if auth != nil {
		req.SetBasicAuth(auth.Username, auth.Password)
	}
}
