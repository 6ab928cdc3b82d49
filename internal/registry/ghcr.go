package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/junoh-moon/watch-cluster/internal/credentials"
)

// ghcrStrategy talks to ghcr.io's OCI Distribution v2 API. Authentication
// is a bearer token: either the supplied credential's password (treated as
// a pre-minted token) or an anonymous pull token minted on demand.
type ghcrStrategy struct{}

// acceptManifestMediaTypes lists both Docker v2 and OCI (image and index)
// manifest media types.
var acceptManifestMediaTypes = strings.Join([]string{
	"application/vnd.docker.distribution.manifest.v2+json",
	"application/vnd.docker.distribution.manifest.list.v2+json",
	"application/vnd.oci.image.manifest.v1+json",
	"application/vnd.oci.image.index.v1+json",
}, ", ")

func (s ghcrStrategy) getTags(ctx context.Context, client *http.Client, repo string, auth *credentials.DockerAuth) ([]string, error) {
	token, err := s.bearerToken(ctx, client, repo, auth)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("https://ghcr.io/v2/%s/tags/list", repo)
	var body struct {
		Tags []string `json:"tags"`
	}
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	if err := doGetJSON(ctx, client, url, headers, &body); err != nil {
		return nil, err
	}
	return body.Tags, nil
}

func (s ghcrStrategy) getDigest(ctx context.Context, client *http.Client, repo, tag string, auth *credentials.DockerAuth) (string, error) {
	token, err := s.bearerToken(ctx, client, repo, auth)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("https://ghcr.io/v2/%s/manifests/%s", repo, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", acceptManifestMediaTypes)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

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

// bearerToken returns the token to present to GHCR: the supplied auth's
// password if credentials were resolved, else an anonymously minted
// read-only pull token.
func (ghcrStrategy) bearerToken(ctx context.Context, client *http.Client, repo string, auth *credentials.DockerAuth) (string, error) {
	if auth != nil && auth.Password != "" {
		return auth.Password, nil
	}

	url := fmt.Sprintf("https://ghcr.io/token?scope=repository:%s:pull", repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return "", err
	}
	return tokenResp.Token, nil
}
