package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/junoh-moon/watch-cluster/internal/credentials"
	"github.com/junoh-moon/watch-cluster/internal/imageref"
)

// dockerHubStrategy talks to Docker Hub's (non-Distribution) v2 REST API,
// which exposes tag listing and per-tag digest lookup as plain JSON rather
// than the OCI Distribution manifest endpoints.
type dockerHubStrategy struct{}

type hubTagsResponse struct {
	Results []struct {
		Name   string `json:"name"`
		Digest string `json:"digest"`
	} `json:"results"`
}

func (dockerHubStrategy) getTags(ctx context.Context, client *http.Client, repo string, _ *credentials.DockerAuth) ([]string, error) {
	ns := imageref.HubNamespace(repo)
	url := fmt.Sprintf("https://hub.docker.com/v2/repositories/%s/tags/?page_size=100", ns)

	var body hubTagsResponse
	if err := doGetJSON(ctx, client, url, nil, &body); err != nil {
		return nil, err
	}

	tags := make([]string, 0, len(body.Results))
	for _, r := range body.Results {
		tags = append(tags, r.Name)
	}
	return tags, nil
}

func (dockerHubStrategy) getDigest(ctx context.Context, client *http.Client, repo, tag string, _ *credentials.DockerAuth) (string, error) {
	ns := imageref.HubNamespace(repo)
	url := fmt.Sprintf("https://hub.docker.com/v2/repositories/%s/tags/%s", ns, tag)

	var body struct {
		Digest string `json:"digest"`
	}
	if err := doGetJSON(ctx, client, url, nil, &body); err != nil {
		return "", err
	}
	return body.Digest, nil
}

// doGetJSON performs a GET request and unmarshals a 2xx JSON body into out.
func doGetJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}

	return decodeJSONBody(resp, out)
}

// decodeJSONBody reads and unmarshals an HTTP response body as JSON.
func decodeJSONBody(resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
