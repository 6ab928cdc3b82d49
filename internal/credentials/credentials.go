// Package credentials resolves registry basic-auth credentials from
// kubernetes.io/dockerconfigjson image-pull secrets.
package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// DockerAuth is a decoded registry username/password pair.
type DockerAuth struct {
	Username string
	Password string
}

const dockerConfigJSONType = "kubernetes.io/dockerconfigjson"

// dockerConfigJSON mirrors the shape of a .dockerconfigjson secret payload.
type dockerConfigJSON struct {
	Auths map[string]dockerConfigEntry `json:"auths"`
}

type dockerConfigEntry struct {
	Auth string `json:"auth"`
}

// Resolver locates dockerconfigjson secrets and decodes registry credentials
// from them.
type Resolver struct {
	client kubernetes.Interface
}

// New creates a Resolver backed by a typed Kubernetes client.
func New(client kubernetes.Interface) *Resolver {
	return &Resolver{client: client}
}

// Resolve walks secretNames in order looking for a dockerconfigjson secret
// that carries credentials for registry. The first secret that yields
// usable credentials wins; malformed or non-matching secrets are skipped
// silently — a missing credential is never an error, it just means the
// subsequent registry call goes unauthenticated.
func (r *Resolver) Resolve(ctx context.Context, namespace string, secretNames []string, registry string) (*DockerAuth, error) {
	registryURL := registry
	if registryURL == "" {
		registryURL = "index.docker.io"
	}

	for _, name := range secretNames {
		secret, err := r.client.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			continue
		}
		if secret.Type != corev1.SecretType(dockerConfigJSONType) {
			continue
		}

		raw, ok := secret.Data[corev1.DockerConfigJsonKey]
		if !ok {
			continue
		}

		var cfg dockerConfigJSON
		if err := json.Unmarshal(raw, &cfg); err != nil {
			continue
		}

		entry, ok := lookupEntry(cfg, registryURL)
		if !ok {
			continue
		}

		auth, err := decodeAuth(entry.Auth)
		if err != nil {
			continue
		}
		return auth, nil
	}

	return nil, nil
}

// lookupEntry finds the auths[] entry for registryURL, trying the set of
// aliases Docker Hub is known by when registryURL is "index.docker.io".
func lookupEntry(cfg dockerConfigJSON, registryURL string) (dockerConfigEntry, bool) {
	if entry, ok := cfg.Auths[registryURL]; ok {
		return entry, true
	}
	if registryURL != "index.docker.io" {
		return dockerConfigEntry{}, false
	}
	for _, alias := range []string{
		"https://index.docker.io/v1/",
		"docker.io",
		"https://docker.io",
	} {
		if entry, ok := cfg.Auths[alias]; ok {
			return entry, true
		}
	}
	return dockerConfigEntry{}, false
}

// decodeAuth decodes a base64 "username:password" blob.
func decodeAuth(blob string) (*DockerAuth, error) {
	decoded, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decoding auth blob: %w", err)
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("auth blob is not username:password")
	}
	return &DockerAuth{Username: parts[0], Password: parts[1]}, nil
}
