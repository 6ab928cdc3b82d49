package decision

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/junoh-moon/watch-cluster/internal/workloadkind"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistryServer(t *testing.T, tags []string, digests map[string]string) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/tags/list"):
			w.Write([]byte(`{"tags":["` + strings.Join(tags, `","`) + `"]}`))
		case strings.Contains(r.URL.Path, "/manifests/"):
			tag := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			if d, ok := digests[tag]; ok {
				w.Header().Set("Docker-Content-Digest", d)
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	// The registry gateway always speaks HTTPS through http.DefaultTransport;
	// swap in a transport that trusts this server's certificate.
	orig := http.DefaultTransport
	http.DefaultTransport = srv.Client().Transport
	t.Cleanup(func() { http.DefaultTransport = orig })
	host := strings.TrimPrefix(srv.URL, "https://")
	return srv, host
}

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{
		"":                   {Kind: Version},
		"version":            {Kind: Version},
		"version-lock-major": {Kind: Version, LockMajor: true},
		"latest":             {Kind: Latest},
		"garbage":            {Kind: Version},
	}
	for in, want := range cases {
		if got := ParseStrategy(in); got != want {
			t.Errorf("ParseStrategy(%q) = %+v, want %+v", in, got, want)
		}
	}
}

func TestCheckForUpdateVersionNonSemverTag(t *testing.T) {
	client := fake.NewSimpleClientset()
	e := New(client, testLogger())

	d := e.CheckForUpdate(context.Background(), "myapp:latest", Strategy{Kind: Version}, "default", nil, "myapp", workloadkind.Deployment)
	if d.NewImage != nil {
		t.Fatalf("expected no update, got %v", d.NewImage)
	}
	if d.Reason != "Current tag is not a version tag" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestCheckForUpdateVersionFindsNewer(t *testing.T) {
	srv, host := testRegistryServer(t, []string{"1.0.0", "1.2.0", "1.1.0"}, map[string]string{
		"1.0.0": "sha256:old",
		"1.2.0": "sha256:new",
	})
	defer srv.Close()

	client := fake.NewSimpleClientset()
	e := New(client, testLogger())

	image := host + "/myapp:1.0.0"
	d := e.CheckForUpdate(context.Background(), image, Strategy{Kind: Version}, "default", nil, "myapp", workloadkind.Deployment)
	if d.NewImage == nil {
		t.Fatalf("expected an update, reason=%q", d.Reason)
	}
	if *d.NewImage != host+"/myapp:1.2.0" {
		t.Errorf("NewImage = %q", *d.NewImage)
	}
	if d.Reason != "Found newer version: 1.2.0" {
		t.Errorf("Reason = %q", d.Reason)
	}
	if d.CurrentDigest == nil || *d.CurrentDigest != "sha256:old" {
		t.Errorf("CurrentDigest = %v", d.CurrentDigest)
	}
	if d.NewDigest == nil || *d.NewDigest != "sha256:new" {
		t.Errorf("NewDigest = %v", d.NewDigest)
	}
}

func TestCheckForUpdateVersionPreservesVPrefix(t *testing.T) {
	srv, host := testRegistryServer(t, []string{"v1.0.0", "v2.0.0"}, nil)
	defer srv.Close()

	client := fake.NewSimpleClientset()
	e := New(client, testLogger())

	image := host + "/myapp:v1.0.0"
	d := e.CheckForUpdate(context.Background(), image, Strategy{Kind: Version}, "default", nil, "myapp", workloadkind.Deployment)
	if d.NewImage == nil || *d.NewImage != host+"/myapp:v2.0.0" {
		t.Fatalf("NewImage = %v", d.NewImage)
	}
}

func TestCheckForUpdateVersionLockMajor(t *testing.T) {
	srv, host := testRegistryServer(t, []string{"1.0.0", "1.5.0", "2.0.0"}, nil)
	defer srv.Close()

	client := fake.NewSimpleClientset()
	e := New(client, testLogger())

	image := host + "/myapp:1.0.0"
	d := e.CheckForUpdate(context.Background(), image, Strategy{Kind: Version, LockMajor: true}, "default", nil, "myapp", workloadkind.Deployment)
	if d.NewImage == nil || *d.NewImage != host+"/myapp:1.5.0" {
		t.Fatalf("expected 1.5.0 (major-locked), got %v reason=%q", d.NewImage, d.Reason)
	}
}

func TestCheckForUpdateVersionLockMajorNoneFound(t *testing.T) {
	srv, host := testRegistryServer(t, []string{"2.0.0", "3.0.0"}, nil)
	defer srv.Close()

	client := fake.NewSimpleClientset()
	e := New(client, testLogger())

	image := host + "/myapp:1.0.0"
	d := e.CheckForUpdate(context.Background(), image, Strategy{Kind: Version, LockMajor: true}, "default", nil, "myapp", workloadkind.Deployment)
	if d.NewImage != nil {
		t.Fatalf("expected no update, got %v", d.NewImage)
	}
	if d.Reason != "No newer version available within major version 1" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestCheckForUpdateVersionNoNewerAvailable(t *testing.T) {
	srv, host := testRegistryServer(t, []string{"1.0.0", "0.9.0"}, nil)
	defer srv.Close()

	client := fake.NewSimpleClientset()
	e := New(client, testLogger())

	image := host + "/myapp:1.0.0"
	d := e.CheckForUpdate(context.Background(), image, Strategy{Kind: Version}, "default", nil, "myapp", workloadkind.Deployment)
	if d.NewImage != nil {
		t.Fatalf("expected no update, got %v", d.NewImage)
	}
	if d.Reason != "No newer version available" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestCheckForUpdateLatestSemverTagRejected(t *testing.T) {
	client := fake.NewSimpleClientset()
	e := New(client, testLogger())

	d := e.CheckForUpdate(context.Background(), "myapp:1.2.3", Strategy{Kind: Latest}, "default", nil, "myapp", workloadkind.Deployment)
	if d.NewImage != nil {
		t.Fatalf("expected no update, got %v", d.NewImage)
	}
	if d.Reason != "Use version strategy for version tags" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func deploymentWithImage(name, namespace, image string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "app", Image: image}},
				},
			},
		},
	}
}

func TestCheckForUpdateLatestDigestChanged(t *testing.T) {
	srv, host := testRegistryServer(t, nil, map[string]string{"nightly": "sha256:newdigest"})
	defer srv.Close()

	dep := deploymentWithImage("myapp", "default", host+"/myapp:nightly@sha256:olddigest")
	client := fake.NewSimpleClientset(dep)
	e := New(client, testLogger())

	image := host + "/myapp:nightly@sha256:olddigest"
	wantImage := host + "/myapp:nightly"
	d := e.CheckForUpdate(context.Background(), image, Strategy{Kind: Latest}, "default", nil, "myapp", workloadkind.Deployment)
	if d.NewImage == nil {
		t.Fatalf("expected an update, reason=%q", d.Reason)
	}
	if *d.NewImage != wantImage {
		t.Errorf("NewImage = %q, want digest-stripped %q", *d.NewImage, wantImage)
	}
	if d.Reason != "Tag 'nightly' has been updated" {
		t.Errorf("Reason = %q", d.Reason)
	}
	if d.CurrentDigest == nil || *d.CurrentDigest != "sha256:olddigest" {
		t.Errorf("CurrentDigest = %v", d.CurrentDigest)
	}
	if d.NewDigest == nil || *d.NewDigest != "sha256:newdigest" {
		t.Errorf("NewDigest = %v", d.NewDigest)
	}
}

func TestCheckForUpdateLatestDigestUnchanged(t *testing.T) {
	srv, host := testRegistryServer(t, nil, map[string]string{"nightly": "sha256:samedigest"})
	defer srv.Close()

	dep := deploymentWithImage("myapp", "default", host+"/myapp:nightly@sha256:samedigest")
	client := fake.NewSimpleClientset(dep)
	e := New(client, testLogger())

	image := host + "/myapp:nightly@sha256:samedigest"
	d := e.CheckForUpdate(context.Background(), image, Strategy{Kind: Latest}, "default", nil, "myapp", workloadkind.Deployment)
	if d.NewImage != nil {
		t.Fatalf("expected no update, got %v", d.NewImage)
	}
	if d.Reason != "Already using the latest image" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestCheckForUpdateLatestFallsBackToPassedImageDigest(t *testing.T) {
	srv, host := testRegistryServer(t, nil, map[string]string{"nightly": "sha256:newdigest"})
	defer srv.Close()

	// No live workload registered in the fake clientset — specImage lookup
	// fails, so the engine must fall back to parsing @digest from currentImage.
	client := fake.NewSimpleClientset()
	e := New(client, testLogger())

	image := host + "/myapp:nightly@sha256:olddigest"
	d := e.CheckForUpdate(context.Background(), image, Strategy{Kind: Latest}, "default", nil, "myapp", workloadkind.Deployment)
	if d.NewImage == nil {
		t.Fatalf("expected an update via currentImage digest fallback, reason=%q", d.Reason)
	}
}

func TestCheckForUpdateCredentialResolutionDoesNotBlock(t *testing.T) {
	srv, host := testRegistryServer(t, []string{"1.0.0", "1.1.0"}, nil)
	defer srv.Close()

	client := fake.NewSimpleClientset()
	e := New(client, testLogger())

	image := host + "/myapp:1.0.0"
	d := e.CheckForUpdate(context.Background(), image, Strategy{Kind: Version}, "default", []string{"missing-secret"}, "myapp", workloadkind.Deployment)
	if d.NewImage == nil {
		t.Fatalf("expected an update even though the pull secret doesn't exist, reason=%q", d.Reason)
	}
}
