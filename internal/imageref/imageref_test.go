package imageref

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Ref
	}{
		{
			name: "bare repository",
			in:   "nginx",
			want: Ref{Repository: "nginx", Tag: "latest"},
		},
		{
			name: "repository with digest, no tag",
			in:   "nginx@sha256:abc123",
			want: Ref{Repository: "nginx", Tag: "latest", Digest: "sha256:abc123"},
		},
		{
			name: "repository with tag",
			in:   "nginx:1.21.0",
			want: Ref{Repository: "nginx", Tag: "1.21.0"},
		},
		{
			name: "namespaced repository",
			in:   "library/nginx:1.21.0",
			want: Ref{Repository: "library/nginx", Tag: "1.21.0"},
		},
		{
			name: "registry with dot",
			in:   "ghcr.io/org/app:v1.0.0",
			want: Ref{Registry: "ghcr.io", Repository: "org/app", Tag: "v1.0.0"},
		},
		{
			name: "registry with port promotes on colon",
			in:   "host:5000/app",
			want: Ref{Registry: "host:5000", Repository: "app", Tag: "latest"},
		},
		{
			name: "localhost registry",
			in:   "localhost/app:dev",
			want: Ref{Registry: "localhost", Repository: "app", Tag: "dev"},
		},
		{
			name: "tag and digest both present",
			in:   "nginx:1.21.0@sha256:deadbeef",
			want: Ref{Repository: "nginx", Tag: "1.21.0", Digest: "sha256:deadbeef"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Parse(tc.in)
			if got != tc.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestBuildRoundTrip(t *testing.T) {
	cases := []string{
		"nginx:1.20.0",
		"library/nginx:latest",
		"ghcr.io/org/app:v1.0.0",
		"host:5000/app:dev",
		"nginx",
	}

	for _, in := range cases {
		t.Run(in, func(t *testing.T) {
			stripped := RemoveDigest(in)
			ref := Parse(in)
			got := Build(ref)
			if got != stripped && !(stripped == "nginx" && got == "nginx:latest") {
				t.Errorf("Build(Parse(%q)) = %q, want %q", in, got, stripped)
			}
		})
	}
}

func TestIsSemverTag(t *testing.T) {
	cases := map[string]bool{
		"1.2.3":        true,
		"v1.2.3":       true,
		"1.2":          true,
		"v1.2":         true,
		"1.2.3-alpha1": true,
		"latest":       false,
		"stable":       false,
		"nightly":      false,
		"v1":           false,
	}
	for tag, want := range cases {
		if got := IsSemverTag(tag); got != want {
			t.Errorf("IsSemverTag(%q) = %v, want %v", tag, got, want)
		}
	}
}

func TestParseVersionAndCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0.0", 0},
		{"1.0.0", "1.0.0.0", 0},
		{"2.0", "1.9.9", 1},
		{"1.9.9", "2.0", -1},
		{"1.20.0", "1.21.0", -1},
		{"v1.20.0", "1.20.0", 0},
		{"1.2.3-rc1", "1.2.3", 0}, // prerelease suffix discarded
	}

	for _, tc := range cases {
		av := ParseVersion(tc.a)
		bv := ParseVersion(tc.b)
		got := Compare(av, bv)
		if got != tc.want {
			t.Errorf("Compare(ParseVersion(%q), ParseVersion(%q)) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCompareTotalPreorderPadding(t *testing.T) {
	a := ParseVersion("1.0")
	b := ParseVersion("1.0.0")
	c := ParseVersion("1.0.0.0")
	if Compare(a, b) != 0 || Compare(b, c) != 0 || Compare(a, c) != 0 {
		t.Fatalf("expected [1,0] == [1,0,0] == [1,0,0,0]")
	}
}

func TestHasVPrefix(t *testing.T) {
	if !HasVPrefix("v1.2.3") {
		t.Error("expected v1.2.3 to have v prefix")
	}
	if HasVPrefix("1.2.3") {
		t.Error("expected 1.2.3 to not have v prefix")
	}
	if HasVPrefix("v") {
		t.Error("bare 'v' should not count as a prefix")
	}
}

func TestDigestHelpers(t *testing.T) {
	s := "nginx:1.20.0"
	withDigest := AddDigest(s, "sha256:abc")
	if withDigest != "nginx:1.20.0@sha256:abc" {
		t.Errorf("AddDigest = %q", withDigest)
	}
	if RemoveDigest(withDigest) != s {
		t.Errorf("RemoveDigest(AddDigest(s)) = %q, want %q", RemoveDigest(withDigest), s)
	}
	// Idempotent: adding a digest twice replaces, not appends.
	replaced := AddDigest(withDigest, "sha256:def")
	if replaced != "nginx:1.20.0@sha256:def" {
		t.Errorf("AddDigest should replace existing digest, got %q", replaced)
	}
	if ExtractDigest(withDigest) != "sha256:abc" {
		t.Errorf("ExtractDigest = %q", ExtractDigest(withDigest))
	}
	if ExtractDigest(s) != "" {
		t.Errorf("ExtractDigest of digest-less ref should be empty")
	}
}
