// Package imageref parses, rebuilds, and compares container image references.
//
// A reference looks like "[registry/]repository[:tag][@digest]". This
// package never contacts a registry — it is pure string/version arithmetic
// shared by the registry gateway and the update-decision engine.
package imageref

import (
	"regexp"
	"strconv"
	"strings"
)

// Ref is a parsed image reference. Registry and Digest are empty when absent.
type Ref struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
}

// semverTagPattern matches v?MAJOR.MINOR[.PATCH][-PRERELEASE].
var semverTagPattern = regexp.MustCompile(`^v?\d+\.\d+(\.\d+)?(-.*)?$`)

// Parse splits an image string into a Ref. Tag defaults to "latest" when
// absent. A leading path segment is promoted to Registry when it contains
// "." or ":" or equals "localhost" — the same heuristic Docker itself uses
// to tell a registry host apart from a Docker Hub namespace.
func Parse(s string) Ref {
	s, digest := splitDigest(s)

	repoAndTag := s
	registry := ""
	if idx := strings.LastIndex(s, "/"); idx >= 0 {
		candidate := s[:idx]
		rest := s[idx+1:]
		// The candidate may itself contain a "/" (registry/namespace/repo);
		// only the leftmost segment decides registry-ness.
		firstSegment := candidate
		if j := strings.Index(candidate, "/"); j >= 0 {
			firstSegment = candidate[:j]
		}
		if looksLikeRegistry(firstSegment) {
			registry = firstSegment
			repoAndTag = s[len(firstSegment)+1:]
		} else {
			repoAndTag = candidate + "/" + rest
		}
	}

	repository, tag := splitTag(repoAndTag)
	if tag == "" {
		tag = "latest"
	}

	return Ref{
		Registry:   registry,
		Repository: repository,
		Tag:        tag,
		Digest:     digest,
	}
}

// looksLikeRegistry reports whether s is a registry host rather than a
// Docker Hub namespace segment: it contains "." or ":" or is "localhost".
func looksLikeRegistry(s string) bool {
	return strings.ContainsAny(s, ".:") || s == "localhost"
}

// splitDigest removes a trailing "@sha256:..." suffix, returning the
// remainder and the digest (without the "@").
func splitDigest(s string) (string, string) {
	if idx := strings.Index(s, "@"); idx >= 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// splitTag splits "repo:tag" into ("repo", "tag"). A colon that is part of
// a registry port (already consumed by Parse before this is called) never
// reaches here, so the last colon always separates the tag.
func splitTag(s string) (string, string) {
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// Build reassembles a Ref into "[registry/]repository:tag". The digest is
// intentionally never included — callers that need a digest-qualified
// string use AddDigest explicitly.
func Build(r Ref) string {
	var b strings.Builder
	if r.Registry != "" {
		b.WriteString(r.Registry)
		b.WriteByte('/')
	}
	b.WriteString(r.Repository)
	b.WriteByte(':')
	tag := r.Tag
	if tag == "" {
		tag = "latest"
	}
	b.WriteString(tag)
	return b.String()
}

// HubNamespace returns the repository path to use against Docker Hub's API:
// "library/<repo>" when the repository has no namespace of its own. This
// canonicalization is only ever used for registry calls, never persisted
// back into a Ref or written to a workload spec.
func HubNamespace(repository string) string {
	if strings.Contains(repository, "/") {
		return repository
	}
	return "library/" + repository
}

// IsSemverTag reports whether t matches v?MAJOR.MINOR[.PATCH][-PRERELEASE].
func IsSemverTag(t string) bool {
	return semverTagPattern.MatchString(t)
}

// ParseVersion parses a semver-ish tag into a lazy integer vector. It strips
// a leading "v", discards everything from the first "-" onward, and maps
// any non-integer dot-component to 0.
func ParseVersion(t string) []int {
	t = strings.TrimPrefix(t, "v")
	if idx := strings.Index(t, "-"); idx >= 0 {
		t = t[:idx]
	}
	parts := strings.Split(t, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}

// Compare orders two version vectors component-wise, treating the shorter
// vector as zero-padded: [1,0] == [1,0,0]. Returns -1, 0, or 1.
func Compare(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// HasVPrefix reports whether tag begins with a literal "v" followed by a
// digit, e.g. "v1.2.3". Used to normalize a winning candidate tag's prefix
// to match the source tag's own convention.
func HasVPrefix(tag string) bool {
	return len(tag) > 1 && tag[0] == 'v' && tag[1] >= '0' && tag[1] <= '9'
}

// RemoveDigest strips a trailing "@..." suffix from an image string, if any.
func RemoveDigest(s string) string {
	stripped, _ := splitDigest(s)
	return stripped
}

// AddDigest appends "@digest" to an image string (after removing any
// existing digest first, so calls are idempotent).
func AddDigest(s, digest string) string {
	if digest == "" {
		return s
	}
	return RemoveDigest(s) + "@" + digest
}

// ExtractDigest returns the digest portion of an image string, or "" if
// none is present.
func ExtractDigest(s string) string {
	_, digest := splitDigest(s)
	return digest
}
