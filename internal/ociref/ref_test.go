package ociref

import "testing"

const testDigest = "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestParseDigestReferenceValid(t *testing.T) {
	t.Parallel()

	ref := "docker.io/cusdeb/pieman@" + testDigest
	parsed, err := ParseDigestReference(ref)
	if err != nil {
		t.Fatalf("ParseDigestReference returned error: %v", err)
	}
	if parsed.Repository != "docker.io/cusdeb/pieman" {
		t.Fatalf("unexpected repository: %q", parsed.Repository)
	}
	if parsed.Digest() != testDigest {
		t.Fatalf("unexpected digest: %q", parsed.Digest())
	}
	if parsed.String() != ref {
		t.Fatalf("unexpected string: got %q want %q", parsed.String(), ref)
	}
}

func TestParseDigestReferenceRejects(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"",
		"cusdeb/pieman:latest",
		"cusdeb/pieman@sha256:not-a-digest",
		"cusdeb/pieman@md5:0123",
		"@" + testDigest,
		"cus deb/pieman@" + testDigest,
	} {
		if IsDigestPinned(raw) {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestPinDropsTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		repo string
		want string
	}{
		{repo: "cusdeb/pieman:latest", want: "cusdeb/pieman@" + testDigest},
		{repo: "cusdeb/pieman", want: "cusdeb/pieman@" + testDigest},
		{repo: "registry.local:5000/pieman:v2", want: "registry.local:5000/pieman@" + testDigest},
		{repo: "registry.local:5000/pieman", want: "registry.local:5000/pieman@" + testDigest},
	}
	for _, tc := range tests {
		ref, err := Pin(tc.repo, testDigest)
		if err != nil {
			t.Fatalf("Pin(%q): %v", tc.repo, err)
		}
		if got := ref.String(); got != tc.want {
			t.Fatalf("Pin(%q) = %q, want %q", tc.repo, got, tc.want)
		}
	}

	if _, err := Pin("cusdeb/pieman", "sha256:short"); err == nil {
		t.Fatal("expected a malformed digest to be rejected")
	}
}
