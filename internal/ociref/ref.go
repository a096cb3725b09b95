// Package ociref parses and builds digest-pinned builder image references.
package ociref

import (
	"fmt"
	"regexp"
	"strings"
)

var sha256HexPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// DigestReference is an image reference of the form repo@sha256:<hex>.
type DigestReference struct {
	Repository string
	Algorithm  string
	Hex        string
}

func (r DigestReference) Digest() string {
	return r.Algorithm + ":" + r.Hex
}

func (r DigestReference) String() string {
	return r.Repository + "@" + r.Digest()
}

// IsDigestPinned reports whether raw already names an image by digest.
func IsDigestPinned(raw string) bool {
	_, err := ParseDigestReference(raw)
	return err == nil
}

// Pin joins a repository with a resolved digest. A tag on the repository
// is dropped, since the digest alone selects the image.
func Pin(repository, digest string) (DigestReference, error) {
	repo := strings.TrimSpace(repository)
	if i := strings.LastIndex(repo, ":"); i > strings.LastIndex(repo, "/") {
		repo = repo[:i]
	}
	return ParseDigestReference(repo + "@" + strings.TrimSpace(digest))
}

func ParseDigestReference(raw string) (DigestReference, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return DigestReference{}, fmt.Errorf("image reference must be digest-pinned (for example cusdeb/pieman@sha256:<digest>)")
	}

	repo, digest, ok := strings.Cut(ref, "@")
	if !ok {
		return DigestReference{}, fmt.Errorf("image reference %q is not digest-pinned", ref)
	}
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return DigestReference{}, fmt.Errorf("image reference %q has an empty repository", ref)
	}
	if strings.ContainsAny(repo, " \t\n\r") {
		return DigestReference{}, fmt.Errorf("image reference %q contains whitespace in repository", ref)
	}

	algo, hex, ok := strings.Cut(strings.ToLower(strings.TrimSpace(digest)), ":")
	if !ok || algo != "sha256" || !sha256HexPattern.MatchString(hex) {
		return DigestReference{}, fmt.Errorf("image reference %q must carry a sha256 digest of 64 hex characters", ref)
	}
	return DigestReference{Repository: repo, Algorithm: algo, Hex: hex}, nil
}
