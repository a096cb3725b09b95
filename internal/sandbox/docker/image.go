package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/cusdeb/dominion/internal/ociref"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

var headImageDigest = func(ctx context.Context, ref name.Reference) (string, error) {
	desc, err := remote.Head(ref, remote.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return desc.Digest.String(), nil
}

func (e *Engine) imageRef(ctx context.Context, raw string) (string, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		ref = DefaultImage
	}
	if !e.pinDigest {
		return ref, nil
	}
	if ociref.IsDigestPinned(ref) {
		return ref, nil
	}

	e.mu.Lock()
	pinned, ok := e.resolved[ref]
	e.mu.Unlock()
	if ok {
		return pinned, nil
	}

	pinned, err := resolveDigest(ctx, ref)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	e.resolved[ref] = pinned
	e.mu.Unlock()
	if e.logger != nil {
		e.logger.Info("pinned builder image", "image", ref, "pinned", pinned)
	}
	return pinned, nil
}

func resolveDigest(ctx context.Context, raw string) (string, error) {
	ref, err := name.ParseReference(raw)
	if err != nil {
		return "", fmt.Errorf("parse image reference %q: %w", raw, err)
	}
	digest, err := headImageDigest(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve digest for %q: %w", raw, err)
	}
	pinned, err := ociref.Pin(ref.Context().Name(), digest)
	if err != nil {
		return "", err
	}
	return pinned.String(), nil
}
