// Package registry defines the content-addressed artifact registry
// collaborator used by the build, promotion, and resolution stages.
package registry

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// Registry is one environment's artifact registry.
//
// Implementations are assumed content-addressed and immutable per digest.
// Retention/garbage-collection is the registry's concern and surfaces here
// only as a not-found error.
type Registry interface {
	// Publish stores artifact bytes and points each tag at the resulting
	// digest. Publishing identical bytes is idempotent.
	Publish(ctx context.Context, data []byte, tags ...string) (digest.Digest, error)

	// Pull fetches the exact bytes for a digest.
	// Returns a not-found error if the digest is absent or expired.
	Pull(ctx context.Context, d digest.Digest) ([]byte, error)

	// ResolveTag returns the digest a tag currently points at.
	ResolveTag(ctx context.Context, tag string) (digest.Digest, error)

	// Tags returns all tags currently pointing at a digest.
	Tags(ctx context.Context, d digest.Digest) ([]string, error)

	// Tag points an additional tag at an existing digest.
	Tag(ctx context.Context, d digest.Digest, tag string) error
}
