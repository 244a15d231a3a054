// Package promote implements artifact promotion between environment
// registries and tag-to-digest resolution on the release path.
package promote

import (
	"context"
	"fmt"
	"log/slog"

	"deployer/internal/apperrors"
	"deployer/internal/artifact"
	"deployer/internal/environment"
	"deployer/internal/registry"

	"github.com/opencontainers/go-digest"
)

// Stage republishes an artifact by digest from one environment's registry
// into the next. It never rebuilds: the transfer is keyed by digest, so the
// deployed bytes are provably identical to what was validated upstream.
type Stage struct {
	logger *slog.Logger
}

// NewStage creates a promotion stage.
func NewStage() *Stage {
	return &Stage{logger: slog.With("component", "promote")}
}

// Run pulls the digest from the source registry and republishes it into the
// target registry, preserving the full source tag set.
func (s *Stage) Run(ctx context.Context, source, target environment.Environment, src, dst registry.Registry, d digest.Digest) (artifact.Artifact, error) {
	if !source.Name.Before(target.Name) {
		return artifact.Artifact{}, apperrors.Validation("environment",
			fmt.Sprintf("promotion must move forward: %s does not precede %s", source.Name, target.Name))
	}

	data, err := src.Pull(ctx, d)
	if err != nil {
		// Source digest gone: deleted or retention-expired. Fatal; the fix
		// is a fresh upstream merge, not a retry.
		return artifact.Artifact{}, err
	}

	if got := artifact.FromBytes(data); got != d {
		return artifact.Artifact{}, apperrors.Internal("promote.verify",
			fmt.Errorf("pulled bytes hash to %s, expected %s", got, d))
	}

	tags, err := src.Tags(ctx, d)
	if err != nil {
		return artifact.Artifact{}, err
	}

	published, err := dst.Publish(ctx, data, tags...)
	if err != nil {
		return artifact.Artifact{}, err
	}
	if published != d {
		return artifact.Artifact{}, apperrors.Internal("promote.publish",
			fmt.Errorf("target registry assigned digest %s, expected %s", published, d))
	}

	s.logger.Info("Artifact promoted",
		"from", source.Name,
		"to", target.Name,
		"digest", d,
		"tags", tags,
	)
	return artifact.New(d, target.Name, tags...), nil
}

// Resolver recovers a digest from a human tag in an upstream registry.
// Used only on the tag-triggered path, where the event carries no digest:
// the bytes were already built and promoted during the originating merge.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a digest resolver.
func NewResolver() *Resolver {
	return &Resolver{logger: slog.With("component", "resolve")}
}

// Resolve looks up the digest a tag points at in the given registry.
// A missing tag is a reported, non-retried error: it means the tag was
// never promoted or retention collected it, and a new merge/tag cycle is
// required.
func (r *Resolver) Resolve(ctx context.Context, env environment.Environment, reg registry.Registry, tag string) (digest.Digest, error) {
	d, err := reg.ResolveTag(ctx, tag)
	if err != nil {
		return "", err
	}
	r.logger.Info("Tag resolved", "environment", env.Name, "tag", tag, "digest", d)
	return d, nil
}
