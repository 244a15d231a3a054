// Package build implements the build stage: one artifact is built per run
// and published to the dev registry; every later stage promotes that exact
// artifact by digest.
package build

import (
	"context"
	"log/slog"

	"deployer/internal/apperrors"
	"deployer/internal/artifact"
	"deployer/internal/environment"
	"deployer/internal/registry"
	"deployer/internal/trigger"
)

// Builder produces the deployable artifact bytes for a commit.
type Builder interface {
	Build(ctx context.Context, commitSHA string) ([]byte, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(ctx context.Context, commitSHA string) ([]byte, error)

// Build implements Builder.
func (f BuilderFunc) Build(ctx context.Context, commitSHA string) ([]byte, error) {
	return f(ctx, commitSHA)
}

// Stage builds once and publishes to a single environment's registry.
type Stage struct {
	builder Builder
	logger  *slog.Logger
}

// NewStage creates a build stage.
func NewStage(builder Builder) *Stage {
	return &Stage{
		builder: builder,
		logger:  slog.With("component", "build"),
	}
}

// TagsFor derives the artifact tag set from the trigger.
// Every build is tagged with the short commit hash; merges also move
// "latest", and version-tag builds carry the version.
func TagsFor(trig trigger.Context) []string {
	tags := []string{trig.ShortSHA()}
	if trig.Kind == trigger.KindMerge {
		tags = append(tags, "latest")
	}
	if trig.VersionTag != "" {
		tags = append(tags, trig.VersionTag)
	}
	return tags
}

// Run builds the artifact for the triggering commit and publishes it to the
// target environment's registry. A build or publish failure is fatal to the
// run: no downstream stage may proceed without a valid digest.
func (s *Stage) Run(ctx context.Context, trig trigger.Context, env environment.Environment, reg registry.Registry) (artifact.Artifact, error) {
	data, err := s.builder.Build(ctx, trig.CommitSHA)
	if err != nil {
		return artifact.Artifact{}, apperrors.Internal("build "+trig.ShortSHA(), err)
	}

	tags := TagsFor(trig)
	d, err := reg.Publish(ctx, data, tags...)
	if err != nil {
		return artifact.Artifact{}, err
	}

	s.logger.Info("Artifact published",
		"environment", env.Name,
		"digest", d,
		"tags", tags,
	)
	return artifact.New(d, env.Name, tags...), nil
}
