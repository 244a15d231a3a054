package promote

import (
	"context"
	"errors"
	"testing"

	"deployer/internal/apperrors"
	"deployer/internal/artifact"
	"deployer/internal/environment"
	"deployer/internal/registry"
)

func envs() (environment.Environment, environment.Environment) {
	return environment.Environment{Name: environment.Stage, RegistryRef: "mem://stage", StateBackendRef: "s"},
		environment.Environment{Name: environment.Prod, RegistryRef: "mem://prod", StateBackendRef: "s", RequiresApproval: true}
}

func TestRunPromotesByDigest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stageEnv, prodEnv := envs()
	src := registry.NewMemory()
	dst := registry.NewMemory()

	data := []byte("validated-bytes")
	d, _ := src.Publish(ctx, data, "abc123d", "latest", "v1.2.0")

	promoted, err := NewStage().Run(ctx, stageEnv, prodEnv, src, dst, d)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Bytes in the target hash to the same digest.
	pulled, err := dst.Pull(ctx, d)
	if err != nil {
		t.Fatalf("Pull() from target error = %v", err)
	}
	if artifact.FromBytes(pulled) != d {
		t.Error("promoted bytes differ from source")
	}

	// The full tag set travelled with the digest.
	for _, tag := range []string{"abc123d", "latest", "v1.2.0"} {
		if !promoted.HasTag(tag) {
			t.Errorf("promoted artifact missing tag %q", tag)
		}
		got, err := dst.ResolveTag(ctx, tag)
		if err != nil || got != d {
			t.Errorf("target ResolveTag(%s) = (%s, %v), want %s", tag, got, err, d)
		}
	}
	if promoted.SourceEnvironment != environment.Prod {
		t.Errorf("source environment = %s, want prod", promoted.SourceEnvironment)
	}
}

func TestRunMissingSourceDigestIsFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stageEnv, prodEnv := envs()
	src := registry.NewMemory()
	dst := registry.NewMemory()

	d, _ := src.Publish(ctx, []byte("old"), "old")
	src.Delete(d) // retention collected it

	_, err := NewStage().Run(ctx, stageEnv, prodEnv, src, dst, d)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Run() error = %v, want not found", err)
	}
}

func TestRunTargetWriteDenied(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stageEnv, prodEnv := envs()
	src := registry.NewMemory()
	dst := registry.NewMemory()
	dst.DenyWrites("publisher role missing on prod registry")

	d, _ := src.Publish(ctx, []byte("x"), "t")

	_, err := NewStage().Run(ctx, stageEnv, prodEnv, src, dst, d)
	if !errors.Is(err, apperrors.ErrDenied) {
		t.Errorf("Run() error = %v, want denied", err)
	}
}

func TestRunRejectsBackwardPromotion(t *testing.T) {
	t.Parallel()
	stageEnv, prodEnv := envs()
	src := registry.NewMemory()

	d, _ := src.Publish(context.Background(), []byte("x"), "t")

	_, err := NewStage().Run(context.Background(), prodEnv, stageEnv, src, registry.NewMemory(), d)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Run() error = %v, want validation error", err)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	stageEnv, _ := envs()
	reg := registry.NewMemory()

	d, _ := reg.Publish(ctx, []byte("merged"), "abc123d")

	got, err := NewResolver().Resolve(ctx, stageEnv, reg, "abc123d")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != d {
		t.Errorf("Resolve() = %s, want %s", got, d)
	}

	if _, err := NewResolver().Resolve(ctx, stageEnv, reg, "gone"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Resolve(gone) error = %v, want not found", err)
	}
}
