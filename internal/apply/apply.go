// Package apply implements the apply stage: it commits the change set a
// previously saved plan proposed, and nothing else. An apply that cannot
// find a live plan fails closed rather than silently re-planning; what was
// reviewed is what gets applied.
package apply

import (
	"context"
	"fmt"
	"log/slog"

	"deployer/internal/apperrors"
	"deployer/internal/environment"
	"deployer/internal/plan"
	"deployer/internal/state"

	"github.com/opencontainers/go-digest"
)

// Stage consumes saved plans and commits them to remote state.
//
// The production approval precondition is structural: the orchestrator only
// schedules a prod apply after its approval gate job succeeds, so the gate
// can never be outstanding when Run is invoked.
type Stage struct {
	backend state.Backend
	store   plan.Store
	logger  *slog.Logger
}

// NewStage creates an apply stage.
func NewStage(backend state.Backend, store plan.Store) *Stage {
	return &Stage{
		backend: backend,
		store:   store,
		logger:  slog.With("component", "apply"),
	}
}

// Run applies the plan saved for (env, runID).
//
// Preconditions, all of which fail the stage rather than re-planning:
//   - the plan artifact exists and is within its retention window;
//   - the plan's target digest equals the digest this apply was scheduled
//     with (no substitution between plan and apply).
//
// The environment lock is held from before the state read until the commit
// returns; a concurrent apply for the same environment queues behind it,
// bounded by the stage deadline on ctx.
func (s *Stage) Run(ctx context.Context, env environment.Environment, runID string, target digest.Digest) (state.State, error) {
	saved, err := s.store.Get(ctx, env.Name, runID)
	if err != nil {
		return state.State{}, err
	}

	if saved.TargetDigest != target {
		return state.State{}, apperrors.Conflict("plan", runID,
			fmt.Sprintf("plan for %s targets digest %s but apply was scheduled for %s", env.Name, saved.TargetDigest, target))
	}

	action, planTarget, err := plan.DecodePayload(saved)
	if err != nil {
		return state.State{}, err
	}
	if planTarget != target {
		return state.State{}, apperrors.Conflict("plan", runID,
			fmt.Sprintf("plan payload targets digest %s but apply was scheduled for %s", planTarget, target))
	}

	logger := s.logger.With("environment", env.Name, "runId", runID, "digest", target)

	unlock, err := s.backend.Lock(ctx, env.Name)
	if err != nil {
		return state.State{}, apperrors.Internal("state.lock", err)
	}
	defer unlock()

	current, err := s.backend.Read(ctx, env.Name)
	if err != nil {
		return state.State{}, apperrors.Internal("state.read", err)
	}

	if action == plan.ActionNoop && current.DeployedDigest == target {
		logger.Info("Apply is a no-op, state unchanged")
		s.consume(ctx, env.Name, runID)
		return current, nil
	}

	committed, err := s.backend.Commit(ctx, env.Name, state.State{DeployedDigest: target})
	if err != nil {
		// Remote state is whatever the commit protocol left it in; recovery
		// is a new plan/apply cycle or out-of-band repair.
		s.consume(ctx, env.Name, runID)
		return state.State{}, apperrors.Internal("state.commit", err)
	}

	s.consume(ctx, env.Name, runID)
	logger.Info("Apply committed", "serial", committed.Serial)
	return committed, nil
}

// consume removes the plan so it cannot be applied twice.
func (s *Stage) consume(ctx context.Context, env environment.Name, runID string) {
	if err := s.store.Delete(ctx, env, runID); err != nil {
		s.logger.Warn("Failed to delete consumed plan", "environment", env, "runId", runID, "error", err)
	}
}
