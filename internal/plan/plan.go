// Package plan implements the plan stage: a read-only diff of an
// environment's desired configuration against its current remote state,
// persisted as an artifact the paired apply stage consumes verbatim.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"deployer/internal/apperrors"
	"deployer/internal/environment"
	"deployer/internal/state"

	"github.com/opencontainers/go-digest"
)

// Action is the kind of change a plan proposes.
type Action string

const (
	ActionCreate Action = "create" // first deployment into the environment
	ActionUpdate Action = "update" // digest changes
	ActionNoop   Action = "noop"   // already at the target digest
)

// Artifact is a persisted plan: produced exactly once by a plan run,
// consumed exactly once by the paired apply run.
type Artifact struct {
	Environment   environment.Name `json:"environment"`
	RunID         string           `json:"runId"`
	TargetDigest  digest.Digest    `json:"targetArtifactDigest"`
	ChangeSummary string           `json:"changeSummary"`
	Payload       json.RawMessage  `json:"opaquePayload"`
	CreatedAt     time.Time        `json:"createdAt"`
	ExpiresAfter  time.Duration    `json:"expiresAfter"`
}

// Expired reports whether the plan is past its retention window.
func (a Artifact) Expired(now time.Time) bool {
	return now.After(a.CreatedAt.Add(a.ExpiresAfter))
}

// payload is the serialized change set the apply stage replays.
type payload struct {
	Environment   environment.Name `json:"environment"`
	Action        Action           `json:"action"`
	CurrentDigest digest.Digest    `json:"currentDigest,omitempty"`
	TargetDigest  digest.Digest    `json:"targetDigest"`
	StateSerial   uint64           `json:"stateSerial"`
}

// DecodePayload recovers the change set from a plan artifact.
func DecodePayload(a Artifact) (Action, digest.Digest, error) {
	var p payload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return "", "", apperrors.Internal("plan.decodePayload", err)
	}
	return p.Action, p.TargetDigest, nil
}

// Planner computes plans against a state backend.
type Planner struct {
	backend   state.Backend
	store     Store
	retention time.Duration
	logger    *slog.Logger
}

// NewPlanner creates a planner. Plans persisted to the store expire after
// the retention window (days, not hours).
func NewPlanner(backend state.Backend, store Store, retention time.Duration) *Planner {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Planner{
		backend:   backend,
		store:     store,
		retention: retention,
		logger:    slog.With("component", "plan"),
	}
}

// Plan computes the change set for deploying target into env and persists
// it for the paired apply. Remote state is only read, never written.
func (p *Planner) Plan(ctx context.Context, env environment.Environment, runID string, target digest.Digest) (Artifact, error) {
	a, err := p.compute(ctx, env, runID, target)
	if err != nil {
		return Artifact{}, err
	}
	if err := p.store.Put(ctx, a); err != nil {
		return Artifact{}, apperrors.Internal("plan.persist", err)
	}
	p.logger.Info("Plan persisted",
		"environment", env.Name,
		"runId", runID,
		"targetDigest", target,
		"summary", a.ChangeSummary,
	)
	return a, nil
}

// Report computes the same diff but renders it as review text instead of
// persisting a consumable artifact. Used on pull-request triggers, where no
// apply follows.
func (p *Planner) Report(ctx context.Context, env environment.Environment, runID string, target digest.Digest) (string, error) {
	a, err := p.compute(ctx, env, runID, target)
	if err != nil {
		return "", err
	}
	return a.ChangeSummary, nil
}

func (p *Planner) compute(ctx context.Context, env environment.Environment, runID string, target digest.Digest) (Artifact, error) {
	if err := target.Validate(); err != nil {
		return Artifact{}, apperrors.Validation("targetDigest",
			fmt.Sprintf("malformed target digest %q: %v", target, err))
	}
	if runID == "" {
		return Artifact{}, apperrors.Validation("runId", "run ID is required")
	}

	current, err := p.backend.Read(ctx, env.Name)
	if err != nil {
		return Artifact{}, apperrors.Internal("state.read", err)
	}

	action := ActionUpdate
	summary := fmt.Sprintf("%s: update deployed digest %s -> %s", env.Name, current.DeployedDigest, target)
	switch {
	case current.DeployedDigest == "":
		action = ActionCreate
		summary = fmt.Sprintf("%s: create deployment at digest %s", env.Name, target)
	case current.DeployedDigest == target:
		action = ActionNoop
		summary = fmt.Sprintf("%s: no changes, already at digest %s", env.Name, target)
	}

	raw, err := json.Marshal(payload{
		Environment:   env.Name,
		Action:        action,
		CurrentDigest: current.DeployedDigest,
		TargetDigest:  target,
		StateSerial:   current.Serial,
	})
	if err != nil {
		return Artifact{}, apperrors.Internal("plan.encodePayload", err)
	}

	return Artifact{
		Environment:   env.Name,
		RunID:         runID,
		TargetDigest:  target,
		ChangeSummary: summary,
		Payload:       raw,
		CreatedAt:     time.Now().UTC(),
		ExpiresAfter:  p.retention,
	}, nil
}
