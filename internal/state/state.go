// Package state defines the remote infrastructure state collaborator.
//
// Each environment owns exactly one state blob. It is mutated only by that
// environment's apply stage, read (never written) by its plan stage, and
// never touched by promotion or build.
package state

import (
	"context"
	"time"

	"deployer/internal/environment"

	"github.com/opencontainers/go-digest"
)

// State is one environment's remote state blob.
type State struct {
	Environment    environment.Name `json:"environment"`
	DeployedDigest digest.Digest    `json:"deployedDigest,omitempty"`
	Serial         uint64           `json:"serial"`
	UpdatedAt      time.Time        `json:"updatedAt,omitzero"`
}

// UnlockFunc releases an environment lock.
type UnlockFunc func()

// Backend is the remote state store. Implementations provide per-environment
// mutual exclusion natively; the orchestrator relies on, but does not
// implement, that lock.
type Backend interface {
	// Read returns the environment's current state. A fresh environment
	// returns a zero-serial state with no deployed digest.
	Read(ctx context.Context, env environment.Name) (State, error)

	// Commit writes the environment's new state, bumping the serial.
	// The caller must hold the environment lock.
	Commit(ctx context.Context, env environment.Name, s State) (State, error)

	// Lock acquires the environment's exclusive lock, queueing behind any
	// current holder. Returns when acquired or when ctx is done.
	Lock(ctx context.Context, env environment.Name) (UnlockFunc, error)

	// Ready checks the backend is reachable.
	Ready(ctx context.Context) error
}
