// Package approval implements the blocking human checkpoint in front of
// production applies.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"deployer/internal/apperrors"
	"deployer/internal/environment"

	"github.com/google/uuid"
)

// Outcome is a terminal gate resolution. A gate is never ambiguous between
// "not yet requested" and "rejected": it exists only once requested, and
// every exit is one of these three.
type Outcome string

const (
	Approved Outcome = "approved"
	Rejected Outcome = "rejected"
	Expired  Outcome = "expired"
)

// Status is the externally visible gate state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Gate is one pending approval. The apply job awaits its outcome; reviewers
// resolve it by token through the API.
type Gate struct {
	Token       string           `json:"token"`
	RunID       string           `json:"runId"`
	Environment environment.Name `json:"environment"`
	Initiator   string           `json:"initiator"`
	RequestedAt time.Time        `json:"requestedAt"`

	mu         sync.Mutex
	outcome    Outcome
	resolvedBy string
	done       chan struct{}
	timer      *time.Timer
}

// Snapshot is a read-only view of a gate for API responses.
type Snapshot struct {
	Token       string           `json:"token"`
	RunID       string           `json:"runId"`
	Environment environment.Name `json:"environment"`
	Status      Status           `json:"status"`
	Outcome     Outcome          `json:"outcome,omitempty"`
	ResolvedBy  string           `json:"resolvedBy,omitempty"`
	RequestedAt time.Time        `json:"requestedAt"`
}

// Await blocks until the gate resolves or ctx is done. A cancelled context
// expires the gate: production is never silently auto-approved.
func (g *Gate) Await(ctx context.Context) Outcome {
	select {
	case <-g.done:
	case <-ctx.Done():
		g.expire()
		<-g.done
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome
}

// Snapshot returns the gate's current view.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Snapshot{
		Token:       g.Token,
		RunID:       g.RunID,
		Environment: g.Environment,
		Status:      StatusPending,
		RequestedAt: g.RequestedAt,
	}
	if g.outcome != "" {
		s.Status = StatusResolved
		s.Outcome = g.outcome
		s.ResolvedBy = g.resolvedBy
	}
	return s
}

func (g *Gate) resolve(outcome Outcome, by string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.outcome != "" {
		return apperrors.Conflict("approval", g.Token,
			fmt.Sprintf("approval already resolved %s", g.outcome))
	}
	g.outcome = outcome
	g.resolvedBy = by
	if g.timer != nil {
		g.timer.Stop()
	}
	close(g.done)
	return nil
}

func (g *Gate) expire() {
	_ = g.resolve(Expired, "")
}

// Gates tracks pending approvals by token.
type Gates struct {
	mu        sync.RWMutex
	byToken   map[string]*Gate
	reviewers []string
	ttl       time.Duration // 0: no orchestrator-side timeout
	logger    *slog.Logger
}

// NewGates creates a gate registry with a designated reviewer set.
// ttl of zero disables orchestrator-side expiry; the surrounding scheduler's
// deadline still bounds the wait.
func NewGates(reviewers []string, ttl time.Duration) *Gates {
	return &Gates{
		byToken:   make(map[string]*Gate),
		reviewers: reviewers,
		ttl:       ttl,
		logger:    slog.With("component", "approval"),
	}
}

// Request opens a gate for a production apply and returns it for awaiting.
func (g *Gates) Request(runID string, env environment.Name, initiator string) *Gate {
	gate := &Gate{
		Token:       uuid.NewString(),
		RunID:       runID,
		Environment: env,
		Initiator:   initiator,
		RequestedAt: time.Now().UTC(),
		done:        make(chan struct{}),
	}
	if g.ttl > 0 {
		gate.timer = time.AfterFunc(g.ttl, func() {
			gate.expire()
			g.logger.Warn("Approval expired", "token", gate.Token, "runId", runID)
		})
	}

	g.mu.Lock()
	g.byToken[gate.Token] = gate
	g.mu.Unlock()

	g.logger.Info("Approval requested", "token", gate.Token, "runId", runID, "environment", env)
	return gate
}

// Get returns a gate by token.
func (g *Gates) Get(token string) (*Gate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	gate, ok := g.byToken[token]
	if !ok {
		return nil, apperrors.NotFound("approval", token)
	}
	return gate, nil
}

// Resolve records a reviewer's decision on a pending gate.
//
// Only members of the designated reviewer set may resolve, and the run's
// initiator may never approve their own deployment.
func (g *Gates) Resolve(token, reviewer string, approve bool) error {
	gate, err := g.Get(token)
	if err != nil {
		return err
	}

	if !slices.Contains(g.reviewers, reviewer) {
		return apperrors.Denied("approval",
			fmt.Sprintf("%q is not in the designated reviewer set", reviewer))
	}
	if reviewer == gate.Initiator {
		return apperrors.Denied("approval", "run initiators cannot approve their own deployment")
	}

	outcome := Rejected
	if approve {
		outcome = Approved
	}
	if err := gate.resolve(outcome, reviewer); err != nil {
		return err
	}

	g.logger.Info("Approval resolved", "token", token, "outcome", outcome, "reviewer", reviewer)
	return nil
}

// Pending returns snapshots of all unresolved gates.
func (g *Gates) Pending() []Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Snapshot
	for _, gate := range g.byToken {
		if s := gate.Snapshot(); s.Status == StatusPending {
			out = append(out, s)
		}
	}
	return out
}
