package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"deployer/internal/apperrors"
	"deployer/internal/environment"
)

var reviewers = []string{"alice", "bob"}

func TestApproveUnblocksAwait(t *testing.T) {
	t.Parallel()
	gates := NewGates(reviewers, 0)
	gate := gates.Request("run-1", environment.Prod, "carol")

	got := make(chan Outcome, 1)
	go func() { got <- gate.Await(context.Background()) }()

	if err := gates.Resolve(gate.Token, "alice", true); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	select {
	case outcome := <-got:
		if outcome != Approved {
			t.Errorf("Await() = %s, want approved", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("Await() did not return after approval")
	}
}

func TestReject(t *testing.T) {
	t.Parallel()
	gates := NewGates(reviewers, 0)
	gate := gates.Request("run-1", environment.Prod, "carol")

	if err := gates.Resolve(gate.Token, "bob", false); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if outcome := gate.Await(context.Background()); outcome != Rejected {
		t.Errorf("Await() = %s, want rejected", outcome)
	}

	s := gate.Snapshot()
	if s.Status != StatusResolved || s.ResolvedBy != "bob" {
		t.Errorf("snapshot = %+v, want resolved by bob", s)
	}
}

func TestSelfApprovalDenied(t *testing.T) {
	t.Parallel()
	gates := NewGates(reviewers, 0)
	gate := gates.Request("run-1", environment.Prod, "alice")

	err := gates.Resolve(gate.Token, "alice", true)
	if !errors.Is(err, apperrors.ErrDenied) {
		t.Errorf("Resolve() by initiator error = %v, want denied", err)
	}

	// Another designated reviewer can still approve.
	if err := gates.Resolve(gate.Token, "bob", true); err != nil {
		t.Errorf("Resolve() by bob error = %v", err)
	}
}

func TestNonReviewerDenied(t *testing.T) {
	t.Parallel()
	gates := NewGates(reviewers, 0)
	gate := gates.Request("run-1", environment.Prod, "carol")

	err := gates.Resolve(gate.Token, "mallory", true)
	if !errors.Is(err, apperrors.ErrDenied) {
		t.Errorf("Resolve() by non-reviewer error = %v, want denied", err)
	}
}

func TestDoubleResolveConflicts(t *testing.T) {
	t.Parallel()
	gates := NewGates(reviewers, 0)
	gate := gates.Request("run-1", environment.Prod, "carol")

	if err := gates.Resolve(gate.Token, "alice", true); err != nil {
		t.Fatal(err)
	}
	err := gates.Resolve(gate.Token, "bob", false)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("second Resolve() error = %v, want conflict", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()
	gates := NewGates(reviewers, 20*time.Millisecond)
	gate := gates.Request("run-1", environment.Prod, "carol")

	if outcome := gate.Await(context.Background()); outcome != Expired {
		t.Errorf("Await() = %s, want expired", outcome)
	}

	// Expired gates cannot be approved afterwards.
	err := gates.Resolve(gate.Token, "alice", true)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Resolve() after expiry error = %v, want conflict", err)
	}
}

func TestCancelledContextExpiresGate(t *testing.T) {
	t.Parallel()
	gates := NewGates(reviewers, 0)
	gate := gates.Request("run-1", environment.Prod, "carol")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if outcome := gate.Await(ctx); outcome != Expired {
		t.Errorf("Await() with cancelled context = %s, want expired", outcome)
	}
}

func TestUnknownToken(t *testing.T) {
	t.Parallel()
	gates := NewGates(reviewers, 0)

	if err := gates.Resolve("no-such-token", "alice", true); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Resolve() error = %v, want not found", err)
	}
}

func TestPending(t *testing.T) {
	t.Parallel()
	gates := NewGates(reviewers, 0)
	g1 := gates.Request("run-1", environment.Prod, "carol")
	gates.Request("run-2", environment.Prod, "carol")

	if err := gates.Resolve(g1.Token, "alice", true); err != nil {
		t.Fatal(err)
	}

	pending := gates.Pending()
	if len(pending) != 1 || pending[0].RunID != "run-2" {
		t.Errorf("Pending() = %+v, want only run-2", pending)
	}
}
