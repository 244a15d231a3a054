package plan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deployer/internal/apperrors"
	"deployer/internal/environment"
)

// Store persists plan artifacts between the plan and apply stages.
//
// A Get of a plan past its retention window fails with an expired error;
// the apply stage fails closed on that rather than re-planning.
type Store interface {
	Put(ctx context.Context, a Artifact) error
	Get(ctx context.Context, env environment.Name, runID string) (Artifact, error)
	Delete(ctx context.Context, env environment.Name, runID string) error
	Ready(ctx context.Context) error
}

// storeKey identifies a plan by its (environment, run) pair.
func storeKey(env environment.Name, runID string) string {
	return fmt.Sprintf("%s/%s", env, runID)
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]Artifact
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory plan store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans: make(map[string]Artifact),
		now:   time.Now,
	}
}

// SetClock overrides the store's clock. Test hook for expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores a plan, rejecting a duplicate for the same (environment, run).
func (s *MemoryStore) Put(ctx context.Context, a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(a.Environment, a.RunID)
	if _, exists := s.plans[key]; exists {
		return apperrors.Conflict("plan", key, fmt.Sprintf("plan %s already exists", key))
	}
	s.plans[key] = a
	return nil
}

// Get returns a live plan, or a not-found/expired error.
func (s *MemoryStore) Get(ctx context.Context, env environment.Name, runID string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := storeKey(env, runID)
	a, ok := s.plans[key]
	if !ok {
		return Artifact{}, apperrors.NotFound("plan", key)
	}
	if a.Expired(s.now()) {
		return Artifact{}, apperrors.Expired("plan", key)
	}
	return a, nil
}

// Delete removes a plan after consumption.
func (s *MemoryStore) Delete(ctx context.Context, env environment.Name, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, storeKey(env, runID))
	return nil
}

// Ready always succeeds for the in-process store.
func (s *MemoryStore) Ready(ctx context.Context) error {
	return nil
}
