package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deployer/internal/environment"
)

// MemoryBackend is an in-process Backend modeling the remote state
// collaborator contract, including its native per-environment lock.
type MemoryBackend struct {
	mu     sync.Mutex
	states map[environment.Name]State
	locks  map[environment.Name]chan struct{}

	commitErr error // injected commit failure for tests
}

// NewMemory creates an empty in-memory state backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{
		states: make(map[environment.Name]State),
		locks:  make(map[environment.Name]chan struct{}),
	}
}

// FailCommits makes subsequent Commit calls return err. Pass nil to clear.
func (b *MemoryBackend) FailCommits(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commitErr = err
}

// Read returns the current state, or a fresh zero-serial state.
func (b *MemoryBackend) Read(ctx context.Context, env environment.Name) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.states[env]; ok {
		return s, nil
	}
	return State{Environment: env}, nil
}

// Commit stores the new state with a bumped serial.
func (b *MemoryBackend) Commit(ctx context.Context, env environment.Name, s State) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.commitErr != nil {
		return State{}, b.commitErr
	}

	current := b.states[env]
	s.Environment = env
	s.Serial = current.Serial + 1
	s.UpdatedAt = time.Now().UTC()
	b.states[env] = s
	return s, nil
}

// Lock acquires the environment's lock, waiting behind the current holder.
func (b *MemoryBackend) Lock(ctx context.Context, env environment.Name) (UnlockFunc, error) {
	b.mu.Lock()
	ch, ok := b.locks[env]
	if !ok {
		ch = make(chan struct{}, 1)
		b.locks[env] = ch
	}
	b.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-ch })
		}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s state lock: %w", env, ctx.Err())
	}
}

// Ready always succeeds for the in-process backend.
func (b *MemoryBackend) Ready(ctx context.Context) error {
	return nil
}
