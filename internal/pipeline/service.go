package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"deployer/internal/apperrors"
	"deployer/internal/approval"
	"deployer/internal/environment"
	"deployer/internal/observability"
	"deployer/internal/trigger"

	"github.com/google/uuid"
)

// Service is the orchestrator's front door: it classifies trigger events,
// instantiates runs, and exposes run and approval operations to the API.
type Service struct {
	mode    environment.Mode
	runner  *Runner
	gates   *approval.Gates
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	runs    map[string]*Run
	order   []string // insertion order, oldest first
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewService creates the pipeline service. metrics may be nil.
func NewService(mode environment.Mode, runner *Runner, gates *approval.Gates, metrics *observability.Metrics) *Service {
	return &Service{
		mode:    mode,
		runner:  runner,
		gates:   gates,
		metrics: metrics,
		logger:  slog.With("component", "pipeline"),
		runs:    make(map[string]*Run),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Ingest classifies a raw source-control event and starts a run for it.
// The returned view reflects the run's initial state; execution proceeds in
// the background, detached from the request context.
func (s *Service) Ingest(ctx context.Context, ev trigger.Event, initiator string) (View, error) {
	trig, err := trigger.Classify(ev)
	if err != nil {
		return View{}, err
	}
	jobs, err := BuildGraph(trig, s.mode)
	if err != nil {
		return View{}, err
	}

	run := newRun(uuid.NewString(), trig, s.mode, initiator, jobs)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	s.cancels[run.ID] = cancel
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordRunCreated(ctx, string(trig.Kind))
	}
	s.logger.Info("Run accepted",
		"runId", run.ID,
		"trigger", trig.Kind,
		"commit", trig.ShortSHA(),
		"initiator", initiator,
		"jobs", len(jobs),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		final := s.runner.Execute(runCtx, run)
		if s.metrics != nil {
			s.metrics.RecordRunCompleted(runCtx, string(trig.Kind), string(final))
		}
	}()

	return run.Snapshot(), nil
}

// Get returns a snapshot of one run.
func (s *Service) Get(runID string) (View, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return View{}, apperrors.NotFound("run", runID)
	}
	return run.Snapshot(), nil
}

// List returns snapshots of all runs, newest first.
func (s *Service) List() []View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]View, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.runs[s.order[i]].Snapshot())
	}
	return out
}

// Cancel stops a run: pending jobs are cancelled, running jobs finish on
// their own, and an in-flight apply completes its state mutation.
func (s *Service) Cancel(runID string) (View, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	cancel := s.cancels[runID]
	s.mu.RUnlock()
	if !ok {
		return View{}, apperrors.NotFound("run", runID)
	}

	switch run.State() {
	case RunSucceeded, RunFailed, RunCancelled:
		return View{}, apperrors.Conflict("run", runID, "run already finished")
	}

	run.markCancelled()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("Run cancelled", "runId", runID)
	return run.Snapshot(), nil
}

// ResolveApproval records a reviewer decision on a pending gate.
func (s *Service) ResolveApproval(token, reviewer string, approve bool) (approval.Snapshot, error) {
	if err := s.gates.Resolve(token, reviewer, approve); err != nil {
		return approval.Snapshot{}, err
	}
	gate, err := s.gates.Get(token)
	if err != nil {
		return approval.Snapshot{}, err
	}
	return gate.Snapshot(), nil
}

// PendingApprovals lists unresolved gates.
func (s *Service) PendingApprovals() []approval.Snapshot {
	return s.gates.Pending()
}

// Drain blocks until all runs reach a terminal state or ctx expires.
// Used on shutdown after the listener stops accepting triggers.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
