package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"deployer/internal/apperrors"
	"deployer/internal/apply"
	"deployer/internal/approval"
	"deployer/internal/build"
	"deployer/internal/environment"
	"deployer/internal/observability"
	"deployer/internal/plan"
	"deployer/internal/promote"
	"deployer/internal/registry"

	"github.com/opencontainers/go-digest"
)

// Stages bundles the executors the runner drives. Each stage owns its own
// failure semantics; the runner only sequences them.
type Stages struct {
	Build    *build.Stage
	Planner  *plan.Planner
	Apply    *apply.Stage
	Promote  *promote.Stage
	Resolver *promote.Resolver
	Gates    *approval.Gates
}

// Runner executes a run's DAG: it schedules ready jobs concurrently,
// cascades failures into skips, and reports lifecycle events.
type Runner struct {
	envs         *environment.Set
	registries   map[environment.Name]registry.Registry
	stages       Stages
	stageTimeout time.Duration
	notifier     Notifier
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewRunner creates a runner. stageTimeout bounds every job except the
// approval gate, which waits on human wall-clock time; zero disables the
// bound. notifier and metrics may be nil.
func NewRunner(envs *environment.Set, registries map[environment.Name]registry.Registry, stages Stages, stageTimeout time.Duration, notifier Notifier, metrics *observability.Metrics) *Runner {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Runner{
		envs:         envs,
		registries:   registries,
		stages:       stages,
		stageTimeout: stageTimeout,
		notifier:     notifier,
		metrics:      metrics,
		logger:       slog.With("component", "runner"),
	}
}

// Execute drives the run to a terminal state. It returns when every job is
// terminal; cancellation stops scheduling new jobs but lets running ones
// finish.
func (r *Runner) Execute(ctx context.Context, run *Run) RunState {
	logger := r.logger.With("runId", run.ID, "trigger", run.Trigger.Kind)

	run.setState(RunRunning)
	r.notifier.RunStarted(run.Snapshot())
	logger.Info("Run started", "mode", run.Mode, "commit", run.Trigger.ShortSHA())

	type result struct {
		id  string
		err error
	}
	results := make(chan result)
	running := 0

	for {
		if !run.isCancelled() {
			for _, id := range run.readyJobs() {
				if err := run.transition(id, JobRunning); err != nil {
					continue
				}
				job, _ := run.Job(id)
				running++
				go func(job Job) {
					start := time.Now()
					err := r.executeJob(ctx, run, job)
					r.recordStage(ctx, job, err == nil, time.Since(start))
					results <- result{id: job.ID, err: err}
				}(job)
			}
		}
		if running == 0 {
			break
		}

		res := <-results
		running--
		if res.err != nil {
			logger.Warn("Job failed", "job", res.id, "error", res.err)
			run.failAndCascade(res.id, res.err)
		} else {
			_ = run.transition(res.id, JobSucceeded)
		}
		if job, ok := run.Job(res.id); ok {
			r.notifier.StageFinished(run.ID, job)
		}
	}

	if run.isCancelled() {
		run.markCancelled()
	}
	final := run.finalize()
	r.notifier.RunFinished(run.Snapshot())
	logger.Info("Run finished", "state", final)
	return final
}

// executeJob runs one job to completion. A non-nil error means Failed.
func (r *Runner) executeJob(ctx context.Context, run *Run, job Job) error {
	jctx := ctx
	cancel := context.CancelFunc(func() {})
	switch {
	case job.Stage == StageApproval:
		// The gate waits on a human, not on the stage budget.
	case job.Stage == StageApply:
		// A started apply is allowed to finish its state mutation even if
		// the run is cancelled mid-flight.
		jctx = context.WithoutCancel(ctx)
		if r.stageTimeout > 0 {
			jctx, cancel = context.WithTimeout(jctx, r.stageTimeout)
		}
	case r.stageTimeout > 0:
		jctx, cancel = context.WithTimeout(ctx, r.stageTimeout)
	}
	defer cancel()

	switch job.Stage {
	case StageBuild:
		return r.runBuild(jctx, run, job)
	case StageResolve:
		return r.runResolve(jctx, run, job)
	case StagePlan:
		return r.runPlan(jctx, run, job)
	case StagePromote:
		return r.runPromote(jctx, run, job)
	case StageApproval:
		return r.runApproval(jctx, run, job)
	case StageApply:
		return r.runApply(jctx, run, job)
	default:
		return apperrors.Internal("runner", fmt.Errorf("unknown stage kind %q", job.Stage))
	}
}

func (r *Runner) runBuild(ctx context.Context, run *Run, job Job) error {
	env, reg, err := r.target(job.Environment)
	if err != nil {
		return err
	}
	art, err := r.stages.Build.Run(ctx, run.Trigger, env, reg)
	if err != nil {
		return err
	}
	run.setDigest(art.Digest)
	return nil
}

// runResolve recovers the digest for a release from the stage registry. The
// short commit hash of the tagged merge is tried first, then the version
// tag itself. Once found, the version tag is recorded so it travels with
// the promotion.
func (r *Runner) runResolve(ctx context.Context, run *Run, job Job) error {
	env, reg, err := r.target(job.Environment)
	if err != nil {
		return err
	}

	d, err := r.stages.Resolver.Resolve(ctx, env, reg, run.Trigger.ShortSHA())
	if errors.Is(err, apperrors.ErrNotFound) && run.Trigger.VersionTag != "" {
		d, err = r.stages.Resolver.Resolve(ctx, env, reg, run.Trigger.VersionTag)
	}
	if err != nil {
		return err
	}

	if tag := run.Trigger.VersionTag; tag != "" {
		if err := reg.Tag(ctx, d, tag); err != nil {
			return err
		}
	}
	run.setDigest(d)
	return nil
}

func (r *Runner) runPlan(ctx context.Context, run *Run, job Job) error {
	env, _, err := r.target(job.Environment)
	if err != nil {
		return err
	}

	if job.ReportOnly {
		// Pull requests never build; the report diffs against a digest
		// derived from the candidate commit.
		target := digest.FromString("commit:" + run.Trigger.CommitSHA)
		report, err := r.stages.Planner.Report(ctx, env, run.ID, target)
		if err != nil {
			return err
		}
		run.setJobReport(job.ID, report)
		return nil
	}

	a, err := r.stages.Planner.Plan(ctx, env, run.ID, run.Digest())
	if err != nil {
		return err
	}
	run.setJobReport(job.ID, a.ChangeSummary)
	return nil
}

func (r *Runner) runPromote(ctx context.Context, run *Run, job Job) error {
	source, src, err := r.target(job.Source)
	if err != nil {
		return err
	}
	target, dst, err := r.target(job.Target)
	if err != nil {
		return err
	}
	_, err = r.stages.Promote.Run(ctx, source, target, src, dst, run.Digest())
	return err
}

func (r *Runner) runApproval(ctx context.Context, run *Run, job Job) error {
	gate := r.stages.Gates.Request(run.ID, job.Environment, run.Initiator)
	run.setJobApprovalToken(job.ID, gate.Token)
	r.notifier.ApprovalRequested(run.ID, gate.Snapshot())
	if r.metrics != nil {
		r.metrics.RecordApprovalOpened(ctx)
	}

	outcome := gate.Await(ctx)
	if r.metrics != nil {
		r.metrics.RecordApprovalClosed(ctx, string(outcome))
	}

	switch outcome {
	case approval.Approved:
		return nil
	case approval.Rejected:
		snap := gate.Snapshot()
		return apperrors.Denied("approval",
			fmt.Sprintf("production deployment rejected by %s", snap.ResolvedBy))
	default:
		return apperrors.Expired("approval", gate.Token)
	}
}

func (r *Runner) runApply(ctx context.Context, run *Run, job Job) error {
	env, _, err := r.target(job.Environment)
	if err != nil {
		return err
	}
	_, err = r.stages.Apply.Run(ctx, env, run.ID, run.Digest())
	return err
}

// target resolves an environment and its registry.
func (r *Runner) target(name environment.Name) (environment.Environment, registry.Registry, error) {
	env, err := r.envs.Get(name)
	if err != nil {
		return environment.Environment{}, nil, err
	}
	reg, ok := r.registries[name]
	if !ok {
		return environment.Environment{}, nil, apperrors.Internal("runner",
			fmt.Errorf("no registry wired for environment %q", name))
	}
	return env, reg, nil
}

func (r *Runner) recordStage(ctx context.Context, job Job, success bool, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordStageCompleted(ctx, string(job.Stage), string(job.Environment), success, elapsed.Seconds())
}
