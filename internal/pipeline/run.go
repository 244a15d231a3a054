// Package pipeline builds and executes the deployment job graph for a
// trigger. The DAG shape is a pure function of (trigger kind, deployment
// mode); execution enforces ordering, skip-on-failure, and the production
// approval checkpoint.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"deployer/internal/environment"
	"deployer/internal/trigger"

	"github.com/opencontainers/go-digest"
)

// StageKind identifies what a job does.
type StageKind string

const (
	StageBuild    StageKind = "build"
	StageResolve  StageKind = "resolve"
	StagePlan     StageKind = "plan"
	StageApply    StageKind = "apply"
	StagePromote  StageKind = "promote"
	StageApproval StageKind = "approval"
)

// JobState is the runtime state of one job instance.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobSkipped   JobState = "skipped"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether a job state is final.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobSkipped, JobCancelled:
		return true
	default:
		return false
	}
}

// allowedTransition validates the job state machine.
func allowedTransition(from, to JobState) bool {
	switch from {
	case JobPending:
		return to == JobRunning || to == JobSkipped || to == JobCancelled
	case JobRunning:
		return to == JobSucceeded || to == JobFailed
	default:
		return false
	}
}

// Job is one node of a run's DAG.
type Job struct {
	ID          string           `json:"id"`
	Stage       StageKind        `json:"stage"`
	Environment environment.Name `json:"environment,omitempty"`
	Source      environment.Name `json:"source,omitempty"` // promote only
	Target      environment.Name `json:"target,omitempty"` // promote only
	DependsOn   []string         `json:"dependsOn,omitempty"`
	ReportOnly  bool             `json:"reportOnly,omitempty"` // plan on pull requests

	State         JobState  `json:"state"`
	Error         string    `json:"error,omitempty"`
	Report        string    `json:"report,omitempty"`        // plan review text
	ApprovalToken string    `json:"approvalToken,omitempty"` // approval jobs
	StartedAt     time.Time `json:"startedAt,omitzero"`
	FinishedAt    time.Time `json:"finishedAt,omitzero"`
}

// RunState is the overall state of a pipeline run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Run is one pipeline execution: an immutable trigger context plus a DAG of
// job instances.
type Run struct {
	ID        string           `json:"id"`
	Trigger   trigger.Context  `json:"trigger"`
	Mode      environment.Mode `json:"mode"`
	Initiator string           `json:"initiator"`
	CreatedAt time.Time        `json:"createdAt"`

	mu        sync.Mutex
	state     RunState
	jobs      map[string]*Job
	order     []string      // deterministic job ordering for views
	digest    digest.Digest // artifact under deployment, set by build/resolve
	cancelled bool
}

// newRun wires a graph's jobs into a run.
func newRun(id string, trig trigger.Context, mode environment.Mode, initiator string, jobs []*Job) *Run {
	r := &Run{
		ID:        id,
		Trigger:   trig,
		Mode:      mode,
		Initiator: initiator,
		CreatedAt: time.Now().UTC(),
		state:     RunPending,
		jobs:      make(map[string]*Job, len(jobs)),
	}
	for _, j := range jobs {
		j.State = JobPending
		r.jobs[j.ID] = j
		r.order = append(r.order, j.ID)
	}
	return r
}

// State returns the run's current overall state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Digest returns the digest currently under deployment.
func (r *Run) Digest() digest.Digest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.digest
}

func (r *Run) setDigest(d digest.Digest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.digest = d
}

// Job returns a copy of one job's record.
func (r *Run) Job(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Jobs returns copies of all jobs in graph order.
func (r *Run) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.jobs[id])
	}
	return out
}

func (r *Run) setJobReport(id, report string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Report = report
	}
}

func (r *Run) setJobApprovalToken(id, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.ApprovalToken = token
	}
}

// transition moves a job through the validated state machine.
func (r *Run) transition(id string, to JobState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(id, to)
}

func (r *Run) transitionLocked(id string, to JobState) error {
	j, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("unknown job %q", id)
	}
	if !allowedTransition(j.State, to) {
		return fmt.Errorf("invalid transition for %q: %s -> %s", id, j.State, to)
	}
	j.State = to
	now := time.Now().UTC()
	switch to {
	case JobRunning:
		j.StartedAt = now
	case JobSucceeded, JobFailed, JobSkipped, JobCancelled:
		j.FinishedAt = now
	}
	return nil
}

// readyJobs returns pending jobs whose dependencies have all succeeded,
// in graph order. Siblings with no edge between them are returned together
// and run concurrently.
func (r *Run) readyJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ready []string
	for _, id := range r.order {
		j := r.jobs[id]
		if j.State != JobPending {
			continue
		}
		ok := true
		for _, dep := range j.DependsOn {
			if r.jobs[dep].State != JobSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// failAndCascade marks a job failed and transitively skips every pending
// dependent: no partial deploys below a failed stage.
func (r *Run) failAndCascade(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if terr := r.transitionLocked(id, JobFailed); terr != nil {
		return
	}
	r.jobs[id].Error = err.Error()

	// Skip dependents until a pass makes no progress.
	for {
		changed := false
		for _, jid := range r.order {
			j := r.jobs[jid]
			if j.State != JobPending {
				continue
			}
			for _, dep := range j.DependsOn {
				ds := r.jobs[dep].State
				if ds == JobFailed || ds == JobSkipped || ds == JobCancelled {
					_ = r.transitionLocked(jid, JobSkipped)
					changed = true
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

// markCancelled cancels all pending jobs. Running jobs finish on their own.
func (r *Run) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancelled = true
	for _, id := range r.order {
		if r.jobs[id].State == JobPending {
			_ = r.transitionLocked(id, JobCancelled)
		}
	}
}

// isCancelled reports whether Cancel was requested.
func (r *Run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// finalize derives the run's terminal state from its jobs. A cancelled run
// is Cancelled even when cancellation aborted a running job; otherwise any
// failed leaf renders the whole run failed.
func (r *Run) finalize() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled {
		r.state = RunCancelled
		return RunCancelled
	}

	final := RunSucceeded
	for _, j := range r.jobs {
		switch j.State {
		case JobFailed, JobSkipped:
			final = RunFailed
		}
	}
	r.state = final
	return final
}

func (r *Run) setState(s RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// View is a serializable snapshot of a run for API responses.
type View struct {
	ID        string           `json:"id"`
	Trigger   trigger.Context  `json:"trigger"`
	Mode      environment.Mode `json:"mode"`
	Initiator string           `json:"initiator"`
	State     RunState         `json:"state"`
	Digest    digest.Digest    `json:"digest,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	Jobs      []Job            `json:"jobs"`
}

// Snapshot returns a consistent view of the run.
func (r *Run) Snapshot() View {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		jobs = append(jobs, *r.jobs[id])
	}
	return View{
		ID:        r.ID,
		Trigger:   r.Trigger,
		Mode:      r.Mode,
		Initiator: r.Initiator,
		State:     r.state,
		Digest:    r.digest,
		CreatedAt: r.CreatedAt,
		Jobs:      jobs,
	}
}
