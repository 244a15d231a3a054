package pipeline

import (
	"log/slog"

	"deployer/internal/approval"
	"deployer/internal/dispatcher"
	"deployer/pkg/cloudevent"

	"github.com/google/uuid"
)

// Lifecycle event types emitted on the callback channel.
const (
	EventRunStarted        = "deployer.run.start"
	EventStageFinished     = "deployer.stage.finish"
	EventApprovalRequested = "deployer.approval.requested"
	EventRunFinished       = "deployer.run.finish"
)

const eventSource = "/deployer/pipeline"

// Notifier receives run lifecycle notifications. Implementations must not
// block: the runner calls these inline.
type Notifier interface {
	RunStarted(run View)
	StageFinished(runID string, job Job)
	ApprovalRequested(runID string, gate approval.Snapshot)
	RunFinished(run View)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) RunStarted(View)                            {}
func (NopNotifier) StageFinished(string, Job)                  {}
func (NopNotifier) ApprovalRequested(string, approval.Snapshot) {}
func (NopNotifier) RunFinished(View)                           {}

// EventNotifier publishes lifecycle events as CloudEvents through the
// dispatcher. Delivery is asynchronous and best-effort; a full buffer drops
// the event rather than stalling the run.
type EventNotifier struct {
	dispatcher  dispatcher.Dispatcher
	destination string
	signingKey  string
	logger      *slog.Logger
}

// NewEventNotifier creates a notifier delivering to a callback URL.
func NewEventNotifier(d dispatcher.Dispatcher, destination, signingKey string) *EventNotifier {
	return &EventNotifier{
		dispatcher:  d,
		destination: destination,
		signingKey:  signingKey,
		logger:      slog.With("component", "notifier"),
	}
}

func (n *EventNotifier) emit(eventType, subject string, data map[string]any) {
	ev := cloudevent.New(eventType, eventSource, subject, uuid.NewString(), data)
	err := n.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     ev,
		Destination: n.destination,
		SigningKey:  n.signingKey,
	})
	if err != nil {
		n.logger.Warn("Dropped lifecycle event", "type", eventType, "subject", subject, "error", err)
	}
}

// RunStarted emits a run.start event.
func (n *EventNotifier) RunStarted(run View) {
	n.emit(EventRunStarted, run.ID, map[string]any{
		"runId":   run.ID,
		"trigger": string(run.Trigger.Kind),
		"commit":  run.Trigger.CommitSHA,
		"mode":    string(run.Mode),
	})
}

// StageFinished emits a stage.finish event for every terminal job.
func (n *EventNotifier) StageFinished(runID string, job Job) {
	data := map[string]any{
		"runId":       runID,
		"job":         job.ID,
		"stage":       string(job.Stage),
		"environment": string(job.Environment),
		"state":       string(job.State),
	}
	if job.Error != "" {
		data["error"] = job.Error
	}
	n.emit(EventStageFinished, runID, data)
}

// ApprovalRequested emits an approval.requested event carrying the token
// reviewers resolve against.
func (n *EventNotifier) ApprovalRequested(runID string, gate approval.Snapshot) {
	n.emit(EventApprovalRequested, runID, map[string]any{
		"runId":       runID,
		"token":       gate.Token,
		"environment": string(gate.Environment),
		"requestedAt": gate.RequestedAt,
	})
}

// RunFinished emits a run.finish event with the terminal state.
func (n *EventNotifier) RunFinished(run View) {
	n.emit(EventRunFinished, run.ID, map[string]any{
		"runId":  run.ID,
		"state":  string(run.State),
		"digest": run.Digest.String(),
	})
}
