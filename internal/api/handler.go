// Package api provides the HTTP API handlers and routing for the pipeline service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"deployer/internal/apperrors"
	"deployer/internal/health"
	"deployer/internal/observability"
	"deployer/internal/pipeline"
	"deployer/internal/trigger"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the pipeline API
type Handler struct {
	svc     *pipeline.Service
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *pipeline.Service, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:     svc,
		metrics: metrics,
		health:  healthChecker,
	}
}

// IngestRequest is the body of POST /v1/events: a raw source-control event
// plus the identity on whose behalf the run executes.
type IngestRequest struct {
	trigger.Event
	Initiator string `json:"initiator"`
}

// IngestEvent handles POST /v1/events
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Initiator == "" {
		h.writeError(w, http.StatusBadRequest, "initiator is required")
		return
	}

	view, err := h.svc.Ingest(r.Context(), req.Event, req.Initiator)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, view)
}

// ListRuns handles GET /v1/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.List())
}

// GetRun handles GET /v1/runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	view, err := h.svc.Get(runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// CancelRun handles DELETE /v1/runs/{runId}
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	view, err := h.svc.Cancel(runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// ApprovalRequest is the body of POST /v1/approvals/{token}.
type ApprovalRequest struct {
	Reviewer string `json:"reviewer"`
	Approve  bool   `json:"approve"`
}

// ResolveApproval handles POST /v1/approvals/{token}
func (h *Handler) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		h.writeError(w, http.StatusBadRequest, "Approval token is required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Reviewer == "" {
		h.writeError(w, http.StatusBadRequest, "reviewer is required")
		return
	}

	snapshot, err := h.svc.ResolveApproval(token, req.Reviewer, req.Approve)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, snapshot)
}

// ListApprovals handles GET /v1/approvals
func (h *Handler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.PendingApprovals())
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if dependencies (registries, state, plan store) are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
