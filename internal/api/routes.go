package api

import (
	"net/http"

	"deployer/internal/health"
	"deployer/internal/observability"
	"deployer/internal/pipeline"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	PipelineService *pipeline.Service
	Metrics         *observability.Metrics
	HealthChecker   *health.Checker
	APIKey          string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.PipelineService, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Pipeline endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/events", authMiddleware(http.HandlerFunc(handler.IngestEvent)))
	mux.Handle("GET /v1/runs", authMiddleware(http.HandlerFunc(handler.ListRuns)))
	mux.Handle("GET /v1/runs/{runId}", authMiddleware(http.HandlerFunc(handler.GetRun)))
	mux.Handle("DELETE /v1/runs/{runId}", authMiddleware(http.HandlerFunc(handler.CancelRun)))
	mux.Handle("GET /v1/approvals", authMiddleware(http.HandlerFunc(handler.ListApprovals)))
	mux.Handle("POST /v1/approvals/{token}", authMiddleware(http.HandlerFunc(handler.ResolveApproval)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
