// pipeline-service is the HTTP API server for the deployment pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"deployer/internal/api"
	"deployer/internal/apply"
	"deployer/internal/approval"
	"deployer/internal/build"
	builddocker "deployer/internal/build/docker"
	"deployer/internal/config"
	"deployer/internal/dispatcher"
	"deployer/internal/environment"
	"deployer/internal/health"
	"deployer/internal/observability"
	"deployer/internal/pipeline"
	"deployer/internal/plan"
	"deployer/internal/promote"
	"deployer/internal/registry"
	"deployer/internal/registry/oci"
	"deployer/internal/state"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	// Load the environment manifest; its mode decides the pipeline shapes
	// for the life of the process.
	mode, envs, err := environment.LoadManifest(svcCfg.ManifestPath)
	if err != nil {
		return err
	}
	slog.Info("Environment manifest loaded", "path", svcCfg.ManifestPath, "mode", mode)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	// One registry per environment, from its manifest ref.
	registries := make(map[environment.Name]registry.Registry)
	checks := make(map[string]health.ReadinessChecker)
	for _, name := range []environment.Name{environment.Dev, environment.Stage, environment.Prod} {
		env, err := envs.Get(name)
		if err != nil {
			continue // tier not configured in this mode
		}
		reg, err := newRegistry(env.RegistryRef, svcCfg)
		if err != nil {
			return err
		}
		registries[name] = reg
		if checker, ok := reg.(health.ReadinessChecker); ok {
			checks["registry-"+string(name)] = checker
		}
	}

	// State backend and plan store.
	backend := state.NewMemory()
	checks["state"] = health.ReadinessFunc(backend.Ready)

	var store plan.Store
	if os.Getenv("PLAN_STORE_ENDPOINT") != "" {
		objectStore, err := plan.NewObjectStore(ctx, plan.LoadObjectStoreConfig())
		if err != nil {
			return err
		}
		store = objectStore
		checks["plan-store"] = health.ReadinessFunc(objectStore.Ready)
		slog.Info("Using object store for plans")
	} else {
		memStore := plan.NewMemoryStore()
		store = memStore
		checks["plan-store"] = health.ReadinessFunc(memStore.Ready)
		slog.Warn("Using in-memory plan store - plans do not survive restarts")
	}

	// Builder.
	builder, err := newBuilder(ctx, checks)
	if err != nil {
		return err
	}

	// Lifecycle event notifier.
	var notifier pipeline.Notifier
	if svcCfg.CallbackURL != "" {
		notifier = pipeline.NewEventNotifier(eventDispatcher, svcCfg.CallbackURL, svcCfg.CallbackSigningKey)
		slog.Info("Lifecycle callbacks enabled", "destination", svcCfg.CallbackURL)
	}

	// Approval gates and the pipeline service.
	gates := approval.NewGates(svcCfg.Reviewers, svcCfg.ApprovalTTL)
	if len(svcCfg.Reviewers) == 0 && mode == environment.ModeProduction {
		slog.Warn("No reviewers configured - production approvals cannot be resolved")
	}

	runner := pipeline.NewRunner(envs, registries, pipeline.Stages{
		Build:    build.NewStage(builder),
		Planner:  plan.NewPlanner(backend, store, svcCfg.PlanRetention),
		Apply:    apply.NewStage(backend, store),
		Promote:  promote.NewStage(),
		Resolver: promote.NewResolver(),
		Gates:    gates,
	}, svcCfg.StageTimeout, notifier, metrics)
	pipelineService := pipeline.NewService(mode, runner, gates, metrics)

	// Create health checker
	healthChecker := health.NewChecker(checks)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		PipelineService: pipelineService,
		Metrics:         metrics,
		HealthChecker:   healthChecker,
		APIKey:          svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Let in-flight runs finish their current stages. Pending
	// approvals are the one open-ended wait, so this is bounded.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := pipelineService.Drain(drainCtx); err != nil {
		slog.Warn("Runs still in flight at shutdown", "error", err)
	}

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}

// newRegistry builds a registry client from a manifest ref.
// mem://<name> is an in-process registry for local development; anything
// else is treated as an OCI repository reference, with oci:// stripped.
func newRegistry(ref string, cfg *config.ServiceConfig) (registry.Registry, error) {
	switch {
	case ref == "":
		return nil, fmt.Errorf("empty registry ref")
	case strings.HasPrefix(ref, "mem://"):
		return registry.NewMemory(), nil
	default:
		return oci.New(strings.TrimPrefix(ref, "oci://"), oci.Config{
			Username:  cfg.RegistryUsername,
			Password:  cfg.RegistryPassword,
			PlainHTTP: config.GetEnv("REGISTRY_PLAIN_HTTP", "false") == "true",
		})
	}
}

// newBuilder selects the build backend. "docker" is the default; "stub"
// hashes the commit without building, for wiring tests and demos.
func newBuilder(ctx context.Context, checks map[string]health.ReadinessChecker) (build.Builder, error) {
	switch backend := config.GetEnv("BUILDER", "docker"); backend {
	case "docker":
		b, err := builddocker.NewBuilder(ctx, builddocker.LoadConfigFromEnv())
		if err != nil {
			return nil, err
		}
		checks["builder"] = health.ReadinessFunc(b.Ready)
		slog.Info("Connected to Docker daemon")
		return b, nil
	case "stub":
		slog.Warn("Using stub builder - artifacts are commit hashes, not builds")
		return build.BuilderFunc(func(ctx context.Context, commitSHA string) ([]byte, error) {
			return []byte("commit:" + commitSHA), nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown builder %q: must be docker or stub", backend)
	}
}
