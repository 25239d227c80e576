// Package main is the entry point for the Relay automation daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/azevedojoel/relay/internal/abort"
	"github.com/azevedojoel/relay/internal/agent"
	"github.com/azevedojoel/relay/internal/config"
	"github.com/azevedojoel/relay/internal/database"
	"github.com/azevedojoel/relay/internal/events"
	"github.com/azevedojoel/relay/internal/leader"
	"github.com/azevedojoel/relay/internal/lock"
	"github.com/azevedojoel/relay/internal/queue"
	"github.com/azevedojoel/relay/internal/run"
	"github.com/azevedojoel/relay/internal/scheduler"
	"github.com/azevedojoel/relay/internal/server"
	"github.com/azevedojoel/relay/internal/workflow"
	"github.com/azevedojoel/relay/pkg/log"
	"github.com/azevedojoel/relay/pkg/metrics"
	"github.com/azevedojoel/relay/pkg/tracing"
)

// Build information, set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	logger := log.New(os.Getenv("RELAY_LOG_LEVEL"), os.Getenv("RELAY_LOG_FORMAT"))

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_time", buildTime).
		Str("go_version", runtime.Version()).
		Msg("starting Relay daemon")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger = log.New(cfg.Log.Level, cfg.Log.Format)

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Initialize metrics
	appMetrics := metrics.New()
	logger.Info().Msg("metrics initialized")

	// Initialize tracing
	var tracer *tracing.Tracer
	if cfg.TracingEnabled() {
		tracer, err = tracing.InitTracer(tracing.Config{
			ServiceName:    "relayd",
			ServiceVersion: version,
			Endpoint:       cfg.Observability.TracingEndpoint,
			Insecure:       cfg.Observability.TracingInsecure,
			SampleRate:     cfg.Observability.TracingSampleRate,
			Environment:    cfg.Observability.Environment,
			Enabled:        true,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize tracing - continuing without tracing")
			tracer = nil
		} else {
			logger.Info().
				Str("endpoint", cfg.Observability.TracingEndpoint).
				Float64("sample_rate", cfg.Observability.TracingSampleRate).
				Msg("tracing initialized")
		}
	} else {
		logger.Info().Msg("tracing disabled")
	}

	// Initialize database
	logger.Info().Msg("connecting to database")
	db, err := database.New(ctx, database.Config{
		URL:               cfg.Database.URL,
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime:   cfg.Database.ConnMaxIdleTime,
		HealthCheckPeriod: time.Minute,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	logger.Info().Msg("database connection established")

	// Apply pending migrations
	migrator, err := database.NewMigrator(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create migrator")
	}
	applied, err := migrator.Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to apply migrations")
	}
	if applied > 0 {
		logger.Info().Int("applied", applied).Msg("migrations applied")
	}

	// Create repositories
	agents := database.NewAgentRepo(db)
	convs := database.NewConversationRepo(db)
	runs := database.NewRunRepo(db)
	schedules := database.NewScheduleRepo(db)
	users := database.NewUserRepo(db)
	prompts := database.NewPromptRepo(db)
	workflows := database.NewWorkflowRepo(db)
	wfRuns := database.NewWorkflowRunRepo(db)

	// Runs left mid-flight by a previous process are unrecoverable; their
	// queue jobs were leased by a worker that no longer exists.
	if n, err := runs.FailInterrupted(ctx, "interrupted by restart"); err != nil {
		logger.Error().Err(err).Msg("failed to fail interrupted runs")
	} else if n > 0 {
		logger.Warn().Int64("count", n).Msg("failed interrupted runs from previous instance")
	}
	if n, err := wfRuns.FailInterrupted(ctx, "interrupted by restart"); err != nil {
		logger.Error().Err(err).Msg("failed to fail interrupted workflow runs")
	} else if n > 0 {
		logger.Warn().Int64("count", n).Msg("failed interrupted workflow runs from previous instance")
	}

	// Locks and leader election
	locks := lock.NewService(db)
	elector := leader.NewElector(locks, leader.Config{
		TTL:      cfg.Scheduler.LeaderTTL,
		Identity: cfg.Scheduler.InstanceID,
	}, logger)

	// Abort registry and websocket event fan-out
	aborts := abort.NewRegistry()
	hub := events.NewHub(logger)
	publisher := events.NewPublisher(hub, logger)

	// Agent runtime client. RequestTimeout bounds session calls only; run
	// requests stay open as long as the job allows.
	var runtimeTransport http.RoundTripper
	if tracer != nil {
		runtimeTransport = tracing.RoundTripper(http.DefaultTransport)
	}
	agentRuntime := agent.NewHTTPRuntime(agent.HTTPConfig{
		BaseURL:        cfg.Runtime.BaseURL,
		Token:          cfg.Runtime.Token,
		RequestTimeout: cfg.Runtime.RequestTimeout,
		Transport:      runtimeTransport,
	}, logger)

	// Job handlers
	executor := run.NewExecutor(runs, schedules, users, agents, convs, agentRuntime, locks, aborts, publisher, run.Config{
		LockNamespace: cfg.Executor.LockNamespace,
		LockTTL:       cfg.Executor.LockTTL,
	}, appMetrics.Runs, logger)

	engine := workflow.NewEngine(workflows, wfRuns, users, agents, prompts, convs, agentRuntime, locks, aborts, publisher, workflow.Config{
		LockNamespace: cfg.Executor.LockNamespace,
		StepLockTTL:   cfg.Executor.LockTTL,
	}, appMetrics.Runs, logger)

	// Durable queues with a shared degraded-mode fallback
	store := queue.NewStore(db)
	chains := queue.NewChains(logger)

	agentJobs := queue.New(queue.Config{
		Name:         queue.AgentRuns,
		Concurrency:  cfg.Queue.AgentConcurrency,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RetryBackoff: cfg.Queue.RetryBackoff,
		JobTimeout:   cfg.Queue.AgentJobTimeout,
		PollInterval: cfg.Queue.PollInterval,
	}, store, executor.HandleJob, chains, appMetrics.Queue, logger)

	wfJobs := queue.New(queue.Config{
		Name:         queue.WorkflowRuns,
		Concurrency:  cfg.Queue.WorkflowConcurrency,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RetryBackoff: cfg.Queue.RetryBackoff,
		JobTimeout:   cfg.Queue.WorkflowJobTimeout,
		PollInterval: cfg.Queue.PollInterval,
	}, store, engine.HandleJob, chains, appMetrics.Queue, logger)

	sweeper := queue.NewSweeper(store, elector, []string{queue.AgentRuns, queue.WorkflowRuns}, queue.SweeperConfig{
		Interval:           cfg.Queue.SweepInterval,
		CompletedRetention: cfg.Queue.CompletedRetention,
		FailedRetention:    cfg.Queue.FailedRetention,
	}, appMetrics.Queue, logger)

	// Scheduler tick
	submitter := scheduler.NewSubmitter(runs, wfRuns, agentJobs, wfJobs, logger)
	sched := scheduler.New(schedules, submitter, elector, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
	}, appMetrics.Scheduler, logger)

	// HTTP API server
	wsHandler := events.NewHandler(hub, events.HandlerConfig{
		AllowedOrigins:  cfg.Events.AllowedOrigins,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}, logger)

	httpServer := server.New(server.Config{
		Port:           cfg.Server.HTTPPort,
		AllowedOrigins: cfg.Events.AllowedOrigins,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		EnableTracing:  tracer != nil,
	}, server.Deps{
		Schedules: schedules,
		Runs:      runs,
		Workflows: workflows,
		WfRuns:    wfRuns,
		Submitter: submitter,
		AgentJobs: agentJobs,
		WfJobs:    wfJobs,
		Aborts:    aborts,
		Engine:    engine,
		RunStats:  appMetrics.Runs,
		Events:    wsHandler,
		Ready:     db.Health,
	}, logger)

	// Metrics server
	metricsServer := server.NewMetricsServer(server.MetricsServerConfig{
		Port:         cfg.Server.MetricsPort,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Path:         "/metrics",
	}, appMetrics, logger)

	// Channel to collect errors from servers
	errCh := make(chan error, 5)

	// Start websocket hub
	go func() {
		hub.Run(ctx)
	}()

	// Start leader election before the components gated on it
	elector.Start(ctx)

	// Start queue workers
	if err := agentJobs.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start agent run queue")
	}
	if err := wfJobs.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start workflow run queue")
	}
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start queue sweeper")
	}

	// Start scheduler tick
	if err := sched.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	// Start HTTP server
	go func() {
		if err := httpServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Start metrics server
	go func() {
		if err := metricsServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	logger.Info().
		Int("http_port", cfg.Server.HTTPPort).
		Int("metrics_port", cfg.Server.MetricsPort).
		Str("instance_id", cfg.Scheduler.InstanceID).
		Msg("Relay daemon started")

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	// Initiate graceful shutdown
	logger.Info().Msg("initiating graceful shutdown")
	cancel()

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error

	// Shutdown tracer first (to flush any pending spans)
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown error")
			shutdownErr = err
		} else {
			logger.Info().Msg("tracer shutdown complete")
		}
	}

	// Stop accepting new work before draining workers
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
		shutdownErr = err
	}

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler shutdown error")
		shutdownErr = err
	}

	if err := sweeper.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("sweeper shutdown error")
		shutdownErr = err
	}

	if err := agentJobs.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("agent run queue shutdown error")
		shutdownErr = err
	}
	if err := wfJobs.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("workflow run queue shutdown error")
		shutdownErr = err
	}

	// Release the leader lease so another instance can take over quickly
	elector.Stop(shutdownCtx)

	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
		shutdownErr = err
	}

	if shutdownErr != nil {
		logger.Error().Msg("shutdown completed with errors")
		os.Exit(1)
	}

	logger.Info().Msg("shutdown completed successfully")
}
