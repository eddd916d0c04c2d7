// Remedy - Automated Runtime Error Remediation Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/remedylabs/remedy/internal/api"
	"github.com/remedylabs/remedy/internal/bus"
	"github.com/remedylabs/remedy/internal/config"
	"github.com/remedylabs/remedy/internal/middleware"
	"github.com/remedylabs/remedy/internal/orchestrator"
	"github.com/remedylabs/remedy/internal/proposer"
	"github.com/remedylabs/remedy/internal/retrieval"
	"github.com/remedylabs/remedy/internal/sandbox"
	"github.com/remedylabs/remedy/internal/store"
	"github.com/remedylabs/remedy/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	runner, err := sandbox.NewDockerRunner(cfg.SandboxImageOverrides())
	if err != nil {
		slog.Error("Failed to initialize sandbox runner", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox runner initialized")

	proposerClient := proposer.NewClient(proposer.ClientConfig{
		BaseURL:        cfg.Proposer.BaseURL,
		APIKey:         cfg.Proposer.APIKey,
		RequestTimeout: cfg.Proposer.RequestTimeout,
		Retry: proposer.RetryPolicy{
			MaxRetries:        cfg.Proposer.MaxRetries,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
			Jitter:            true,
		},
	}, logger)

	// Context retrieval is optional; without it sessions run on caller
	// context alone.
	var retriever retrieval.Retriever
	if cfg.Retrieval.BaseURL != "" {
		retriever = retrieval.NewClient(cfg.Retrieval.BaseURL, nil, logger)
		slog.Info("Context retrieval enabled", "url", cfg.Retrieval.BaseURL)
	}

	eventBus := bus.New(bus.Options{
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		ReplaySize:       cfg.Stream.ReplaySize,
	})

	limits := sandbox.DefaultLimits()
	limits.MemoryBytes = cfg.Sandbox.MemoryBytes
	limits.PidsLimit = cfg.Sandbox.PidsLimit
	limits.Timeout = cfg.Sandbox.Timeout
	limits.NetworkEnabled = cfg.Sandbox.NetworkEnabled

	orch := orchestrator.New(orchestrator.Config{
		DefaultMaxAttempts: cfg.Session.DefaultMaxAttempts,
		MaxAttemptsCap:     cfg.Session.MaxAttemptsCap,
		RetryDelay:         cfg.Session.RetryDelay,
		ApprovalTimeout:    cfg.Session.ApprovalTimeout,
		SandboxLimits:      limits,
		RepoRoot:           cfg.Retrieval.RepoRoot,
	}, repo, runner, proposerClient, retriever, eventBus, logger)

	// Initialize handlers.
	sessionHandler := api.NewSessionHandler(orch)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := stream.NewHandler(orch, eventBus, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// WebSocket endpoints: a general control socket and a per-session
	// event stream.
	r.Get("/ws/stream", wsHandler.ServeHTTP)
	r.Get("/ws/sessions/{sessionID}/events", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses
		IdleTimeout:  120 * time.Second,
	}

	// Start retention worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchestrator.StartRetentionWorker(ctx, repo, orch, cfg.Session.Retention)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
