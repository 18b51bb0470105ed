package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	authapi "argent/internal/authorization/api"
	"argent/internal/authorization/application"
	"argent/internal/authorization/dispatcher"
	"argent/internal/authorization/infrastructure/postgres"
	"argent/internal/authorization/infrastructure/sqs"
	"argent/internal/common/config"
	"argent/internal/common/logging"
	"argent/internal/common/metrics"
	"argent/internal/common/types"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup structured logging
	logging.Setup(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Generate correlation ID for startup
	startupCtx := logging.WithCorrelationID(ctx, types.NewCorrelationID())

	logging.InfoContext(startupCtx, "Starting Argent authorization API",
		"port", cfg.Port,
		"environment", cfg.Environment,
		"log_level", cfg.LogLevel,
	)

	pool, err := cfg.NewPostgresPool(ctx)
	if err != nil {
		logging.ErrorContext(startupCtx, "Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	sqsClient, err := sqs.NewClient(ctx, cfg)
	if err != nil {
		logging.ErrorContext(startupCtx, "Failed to create SQS client", "error", err)
		os.Exit(1)
	}
	publisher := sqs.NewPublisher(sqsClient, cfg.AuthRequestsQueueURL, cfg.VoidRequestsQueueURL)

	// Setup Authorization context backed by Postgres
	store := postgres.NewDataStore(pool)
	service := application.NewAuthorizationService(store, cfg.FastPathTimeout(), cfg.FastPathPollInterval())
	outbox := dispatcher.New(store, publisher, cfg.OutboxPollInterval(), cfg.OutboxBatchSize)

	// Setup HTTP server
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", healthHandler)

	// Ready check endpoint (checks dependencies)
	mux.HandleFunc("GET /ready", readyHandler(pool))

	// Prometheus metrics endpoint
	mux.Handle("GET /metrics", metrics.Handler())

	authapi.NewHandler(service).RegisterRoutes(mux)

	logging.InfoContext(startupCtx, "Authorization context initialized")

	// Middleware chain: metrics -> correlation -> handler
	handler := metrics.Middleware(correlationMiddleware(mux))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Outbox dispatcher runs alongside the API so a queued request is on the
	// bus before the fast-path poll gives up.
	g.Go(func() error {
		return outbox.Run(gctx)
	})

	g.Go(func() error {
		logging.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("Server exited with error", "error", err)
		os.Exit(1)
	}

	logging.Info("Server stopped")
}

// requestTimeout is the maximum time allowed for processing a single request.
// It must exceed the fast-path poll budget or every authorize call would be
// cut off mid-wait.
const requestTimeout = 30 * time.Second

// correlationMiddleware adds correlation ID and request timeout to each request.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check for existing correlation ID in header
		corrID := types.CorrelationID(r.Header.Get("X-Correlation-ID"))
		if corrID.IsEmpty() {
			corrID = types.NewCorrelationID()
		}

		// Add request timeout to prevent runaway requests
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		// Add correlation ID to context
		ctx = logging.WithCorrelationID(ctx, corrID)

		// Set response header
		w.Header().Set("X-Correlation-ID", corrID.String())

		// Log request
		logging.InfoContext(ctx, "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// healthHandler returns basic health status.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

// readyHandler checks if all dependencies are available.
func readyHandler(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := pool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "unavailable",
				"reason": "database unreachable",
			})
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "ready",
		})
	}
}
