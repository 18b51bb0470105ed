package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"argent/internal/authorization/application"
	"argent/internal/authorization/infrastructure/postgres"
	"argent/internal/authorization/infrastructure/sqs"
	"argent/internal/authorization/infrastructure/tokenservice"
	"argent/internal/authorization/processors"
	"argent/internal/authorization/worker"
	"argent/internal/common/config"
	"argent/internal/common/logging"
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

	startupCtx := logging.WithCorrelationID(ctx, types.NewCorrelationID())

	logging.InfoContext(startupCtx, "Starting Argent authorization worker",
		"worker_id", cfg.WorkerID,
		"queue_url", cfg.AuthRequestsQueueURL,
		"environment", cfg.Environment,
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
	queue := sqs.NewQueue(sqsClient, cfg.AuthRequestsQueueURL,
		time.Duration(cfg.WaitTimeS)*time.Second,
		time.Duration(cfg.VisibilityTimeoutS)*time.Second,
	)

	store := postgres.NewDataStore(pool)
	tokens := tokenservice.NewClient(cfg.TokenServiceBaseURL, cfg.TokenServiceAuthToken, cfg.TokenServiceTimeout())

	processing := application.NewProcessingService(store, tokens, processors.Default(), application.ProcessingConfig{
		WorkerID:         cfg.WorkerID,
		MaxRetries:       cfg.MaxRetries,
		LockTTL:          cfg.LockTTL(),
		ProcessorTimeout: cfg.ProcessorTimeout(),
	})

	consumer := worker.NewConsumer(queue, processing, cfg.WorkerBatchSize)
	janitor := worker.NewJanitor(store.Locks(), cfg.LockSweepInterval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		return janitor.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}

	logging.Info("Worker stopped")
}
