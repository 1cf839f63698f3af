package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/roomspark/roomspark/internal/common/config"
	"github.com/roomspark/roomspark/internal/common/logger"
	"github.com/roomspark/roomspark/internal/events/bus"
	"github.com/roomspark/roomspark/internal/matrix"
	"github.com/roomspark/roomspark/internal/orchestrator/api"
	"github.com/roomspark/roomspark/internal/orchestrator/reconciler"
	"github.com/roomspark/roomspark/internal/orchestrator/scheduler"
	"github.com/roomspark/roomspark/internal/orchestrator/spawner"
	"github.com/roomspark/roomspark/internal/spark"
	"github.com/roomspark/roomspark/internal/statestore"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting orchestrator...",
		zap.String("workspace", cfg.Workspace.Name),
		zap.Int("projects", len(cfg.Projects)))

	// 3. Cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Open the state store
	store, err := statestore.Open(cfg.Runtime.StateFile, log)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}

	// 5. Event bus (in-memory unless nats.url is set)
	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// Mirror lifecycle events into the log for operators.
	eventLog := log.WithFields(zap.String("component", "events"))
	logEvent := func(ctx context.Context, event *bus.Event) error {
		eventLog.Info("event received",
			zap.String("type", event.Type),
			zap.String("source", event.Source),
			zap.Any("data", event.Data))
		return nil
	}
	for _, subject := range []string{"task.>", "reconcile.>"} {
		if _, err := eventBus.Subscribe(subject, logEvent); err != nil {
			log.Fatal("Failed to subscribe to event bus", zap.String("subject", subject), zap.Error(err))
		}
	}

	// 6. Chat client, logging in when only a password is configured
	chat := matrix.NewClient(matrix.Config{
		HomeserverURL: cfg.HomeserverURL,
		UserID:        cfg.BotUserID,
		AccessToken:   cfg.BotAccessToken,
	}, log)
	if cfg.BotAccessToken == "" {
		if err := chat.Login(ctx, cfg.BotPassword); err != nil {
			log.Fatal("Matrix login failed", zap.Error(err))
		}
	}

	// 7. Sandbox client
	sandbox := spark.NewClient(log)

	// 8. Wire reconciler, pipeline, scheduler
	rec := reconciler.New(chat, sandbox, store, cfg, eventBus, log)
	pipeline := spawner.New(chat, sandbox, store, cfg, eventBus, log)
	sched := scheduler.New(chat, sandbox, rec, pipeline, store, cfg, log)

	if err := sched.Initialize(ctx); err != nil {
		log.Fatal("Initialization failed", zap.Error(err))
	}

	// 9. Operational HTTP API
	server := api.NewServer(store, sched, eventBus, cfg, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("HTTP server error", zap.Error(err))
		}
	}()

	// 10. Run the sync loop until cancelled
	runErr := sched.Run(ctx)

	log.Info("Shutting down orchestrator...")
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if runErr != nil {
		log.Error("Sync loop aborted", zap.Error(runErr))
		log.Sync()
		os.Exit(1)
	}
	log.Info("Orchestrator stopped")
}
