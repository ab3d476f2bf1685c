package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quest-ledger/internal/auth"
	"github.com/quest-ledger/internal/config"
	"github.com/quest-ledger/internal/handler"
	"github.com/quest-ledger/internal/kafka"
	"github.com/quest-ledger/internal/postgres"
	"github.com/quest-ledger/internal/redis"
	"github.com/quest-ledger/internal/service"
	"github.com/quest-ledger/internal/websocket"
	"github.com/quest-ledger/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Build the reward policy from configuration
	rewardPolicy, err := cfg.Rewards.Policy()
	if err != nil {
		logger.Error("invalid reward policy", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis projection
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	projector, err := redis.NewProjector(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer projector.Close()
	logger.Info("connected to Redis")

	// Initialize PostgreSQL ledger
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	ledger, err := postgres.NewRepository(&cfg.Postgres, rewardPolicy, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := ledger.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize the completion coordinator
	coordinator := service.NewCoordinator(
		ledger,
		projector,
		rewardPolicy,
		&cfg.Leaderboard,
		logger,
	)

	// Set the WebSocket hub on the coordinator for broadcasting
	coordinator.SetHub(wsHub)

	// Initialize the reconciler
	reconciler := worker.NewReconciler(
		ledger,
		projector,
		&cfg.Reconcile,
		logger,
	)

	// Run one cycle on startup to repay unpaid completions and seed the
	// projection from the ledger.
	logger.Info("running startup reconciliation")
	reconciler.RunOnce(ctx)

	// Start the reconciler
	if cfg.Reconcile.Enabled {
		if err := reconciler.Start(ctx); err != nil {
			logger.Error("failed to start reconciler", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Kafka consumer for high-volume progress ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, coordinator, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// Initialize the token verifier
	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		logger.Error("failed to initialize token verifier, set auth.jwt_secret or JWT_SECRET", "error", err)
		os.Exit(1)
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(coordinator, coordinator, wsHub, verifier, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop WebSocket hub
	wsHub.Stop()

	// Stop Kafka consumer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Stop the reconciler
	if cfg.Reconcile.Enabled {
		if err := reconciler.Stop(); err != nil {
			logger.Error("failed to stop reconciler", "error", err)
		}
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
