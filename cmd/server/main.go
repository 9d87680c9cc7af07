package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/solenrich/service/cache"
	"github.com/brojonat/solenrich/service/config"
	"github.com/brojonat/solenrich/service/db"
	"github.com/brojonat/solenrich/service/enrich"
	"github.com/brojonat/solenrich/service/metrics"
	natspkg "github.com/brojonat/solenrich/service/nats"
	"github.com/brojonat/solenrich/service/server"
	"github.com/brojonat/solenrich/service/solana"
	"github.com/brojonat/solenrich/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any setting is invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	registry := enrich.DefaultRegistry()
	if cfg.RegistryPath != "" {
		loaded, err := enrich.LoadRegistryFile(cfg.RegistryPath)
		if err != nil {
			logger.Error("failed to load program registry", "path", cfg.RegistryPath, "error", err)
			os.Exit(1)
		}
		registry = loaded
	}
	enricher := enrich.NewEnricher(registry, cfg.EnrichWorkers, metricsCollector, logger)
	logger.Info("initialized enricher",
		"programs", len(registry.Entries()),
		"workers", cfg.EnrichWorkers,
	)

	deps := server.Dependencies{Enricher: enricher}

	// Optional backends are only wired when configured. Interfaces are
	// assigned inside the branches so a disabled backend stays a nil interface.
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		store := db.NewStore(dbPool, metricsCollector)
		if err := store.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure database schema", "error", err)
			os.Exit(1)
		}
		deps.Store = store
		logger.Info("connected to database")
	}

	if cfg.RedisURL != "" {
		redisClient, err := cache.NewClient(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to create redis client", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()

		deduper, err := cache.NewDeduper(redisClient, cfg.DedupTTL)
		if err != nil {
			logger.Error("failed to create deduper", "error", err)
			os.Exit(1)
		}
		deps.Deduper = deduper
		logger.Info("delivery de-duplication enabled", "ttl", cfg.DedupTTL)
	}

	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		deps.Publisher = publisher

		stream, err := server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create SSE publisher", "error", err)
			os.Exit(1)
		}
		defer stream.Close()
		deps.Stream = stream
	}

	if cfg.SolanaRPCURL != "" {
		rpc, err := solana.NewRPCClient(cfg.SolanaRPCURL)
		if err != nil {
			logger.Error("failed to create solana RPC client", "error", err)
			os.Exit(1)
		}
		deps.Solana = solana.NewClient(rpc, metricsCollector, logger)
		logger.Info("initialized solana RPC client")
	}

	if cfg.TemporalEnabled {
		temporalClient, err := temporal.NewClient(
			cfg.TemporalHost,
			cfg.TemporalNamespace,
			cfg.TemporalTaskQueue,
			logger,
		)
		if err != nil {
			logger.Error("failed to create temporal client", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()
		deps.Scheduler = temporalClient
		logger.Info("connected to temporal",
			"host", cfg.TemporalHost,
			"namespace", cfg.TemporalNamespace,
			"task_queue", cfg.TemporalTaskQueue,
		)
	}

	httpServer := server.New(cfg, deps, metricsCollector, logger)

	logger.Info("server initialized",
		"persistence", deps.Store != nil,
		"dedup", deps.Deduper != nil,
		"publish", deps.Publisher != nil,
		"backfill", deps.Solana != nil,
		"async", deps.Scheduler != nil,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
