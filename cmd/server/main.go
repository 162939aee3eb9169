package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/splitledger/service/chain"
	"github.com/brojonat/splitledger/service/config"
	"github.com/brojonat/splitledger/service/db"
	"github.com/brojonat/splitledger/service/metrics"
	natspkg "github.com/brojonat/splitledger/service/nats"
	"github.com/brojonat/splitledger/service/server"
	"github.com/brojonat/splitledger/service/split"
	"github.com/brojonat/splitledger/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"chain", cfg.ChainName,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	// Verify database connection
	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	store := db.NewStore(dbPool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize chain RPC client
	// Note: For premium RPC endpoints, include API key in the URL
	rpc, err := chain.DialRPC(ctx, cfg.ChainRPCURL)
	if err != nil {
		logger.Error("failed to connect to chain rpc", "error", err)
		os.Exit(1)
	}
	defer rpc.Close()
	chainClient := chain.NewClient(rpc, chain.TokensFromConfig(cfg.Tokens), cfg.LogBlockRange,
		endpointLabel(cfg.ChainRPCURL), metricsCollector, logger)
	logger.Info("initialized chain client", "chain", cfg.ChainName, "tokens", len(cfg.Tokens))

	// NATS is optional here: without it ledger events are not fanned out and SSE is off.
	var publisher split.Publisher
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Warn("NATS unavailable, event publishing disabled", "url", cfg.NATSURL, "error", err)
	} else {
		defer natsPublisher.Close()
		publisher = natsPublisher
	}

	var stream *server.LedgerStream
	if natsPublisher != nil {
		stream, err = server.NewLedgerStream(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("failed to start ledger stream", "error", err)
			stream = nil
		}
	}

	prices := split.NewPrices(cfg.TokenPricesUSD)
	indexer := split.NewIndexer(store, chainClient, publisher, split.IndexerConfig{
		PlatformWallet: cfg.PlatformWallet,
		StartBlock:     cfg.SplitStartBlock,
		OverlapBlocks:  cfg.ReindexOverlapBlocks,
		Prices:         prices,
	}, metricsCollector, logger)
	reconciler := split.NewReconciler(store, publisher, split.ReconcilerConfig{
		TimeWindow:   cfg.ReconcileWindow,
		TolerancePct: decimal.NewNullDecimal(cfg.ReconcileTolerancePct),
		Prices:       prices,
	}, metricsCollector, logger)

	deps := server.Deps{
		Config:     cfg,
		Store:      store,
		Indexer:    indexer,
		Reconciler: reconciler,
		Stream:     stream,
		Metrics:    metricsCollector,
		Logger:     logger,
	}

	// Temporal is optional: without it schedules are off and async webhooks run inline.
	temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
	if err != nil {
		logger.Warn("temporal unavailable, schedules disabled", "host", cfg.TemporalHost, "error", err)
	} else {
		defer temporalClient.Close()
		deps.Scheduler = temporalClient
		deps.Starter = temporalClient
	}

	httpServer := server.New(cfg.ServerAddr, deps)

	logger.Info("server initialized, all dependencies ready",
		"nats", publisher != nil,
		"temporal", temporalClient != nil,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
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
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// endpointLabel returns the RPC host for metrics labels, dropping any key in the path or query.
func endpointLabel(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	return parsed.Hostname()
}
