package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/basis-company/data-registry/internal/config"
	"github.com/basis-company/data-registry/internal/handler"
	"github.com/basis-company/data-registry/internal/health"
	"github.com/basis-company/data-registry/internal/metrics"
	"github.com/basis-company/data-registry/internal/retry"
	"github.com/basis-company/data-registry/internal/server"
	"github.com/basis-company/data-registry/internal/service"
	"github.com/basis-company/data-registry/internal/store"
)

func main() {
	// .env is optional; real environments set variables directly
	_ = godotenv.Load()

	// Bootstrap logger for startup errors, replaced once config is loaded
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	appLogger, err := buildLogger(cfg.Logging)
	if err != nil {
		logger.Fatal("Failed to build logger", zap.Error(err))
	}
	logger = appLogger
	defer logger.Sync()

	logger.Info("Starting data registry",
		zap.Int("port", cfg.Server.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.String("database_name", cfg.Database.Database),
		zap.String("cache_backend", cfg.Cache.Backend))

	// Initialize metrics
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Both stores share one bounded retry policy
	retryPolicy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Multiplier:  cfg.Retry.Multiplier,
		MaxDelay:    cfg.Retry.MaxDelay,
	}

	// Initialize durable record store (PostgreSQL)
	recordStore, err := store.NewPostgresRecordStore(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		retryPolicy,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize record store", zap.Error(err))
	}
	logger.Info("Record store initialized")

	// Initialize volatile entry cache
	var entryCache store.EntryCache
	switch cfg.Cache.Backend {
	case "redis":
		entryCache, err = store.NewRedisEntryCache(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			retryPolicy,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize entry cache", zap.Error(err))
		}
	case "memory":
		entryCache = store.NewMemoryEntryCache(cfg.Cache.MaxSize, cfg.Cache.CleanupInterval, logger)
	default:
		logger.Fatal("Unknown cache backend", zap.String("backend", cfg.Cache.Backend))
	}
	logger.Info("Entry cache initialized", zap.String("backend", cfg.Cache.Backend))

	// Initialize services
	leaseService := service.NewLeaseService(cfg.Lease.TTL, cfg.Lease.AcquireWait, m, logger)
	registryService := service.NewRegistryService(recordStore, entryCache, leaseService, cfg.Cache.TTL, m, logger)

	reconciler := service.NewReconcilerService(recordStore, entryCache, service.ReconcilerConfig{
		Interval:           cfg.Reconciler.Interval,
		BatchSize:          cfg.Reconciler.BatchSize,
		Parallelism:        cfg.Reconciler.Parallelism,
		SweepRateLimit:     cfg.Reconciler.SweepRateLimit,
		TombstoneRetention: cfg.Reconciler.TombstoneRetention,
		PurgeInterval:      cfg.Reconciler.PurgeInterval,
		CacheTTL:           cfg.Cache.TTL,
	}, m, logger)
	if cfg.Reconciler.Enabled {
		reconciler.Start()
	}

	// Initialize HTTP server
	healthCheck := health.NewHealthCheck(recordStore, entryCache, logger)
	handlers := handler.NewHandlers(registryService, reconciler, m, logger, cfg.Server.RequestTimeout)
	srv := server.NewServer(cfg.Server, handlers, healthCheck, logger)

	// Start metrics server
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Start API server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	// Graceful shutdown
	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}

	if cfg.Reconciler.Enabled {
		if err := reconciler.Stop(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("Reconciler shutdown failed", zap.Error(err))
		}
	}

	healthCheck.Stop()

	if err := entryCache.Close(); err != nil {
		logger.Warn("Entry cache close failed", zap.Error(err))
	}
	recordStore.Close()

	logger.Info("Data registry stopped")
}

// buildLogger constructs the process logger from logging configuration
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
