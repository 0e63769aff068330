package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-router/config"
	"github.com/vnmchuo/llm-router/internal/auth"
	"github.com/vnmchuo/llm-router/internal/catalog"
	"github.com/vnmchuo/llm-router/internal/logging"
	"github.com/vnmchuo/llm-router/internal/monitor"
	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/proxy"
	"github.com/vnmchuo/llm-router/internal/registry"
	"github.com/vnmchuo/llm-router/internal/router"
	"github.com/vnmchuo/llm-router/internal/seeder"
	"github.com/vnmchuo/llm-router/internal/telemetry"
	"github.com/vnmchuo/llm-router/internal/worker"
	"github.com/vnmchuo/llm-router/pkg/ratelimit"
)

const serviceName = "llm-router"

func main() {
	if err := run(); err != nil {
		slog.Error("llm-router exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()

	ctx := context.Background()
	seed := os.Getenv("RUN_SEED") == "true"

	// 3. Connect PostgreSQL
	var pool *pgxpool.Pool
	if cfg.PostgresDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("failed to ping postgres: %w", err)
		}
		logger.Info("postgres connected")
	}

	// 4. Connect Redis
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		logger.Info("redis connected")
	}

	// 5. Load catalog
	store, err := loadCatalog(ctx, cfg, pool)
	if err != nil {
		return err
	}
	if seed {
		if _, err := seeder.SeedDemoCatalog(ctx, store, logger); err != nil {
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
	}

	// 6. Init provider registry
	workers := worker.NewPool(cfg.LocalInferenceWorkers)
	defer workers.Close()
	clients := registry.New(registry.DefaultFactories(), registry.Options{
		Provider: provider.Options{DefaultTimeout: cfg.DefaultTimeout, Logger: logger},
		Pool:     workers,
		Breaker: registry.BreakerSettings{
			Threshold: cfg.BreakerFailureThreshold,
			Timeout:   cfg.BreakerTimeout,
		},
		Logger: logger,
	})
	defer func() {
		if err := clients.Close(); err != nil {
			logger.Warn("closing provider clients", "error", err)
		}
	}()

	// 7. Init monitoring
	sink, closeSink, err := newSink(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer closeSink()
	var metrics http.Handler
	if cfg.MetricsEnabled {
		sink = monitor.NewMetricsSink(prometheus.DefaultRegisterer, sink)
		metrics = promhttp.Handler()
	}

	// 8. Init routing engine
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	engine := router.New(router.Options{
		Catalog:  store,
		Registry: clients,
		Limiter:  ratelimit.NewBuckets(),
		Sink:     sink,
		Tracer:   tracer,
		Logger:   logger,
	})
	if err := engine.Sync(ctx); err != nil {
		return fmt.Errorf("failed to load rate limits: %w", err)
	}
	store.Subscribe(engine.HandleChange)

	// 9. Init auth and quota
	var authMiddleware auth.Middleware
	if cfg.RequireAuth {
		authStore := auth.NewPostgresStore(pool)
		if err := authStore.EnsureSchema(ctx); err != nil {
			return err
		}
		var cache auth.Cache
		if rdb != nil {
			cache = auth.NewRedisCache(rdb, 5*time.Minute)
		}
		authMiddleware = auth.NewMiddleware(authStore, cache, logger)
		if seed {
			seeder.SeedTestAPIKey(ctx, authStore, logger)
		}
	} else {
		logger.Warn("authentication disabled, every route is open")
	}

	var quota proxy.Quota
	if cfg.DefaultQuotaRPM > 0 {
		quota = ratelimit.NewQuota(rdb, int(cfg.DefaultQuotaRPM))
	}

	// 10. Init handler
	handler := proxy.NewHandler(engine, store, quota, tracer, logger)

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      proxy.NewRouter(handler, proxy.RouterOptions{Auth: authMiddleware, Metrics: metrics}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("llm-router starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// loadCatalog reads the YAML file and then the Postgres tables into one
// store. A provider name defined in both is a startup error.
func loadCatalog(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (*catalog.MemoryStore, error) {
	store := catalog.NewMemoryStore()
	if cfg.CatalogFile != "" {
		fromFile, err := catalog.LoadFile(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		store = fromFile
	}
	if pool != nil {
		if err := catalog.NewPostgresLoader(pool).Load(ctx, store); err != nil {
			return nil, fmt.Errorf("failed to load catalog from postgres: %w", err)
		}
	}
	return store, nil
}

// newSink builds the invocation store named by MONITOR_BACKEND behind an
// async buffer. The returned close function drains it.
func newSink(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (monitor.Sink, func(), error) {
	var store monitor.Store
	switch cfg.MonitorBackend {
	case "none":
		return monitor.NopSink{}, func() {}, nil
	case "postgres":
		pg := monitor.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		store = pg
	default:
		lite, err := monitor.OpenSQLite(cfg.MonitorSQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store = lite
	}

	async := monitor.NewAsyncSink(store, monitor.AsyncConfig{
		BufferSize:    cfg.MonitorBufferSize,
		FlushInterval: cfg.MonitorFlushInterval,
		Logger:        logger,
	})
	logger.Info("monitoring enabled", "backend", cfg.MonitorBackend)
	return async, func() {
		if err := async.Close(); err != nil {
			logger.Warn("closing monitor sink", "error", err)
		}
	}, nil
}
