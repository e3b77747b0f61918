package main

import (
	"context"
	"errors"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fintrack/internal/amqp"
	"fintrack/internal/backend"
	"fintrack/internal/cli"
	"fintrack/internal/config"
	"fintrack/internal/dashcache"
	apphttp "fintrack/internal/http"
	"fintrack/internal/log"
	"fintrack/internal/metrics"
	"fintrack/internal/services"
	"fintrack/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	backendCfg, err := backend.FromAppConfig(cfg, repo.DB())
	if err != nil {
		logger.Error("Invalid cache backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	storeRes, err := backend.NewFactory(logger).CreateStore(context.Background(), backendCfg)
	if err != nil {
		logger.Error("Failed to create cache store", log.FieldError, err, "backend", cfg.CacheBackend)
		os.Exit(1)
	}
	if storeRes.Cleanup != nil {
		defer func() {
			if err := storeRes.Cleanup(); err != nil {
				logger.Warn("Cache store cleanup failed", log.FieldError, err)
			}
		}()
	}

	builder := services.NewDashboardBuilder(repo, cfg.HistoryMonths)
	dashboards := dashcache.NewService(storeRes.Store, builder.Build, dashcache.Config{
		TTL:          cfg.CacheTTL,
		MaxSizeBytes: cfg.CacheMaxBytes,
		Logger:       logger,
		Observer:     m,
	})

	bus := newBroadcaster(cfg, logger)
	ledger := services.NewLedgerService(repo, dashboards, bus, m, logger)

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Dashboards: dashboards,
		Ledger:     ledger,
		Metrics:    m,
		Logger:     logger,
		Ready: func(ctx context.Context) error {
			if err := repo.Ping(ctx); err != nil {
				return err
			}
			return storeRes.Ping(ctx)
		},
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	ctx, done := cli.GracefulShutdown(logger, cfg.ShutdownTimeout, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
		if err := ledger.Close(); err != nil {
			logger.Warn("Broadcaster close failed", log.FieldError, err)
		}
	})

	if bus != nil {
		go consumeInvalidations(ctx, bus, dashboards, m, logger)
	}

	// In-process rows are invisible to fintrack-worker, so the server sweeps them.
	if backendCfg.Type == backend.MemoryBackend {
		go worker.NewJanitor(storeRes.Store, cfg.CacheTTL, m, logger).Run(ctx, cfg.JanitorInterval)
	}

	logger.Info("Starting fintrack server",
		"port", cfg.Port,
		"cache_backend", cfg.CacheBackend,
		"cache_ttl", cfg.CacheTTL.String(),
		"broadcast", bus != nil)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}

// newBroadcaster returns nil when AMQP is not configured. A broker that is
// down at startup is retried lazily on publish and by the consumer loop.
func newBroadcaster(cfg *config.Config, logger *log.Logger) *amqp.Client {
	if cfg.AMQPURL == "" {
		logger.Info("AMQP_URL not set, invalidations stay local to this process")
		return nil
	}
	host, _ := os.Hostname()
	origin := host + "-" + uuid.NewString()[:8]

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, origin, logger)
	if err != nil {
		logger.Warn("AMQP broker unreachable at startup, will retry", log.FieldError, err, log.FieldOrigin, origin)
	}
	return client
}

func consumeInvalidations(ctx context.Context, bus *amqp.Client, purger amqp.Purger, m *metrics.Metrics, logger *log.Logger) {
	purge := amqp.PurgeHandler(purger, logger)
	handler := func(ctx context.Context, msg *amqp.InvalidationMessage) error {
		if err := purge(ctx, msg); err != nil {
			m.Broadcast("in", "error")
			return err
		}
		m.Broadcast("in", "ok")
		m.Invalidated("remote", 0)
		return nil
	}
	if err := bus.Consume(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Invalidation consumer stopped", log.FieldError, err)
	}
}
