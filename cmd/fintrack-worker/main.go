package main

import (
	"context"
	"os"

	"fintrack/internal/backend"
	"fintrack/internal/cli"
	"fintrack/internal/log"
	"fintrack/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg)

	logger.Info("Starting fintrack-worker")

	if cfg.CacheBackend == string(backend.MemoryBackend) {
		logger.Info("Memory cache backend lives inside the server process, nothing to sweep")
		return
	}

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	backendCfg, err := backend.FromAppConfig(cfg, repo.DB())
	if err != nil {
		logger.Error("Invalid cache backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	// Sweep failures are logged per pass.
	backendCfg.BreakerEnabled = false

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

	ctx, done := cli.GracefulShutdown(logger, cfg.ShutdownTimeout, nil)

	janitor := worker.NewJanitor(storeRes.Store, cfg.CacheTTL, nil, logger)
	janitor.Run(ctx, cfg.JanitorInterval)

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped gracefully")
}
