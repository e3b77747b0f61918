package backend

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	redisstore "fintrack/internal/backend/redis"
	"fintrack/internal/dashcache"
	"fintrack/internal/log"
	"fintrack/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Discard()
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateStore implements Factory.CreateStore
func (f *DefaultFactory) CreateStore(ctx context.Context, config Config) (*StoreResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		res *StoreResult
		err error
	)
	switch config.Type {
	case SQLiteBackend:
		res = f.createSQLiteStore(config)
	case RedisBackend:
		res, err = f.createRedisStore(ctx, config)
	case MemoryBackend:
		res = f.createMemoryStore(config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}

	if config.BreakerEnabled {
		res.Store = dashcache.NewBreakerStore(res.Store, dashcache.BreakerConfig{
			Name:             "dashcache-" + config.Type.String(),
			FailureThreshold: config.BreakerThreshold,
			OpenTimeout:      config.BreakerTimeout,
			Logger:           f.logger,
		})
	}
	return res, nil
}

func (f *DefaultFactory) createSQLiteStore(config Config) *StoreResult {
	f.logger.Info("Initialized SQLite cache store")
	return &StoreResult{
		Store: storage.NewCacheStore(config.SQLiteDB),
		Ping:  config.SQLiteDB.PingContext,
	}
}

func (f *DefaultFactory) createRedisStore(ctx context.Context, config Config) (*StoreResult, error) {
	opts, err := goredis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	cli := goredis.NewClient(opts)

	if err := cli.Ping(ctx).Err(); err != nil {
		// Redis being down at startup degrades to computing every dashboard.
		f.logger.Warn("Redis unreachable at startup, cache reads will fail until it recovers", log.FieldError, err)
	}

	store := redisstore.NewStore(cli, redisstore.DefaultPrefix, config.Retention)
	f.logger.Info("Initialized Redis cache store", "addr", opts.Addr, "db", opts.DB)

	return &StoreResult{
		Store:   store,
		Ping:    store.Ping,
		Cleanup: cli.Close,
	}, nil
}

func (f *DefaultFactory) createMemoryStore(config Config) *StoreResult {
	f.logger.Info("Initialized memory cache store", "max_entries", config.MaxEntries)
	return &StoreResult{
		Store: dashcache.NewMemoryStore(config.MaxEntries, config.Retention),
		Ping:  func(context.Context) error { return nil },
	}
}
