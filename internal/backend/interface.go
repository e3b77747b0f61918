package backend

import (
	"context"
	"database/sql"
	"time"

	"fintrack/internal/dashcache"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// PingFunc reports whether the store backend is reachable
type PingFunc func(ctx context.Context) error

// StoreResult contains the cache store and its lifecycle hooks
type StoreResult struct {
	Store   dashcache.Store
	Ping    PingFunc
	Cleanup CleanupFunc
}

// Factory creates cache stores based on configuration
type Factory interface {
	CreateStore(ctx context.Context, config Config) (*StoreResult, error)
}

// Config holds configuration for store creation
type Config struct {
	Type BackendType

	// SQLite shares the ledger's connection pool
	SQLiteDB *sql.DB

	// Redis specific
	RedisURL string

	// Memory specific
	MaxEntries int

	// Retention bounds how long any backend keeps a row regardless of the
	// janitor. It must exceed the cache TTL.
	Retention time.Duration

	// Circuit breaker around the chosen store
	BreakerEnabled   bool
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// BackendType represents the type of cache store
type BackendType string

const (
	SQLiteBackend BackendType = "sqlite"
	RedisBackend  BackendType = "redis"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case SQLiteBackend, RedisBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
