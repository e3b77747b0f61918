package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port               string
	RateLimitPerMinute int
	ShutdownTimeout    time.Duration

	// Database
	SQLiteDBPath string

	// Dashboard cache
	CacheBackend    string
	CacheTTL        time.Duration
	CacheMaxBytes   int
	CacheMaxEntries int
	RedisURL        string
	JanitorInterval time.Duration
	HistoryMonths   int

	// Store circuit breaker
	BreakerEnabled          bool
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration

	// AMQP invalidation broadcast (disabled when AMQPURL is empty)
	AMQPURL      string
	AMQPExchange string

	// Logging
	LogLevel  string
	LogFormat string
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

func Load() *Config {
	cfg := &Config{
		Port:               getEnv("PORT", "8081"),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/fintrack.db"),

		CacheBackend:    strings.ToLower(getEnv("CACHE_BACKEND", BackendSQLite)),
		CacheTTL:        getEnvDuration("CACHE_TTL", 300*time.Second),
		CacheMaxBytes:   getEnvInt("CACHE_MAX_BYTES", 512*1024),
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 1000),
		RedisURL:        getEnv("REDIS_URL", ""),
		JanitorInterval: getEnvDuration("JANITOR_INTERVAL", time.Minute),
		HistoryMonths:   getEnvInt("HISTORY_MONTHS", 6),

		BreakerEnabled:          getEnvBool("BREAKER_ENABLED", true),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenTimeout:      getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "fintrack.dashcache"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate cache backend
	validBackends := []string{BackendSQLite, BackendRedis, BackendMemory}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.CacheBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid cache backend '%s': must be one of %v", c.CacheBackend, validBackends))
	}

	// The ledger always lives in SQLite
	if c.SQLiteDBPath == "" {
		errors = append(errors, "SQLite database path cannot be empty")
	} else {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.CacheBackend == BackendRedis {
		if c.RedisURL == "" {
			errors = append(errors, "REDIS_URL is required when using redis cache backend")
		} else if u, err := url.Parse(c.RedisURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid Redis URL '%s': %v", c.RedisURL, err))
		} else if u.Scheme != "redis" && u.Scheme != "rediss" {
			errors = append(errors, fmt.Sprintf("invalid Redis URL scheme '%s': must be 'redis' or 'rediss'", u.Scheme))
		}
	}

	if c.CacheTTL < time.Second {
		errors = append(errors, fmt.Sprintf("invalid cache TTL %v: must be at least 1 second", c.CacheTTL))
	}
	if c.CacheMaxBytes < 1024 {
		errors = append(errors, fmt.Sprintf("invalid cache max bytes %d: must be at least 1024", c.CacheMaxBytes))
	}
	if c.CacheBackend == BackendMemory && c.CacheMaxEntries < 1 {
		errors = append(errors, fmt.Sprintf("invalid cache max entries %d: must be at least 1", c.CacheMaxEntries))
	}
	if c.JanitorInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid janitor interval %v: must be at least 1 second", c.JanitorInterval))
	} else if c.JanitorInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid janitor interval %v: must be at most 24 hours", c.JanitorInterval))
	}
	if c.HistoryMonths < 1 || c.HistoryMonths > 24 {
		errors = append(errors, fmt.Sprintf("invalid history months %d: must be between 1 and 24", c.HistoryMonths))
	}

	if c.BreakerEnabled {
		if c.BreakerFailureThreshold < 1 {
			errors = append(errors, fmt.Sprintf("invalid breaker failure threshold %d: must be at least 1", c.BreakerFailureThreshold))
		}
		if c.BreakerOpenTimeout < time.Second {
			errors = append(errors, fmt.Sprintf("invalid breaker open timeout %v: must be at least 1 second", c.BreakerOpenTimeout))
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if c.RateLimitPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitPerMinute))
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
