package backend

import (
	"database/sql"
	"fmt"

	"fintrack/internal/config"
)

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config, db *sql.DB) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.CacheBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.CacheBackend)
	}

	return Config{
		Type:             backendType,
		SQLiteDB:         db,
		RedisURL:         appConfig.RedisURL,
		MaxEntries:       appConfig.CacheMaxEntries,
		Retention:        2 * appConfig.CacheTTL,
		BreakerEnabled:   appConfig.BreakerEnabled,
		BreakerThreshold: uint32(appConfig.BreakerFailureThreshold),
		BreakerTimeout:   appConfig.BreakerOpenTimeout,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}

	switch c.Type {
	case SQLiteBackend:
		if c.SQLiteDB == nil {
			return fmt.Errorf("sqlite backend requires an open database")
		}
	case RedisBackend:
		if c.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis backend")
		}
	case MemoryBackend:
		if c.MaxEntries < 1 {
			return fmt.Errorf("memory backend requires a positive entry limit")
		}
	}

	if c.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	return nil
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []BackendType {
	return []BackendType{SQLiteBackend, RedisBackend, MemoryBackend}
}

// GetBackendTypeStrings returns all valid backend type strings
func GetBackendTypeStrings() []string {
	types := GetBackendTypes()
	strings := make([]string, len(types))
	for i, t := range types {
		strings[i] = t.String()
	}
	return strings
}
