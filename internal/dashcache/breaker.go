package dashcache

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"fintrack/internal/log"
)

// BreakerConfig controls when BreakerStore stops calling its backend.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	MaxRequests      uint32
	Interval         time.Duration
	OpenTimeout      time.Duration
	Logger           *log.Logger
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "dashboard-cache-store",
		FailureThreshold: 5,
		MaxRequests:      1,
		Interval:         time.Minute,
		OpenTimeout:      30 * time.Second,
	}
}

// BreakerStore wraps a Store with a circuit breaker so a failing backend
// fails fast. While open every call returns gobreaker.ErrOpenState, which
// the Service counts as a storage error and computes through.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerStore(next Store, cfg BreakerConfig) *BreakerStore {
	def := DefaultBreakerConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentCache)

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrEntryNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Cache store breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &BreakerStore{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State reports the breaker state, mainly for readiness checks.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerStore) Find(ctx context.Context, key string) (Entry, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Find(ctx, key)
	})
	e, _ := v.(Entry)
	return e, err
}

func (b *BreakerStore) Upsert(ctx context.Context, e Entry) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Upsert(ctx, e)
	})
	return err
}

func (b *BreakerStore) Delete(ctx context.Context, f Filter) (int64, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Delete(ctx, f)
	})
	n, _ := v.(int64)
	return n, err
}

func (b *BreakerStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.DeleteExpired(ctx, before)
	})
	n, _ := v.(int64)
	return n, err
}
