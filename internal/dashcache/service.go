// Package dashcache caches dashboard snapshots in a persisted TTL store and
// coalesces concurrent computations of the same snapshot within a process.
//
// Lookup order for a key is: an in-flight computation for the key, then the
// persisted store (fresh for TTL after fetchedAt), then a single call to the
// compute function whose result is persisted unless it exceeds the size
// ceiling. Storage failures are counted and logged but never returned to
// readers; compute failures are returned unchanged to every waiter.
package dashcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"fintrack/internal/core"
	"fintrack/internal/log"
)

const (
	DefaultTTL          = 300 * time.Second
	DefaultMaxSizeBytes = 512 * 1024
)

// ComputeFunc builds a dashboard snapshot. It must not have side effects.
type ComputeFunc func(ctx context.Context, p core.DashboardParams) (core.Snapshot, error)

// Config tunes a Service. Zero fields fall back to DefaultConfig values.
type Config struct {
	TTL          time.Duration
	MaxSizeBytes int
	Logger       *log.Logger
	Observer     Observer
	Now          func() time.Time
}

func DefaultConfig() Config {
	return Config{
		TTL:          DefaultTTL,
		MaxSizeBytes: DefaultMaxSizeBytes,
		Logger:       log.Discard(),
		Observer:     nopObserver{},
		Now:          time.Now,
	}
}

// Service owns the in-flight table and metrics for one process. Create it
// once and share it between request handlers and mutation services.
type Service struct {
	store    Store
	compute  ComputeFunc
	ttl      time.Duration
	maxSize  int
	logger   *log.Logger
	observer Observer
	now      func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight

	counters counters
}

// flight is the in-flight table entry for one computation. stale is set when
// an invalidation purges the flight; its result is then returned to waiters
// but never persisted.
type flight struct {
	key   Key
	stale atomic.Bool
}

func NewService(store Store, compute ComputeFunc, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = def.MaxSizeBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Observer == nil {
		cfg.Observer = def.Observer
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}

	s := &Service{
		store:    store,
		compute:  compute,
		ttl:      cfg.TTL,
		maxSize:  cfg.MaxSizeBytes,
		logger:   cfg.Logger.WithComponent(log.ComponentCache),
		observer: cfg.Observer,
		now:      cfg.Now,
		flights:  make(map[string]*flight),
	}
	s.counters.reset(s.now())
	return s
}

// Get returns the value cached under key, computing it at most once per
// process at a time. Callers must use a single value type per key.
//
// The shared computation runs detached from the cancellation of whichever
// caller started it. Each caller stops waiting when its own ctx is done and
// gets ctx.Err(); the computation still completes and is persisted.
func Get[T any](ctx context.Context, s *Service, key Key, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	id := key.String()

	ch := s.group.DoChan(id, func() (any, error) {
		f := s.track(id, key)
		defer s.untrack(id, f)

		fctx := context.WithoutCancel(ctx)
		if cached, ok := load[T](fctx, s, id); ok {
			return cached, nil
		}

		val, err := compute(fctx)
		if err != nil {
			return nil, err
		}
		completedAt := s.now()

		s.persist(fctx, f, key, val, completedAt)
		s.counters.miss.Add(1)
		s.observer.CacheMiss()
		return val, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		out, _ := res.Val.(T)
		return out, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Dashboard returns the snapshot for p. A non-empty p.Accounts skips the
// cache entirely and calls the compute function directly.
func (s *Service) Dashboard(ctx context.Context, p core.DashboardParams) (core.Snapshot, error) {
	if len(p.Accounts) > 0 {
		return s.compute(ctx, p)
	}

	key := BuildKey(KeyParams{
		UserID:            p.UserID,
		MonthKey:          string(p.MonthKey),
		AccountID:         p.AccountID,
		PreferredCurrency: p.PreferredCurrency,
	})
	return Get(ctx, s, key, func(ctx context.Context) (core.Snapshot, error) {
		return s.compute(ctx, p)
	})
}

func load[T any](ctx context.Context, s *Service, id string) (T, bool) {
	var zero T

	e, err := s.store.Find(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrEntryNotFound) {
			s.recordError(ctx, errOpRead, id, err)
		}
		return zero, false
	}
	if !e.FetchedAt.After(s.now().Add(-s.ttl)) {
		return zero, false
	}

	var out T
	if err := json.Unmarshal(e.Data, &out); err != nil {
		s.recordError(ctx, errOpDecode, id, err)
		return zero, false
	}

	s.counters.hit.Add(1)
	s.observer.CacheHit()
	return out, true
}

func (s *Service) persist(ctx context.Context, f *flight, key Key, val any, fetchedAt time.Time) {
	id := key.String()
	if f.stale.Load() {
		s.logger.DebugContext(ctx, "Skipping persistence of invalidated computation", log.FieldCacheKey, id)
		return
	}

	data, err := json.Marshal(val)
	if err != nil {
		s.recordError(ctx, errOpEncode, id, err)
		return
	}
	s.observer.PayloadSize(len(data))

	if len(data) > s.maxSize {
		s.logger.WarnContext(ctx, "Snapshot exceeds cache size ceiling, not persisting",
			log.FieldCacheKey, id,
			log.FieldBytes, len(data),
			log.FieldMaxBytes, s.maxSize)
		return
	}

	entry := Entry{
		Key:               id,
		Data:              data,
		MonthKey:          key.Month,
		AccountID:         key.AccountID(),
		PreferredCurrency: key.PreferredCurrency(),
		FetchedAt:         fetchedAt,
	}
	if err := s.store.Upsert(ctx, entry); err != nil {
		s.recordError(ctx, errOpWrite, id, err)
		return
	}

	// An invalidation may have landed between the stale check and the upsert.
	// Only this flight's own row is removed; if it overwrote a newer row first,
	// the next reader recomputes.
	if f.stale.Load() {
		if _, err := s.store.Delete(ctx, Filter{Key: id, FetchedAt: fetchedAt}); err != nil {
			s.recordError(ctx, errOpWrite, id, err)
		}
	}
}

func (s *Service) recordError(ctx context.Context, op, id string, err error) {
	s.counters.err.Add(1)
	s.observer.CacheError(op)
	s.logger.WarnContext(ctx, "Dashboard cache storage error",
		log.FieldOperation, op,
		log.FieldCacheKey, id,
		log.FieldError, err)
}

func (s *Service) track(id string, key Key) *flight {
	f := &flight{key: key}
	s.mu.Lock()
	s.flights[id] = f
	n := len(s.flights)
	s.mu.Unlock()
	s.observer.InFlight(n)
	return f
}

func (s *Service) untrack(id string, f *flight) {
	s.mu.Lock()
	if s.flights[id] == f {
		delete(s.flights, id)
	}
	n := len(s.flights)
	s.mu.Unlock()
	s.observer.InFlight(n)
}

// Metrics returns the current counters and hit rate.
func (s *Service) Metrics() MetricsSnapshot {
	return s.counters.snapshot()
}

// ResetMetrics zeroes the counters and stamps the reset time.
func (s *Service) ResetMetrics() {
	s.counters.reset(s.now())
}

// InFlightCount returns the number of computations currently tracked.
func (s *Service) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flights)
}

// ClearInFlight drops every tracked computation. Running computations still
// return to their waiters but their results are not persisted.
func (s *Service) ClearInFlight() {
	s.PurgeInFlight(Scope{})
}

// MaxCacheSizeBytes is the serialized size above which snapshots are not persisted.
func (s *Service) MaxCacheSizeBytes() int {
	return s.maxSize
}

// TTL is how long a persisted snapshot is served after it was computed.
func (s *Service) TTL() time.Duration {
	return s.ttl
}
