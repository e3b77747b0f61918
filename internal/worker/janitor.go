package worker

import (
	"context"
	"fmt"
	"time"

	"fintrack/internal/cache"
	"fintrack/internal/log"
)

// ExpiredDeleter removes persisted snapshots fetched before a cutoff
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Recorder counts rows removed by the janitor
type Recorder interface {
	JanitorRemoved(n int64)
}

// Janitor deletes persisted dashboard snapshots older than the cache TTL.
// Expired rows are never served, so this only bounds storage growth.
type Janitor struct {
	store    ExpiredDeleter
	ttl      time.Duration
	recorder Recorder
	logger   *log.Logger
	manager  *cache.Manager
	now      func() time.Time
}

// NewJanitor creates a janitor for store. recorder may be nil.
func NewJanitor(store ExpiredDeleter, ttl time.Duration, recorder Recorder, logger *log.Logger) *Janitor {
	if logger == nil {
		logger = log.Discard()
	}
	j := &Janitor{
		store:    store,
		ttl:      ttl,
		recorder: recorder,
		logger:   logger.WithComponent(log.ComponentWorker),
		manager:  cache.NewManager(logger),
		now:      time.Now,
	}
	j.manager.Register("dashboard_snapshots", cache.PrunerFunc(j.prune))
	return j
}

func (j *Janitor) prune(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.ttl)
	n, err := j.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots fetched before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if j.recorder != nil && n > 0 {
		j.recorder.JanitorRemoved(n)
	}
	return n, nil
}

// Sweep runs one pass and returns the number of rows removed
func (j *Janitor) Sweep(ctx context.Context) int64 {
	return j.manager.RunOnce(ctx)
}

// Run sweeps once at startup, then every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	if n := j.Sweep(ctx); n > 0 {
		j.logger.InfoContext(ctx, "Startup sweep removed expired snapshots", log.FieldRemoved, n)
	}
	j.logger.InfoContext(ctx, "Janitor started", "interval", interval.String(), "ttl", j.ttl.String())

	j.manager.Start(ctx, interval)
	<-ctx.Done()
	j.manager.Stop()

	j.logger.Info("Janitor stopped")
}
