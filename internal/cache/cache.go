package cache

import (
	"context"
	"sync"
	"time"

	"fintrack/internal/log"
)

// Cache defines a generic cache interface
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Size() int
}

// Pruner removes expired data and reports how many items were dropped
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// PrunerFunc adapts a function to Pruner
type PrunerFunc func(ctx context.Context) (int64, error)

func (f PrunerFunc) Prune(ctx context.Context) (int64, error) {
	return f(ctx)
}

type namedPruner struct {
	name   string
	pruner Pruner
}

// Manager runs registered pruners on a fixed interval
type Manager struct {
	logger   *log.Logger
	mu       sync.Mutex
	pruners  []namedPruner
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a new cache manager
func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Discard()
	}
	return &Manager{
		logger: logger.WithComponent(log.ComponentWorker),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Register adds a pruner under name
func (m *Manager) Register(name string, p Pruner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruners = append(m.pruners, namedPruner{name: name, pruner: p})
}

// RunOnce runs every registered pruner and returns the total removed.
// A failing pruner is logged and does not stop the others.
func (m *Manager) RunOnce(ctx context.Context) int64 {
	m.mu.Lock()
	pruners := append([]namedPruner(nil), m.pruners...)
	m.mu.Unlock()

	var total int64
	for _, p := range pruners {
		n, err := p.pruner.Prune(ctx)
		if err != nil {
			m.logger.ErrorContext(ctx, "Prune failed", "pruner", p.name, log.FieldError, err)
			continue
		}
		total += n
		if n > 0 {
			m.logger.DebugContext(ctx, "Prune completed", "pruner", p.name, log.FieldRemoved, n)
		}
	}
	return total
}

// Start begins periodic pruning until ctx is done or Stop is called
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	go m.loop(ctx, interval)
}

func (m *Manager) loop(ctx context.Context, interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if total := m.RunOnce(ctx); total > 0 {
				m.logger.InfoContext(ctx, "Expired cache entries removed", log.FieldRemoved, total)
			}
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		}
	}
}

// Stop ends the loop and waits for it to exit. Safe to call more than once;
// must only be called after Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}
