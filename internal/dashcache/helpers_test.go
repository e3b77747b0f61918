package dashcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// spyStore counts calls and optionally fails them.
type spyStore struct {
	next *MemoryStore

	finds   atomic.Int32
	upserts atomic.Int32
	deletes atomic.Int32

	findErr   error
	upsertErr error
}

func newSpyStore() *spyStore {
	return &spyStore{next: NewMemoryStore(100, time.Hour)}
}

func (s *spyStore) Find(ctx context.Context, key string) (Entry, error) {
	s.finds.Add(1)
	if s.findErr != nil {
		return Entry{}, s.findErr
	}
	return s.next.Find(ctx, key)
}

func (s *spyStore) Upsert(ctx context.Context, e Entry) error {
	s.upserts.Add(1)
	if s.upsertErr != nil {
		return s.upsertErr
	}
	return s.next.Upsert(ctx, e)
}

func (s *spyStore) Delete(ctx context.Context, f Filter) (int64, error) {
	s.deletes.Add(1)
	return s.next.Delete(ctx, f)
}

func (s *spyStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return s.next.DeleteExpired(ctx, before)
}

func newTestService(store Store, clock *fakeClock) *Service {
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	return NewService(store, nil, cfg)
}

func testKey(month, account string) Key {
	return BuildKey(KeyParams{UserID: "u1", MonthKey: month, AccountID: account})
}

func constCompute(calls *atomic.Int32, v string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return v, nil
	}
}
