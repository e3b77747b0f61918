package dashcache

import (
	"context"
	"time"

	"fintrack/internal/cache"
)

// MemoryStore is a bounded in-process Store backed by an LRU. Entries are
// evicted by size and dropped after retention regardless of freshness checks
// done by the Service.
type MemoryStore struct {
	lru *cache.LRUCache[Entry]
}

// NewMemoryStore keeps at most maxEntries rows for retention each.
func NewMemoryStore(maxEntries int, retention time.Duration) *MemoryStore {
	return &MemoryStore{lru: cache.NewLRUCache[Entry](maxEntries, retention)}
}

func (m *MemoryStore) Find(_ context.Context, key string) (Entry, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return e, nil
}

func (m *MemoryStore) Upsert(_ context.Context, e Entry) error {
	m.lru.Set(e.Key, e)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, f Filter) (int64, error) {
	n := m.lru.DeleteFunc(func(_ string, e Entry) bool { return f.Matches(e) })
	return int64(n), nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	n := m.lru.DeleteFunc(func(_ string, e Entry) bool { return e.FetchedAt.Before(before) })
	return int64(n), nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	return m.lru.Size()
}
