package dashcache

import (
	"context"
	"errors"
	"time"
)

// ErrEntryNotFound is returned by Store.Find when no row exists for a key.
var ErrEntryNotFound = errors.New("cache entry not found")

// Entry is one persisted dashboard snapshot.
type Entry struct {
	Key               string
	Data              []byte
	MonthKey          string
	AccountID         *string // nil for the all-accounts view
	PreferredCurrency *string // nil for the default currency
	FetchedAt         time.Time
}

// Filter selects persisted entries for deletion. The zero Filter matches
// every entry.
type Filter struct {
	// Key restricts the filter to a single cache key.
	Key       string
	MonthKey  string
	AccountID string
	// IncludeAggregate also matches all-accounts rows when AccountID is set.
	IncludeAggregate bool
	// FetchedAt, when set, matches only rows written at exactly that time.
	FetchedAt time.Time
}

// Matches reports whether e falls inside f.
func (f Filter) Matches(e Entry) bool {
	if f.Key != "" && e.Key != f.Key {
		return false
	}
	if f.MonthKey != "" && e.MonthKey != f.MonthKey {
		return false
	}
	if !f.FetchedAt.IsZero() && !e.FetchedAt.Equal(f.FetchedAt) {
		return false
	}
	if f.AccountID == "" {
		return true
	}
	if e.AccountID == nil {
		return f.IncludeAggregate
	}
	return *e.AccountID == f.AccountID
}

// IsAll reports whether f matches everything.
func (f Filter) IsAll() bool {
	return f.Key == "" && f.MonthKey == "" && f.AccountID == "" && f.FetchedAt.IsZero()
}

// Store persists serialized snapshots keyed by cache key. Implementations must
// be safe for concurrent use.
type Store interface {
	Find(ctx context.Context, key string) (Entry, error)
	Upsert(ctx context.Context, e Entry) error
	Delete(ctx context.Context, f Filter) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
