package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fintrack/internal/dashcache"
)

// CacheStore persists dashboard snapshots in the dashboard_cache table.
type CacheStore struct {
	queries *Queries
}

func NewCacheStore(db DBTX) *CacheStore {
	return &CacheStore{queries: New(db)}
}

func (s *CacheStore) Find(ctx context.Context, key string) (dashcache.Entry, error) {
	row, err := s.queries.GetDashboardCache(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dashcache.Entry{}, dashcache.ErrEntryNotFound
		}
		return dashcache.Entry{}, fmt.Errorf("get cached dashboard: %w", err)
	}
	return dashcache.Entry{
		Key:               row.CacheKey,
		Data:              row.Data,
		MonthKey:          row.MonthKey,
		AccountID:         fromNullString(row.AccountID),
		PreferredCurrency: fromNullString(row.PreferredCurrency),
		FetchedAt:         time.Unix(0, row.FetchedAt).UTC(),
	}, nil
}

func (s *CacheStore) Upsert(ctx context.Context, e dashcache.Entry) error {
	err := s.queries.UpsertDashboardCache(ctx, UpsertDashboardCacheParams{
		CacheKey:          e.Key,
		Data:              e.Data,
		MonthKey:          e.MonthKey,
		AccountID:         toNullString(e.AccountID),
		PreferredCurrency: toNullString(e.PreferredCurrency),
		FetchedAt:         e.FetchedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("upsert cached dashboard: %w", err)
	}
	return nil
}

func (s *CacheStore) Delete(ctx context.Context, f dashcache.Filter) (int64, error) {
	n, err := s.queries.DeleteDashboardCache(ctx, DeleteDashboardCacheParams{
		CacheKey:         f.Key,
		MonthKey:         f.MonthKey,
		AccountID:        f.AccountID,
		IncludeAggregate: f.IncludeAggregate,
		FetchedAt:        unixNanoOrZero(f.FetchedAt),
	})
	if err != nil {
		return 0, fmt.Errorf("delete cached dashboards: %w", err)
	}
	return n, nil
}

func (s *CacheStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.queries.DeleteExpiredDashboardCache(ctx, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete expired dashboards: %w", err)
	}
	return n, nil
}

// Count returns the number of persisted snapshots.
func (s *CacheStore) Count(ctx context.Context) (int64, error) {
	return s.queries.CountDashboardCache(ctx)
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
