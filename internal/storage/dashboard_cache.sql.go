package storage

import (
	"context"
	"database/sql"
)

const getDashboardCache = `-- name: GetDashboardCache :one
SELECT id, cache_key, data, month_key, account_id, preferred_currency, fetched_at
FROM dashboard_cache WHERE cache_key = ?1
`

func (q *Queries) GetDashboardCache(ctx context.Context, cacheKey string) (DashboardCache, error) {
	row := q.db.QueryRowContext(ctx, getDashboardCache, cacheKey)
	var i DashboardCache
	err := row.Scan(
		&i.ID,
		&i.CacheKey,
		&i.Data,
		&i.MonthKey,
		&i.AccountID,
		&i.PreferredCurrency,
		&i.FetchedAt,
	)
	return i, err
}

const upsertDashboardCache = `-- name: UpsertDashboardCache :exec
INSERT INTO dashboard_cache (cache_key, data, month_key, account_id, preferred_currency, fetched_at)
VALUES (?1, ?2, ?3, ?4, ?5, ?6)
ON CONFLICT(cache_key) DO UPDATE SET
    data = excluded.data,
    month_key = excluded.month_key,
    account_id = excluded.account_id,
    preferred_currency = excluded.preferred_currency,
    fetched_at = excluded.fetched_at
`

type UpsertDashboardCacheParams struct {
	CacheKey          string
	Data              []byte
	MonthKey          string
	AccountID         sql.NullString
	PreferredCurrency sql.NullString
	FetchedAt         int64
}

func (q *Queries) UpsertDashboardCache(ctx context.Context, arg UpsertDashboardCacheParams) error {
	_, err := q.db.ExecContext(ctx, upsertDashboardCache,
		arg.CacheKey,
		arg.Data,
		arg.MonthKey,
		arg.AccountID,
		arg.PreferredCurrency,
		arg.FetchedAt,
	)
	return err
}

const deleteDashboardCache = `-- name: DeleteDashboardCache :execrows
DELETE FROM dashboard_cache
WHERE (?1 = '' OR cache_key = ?1)
  AND (?2 = '' OR month_key = ?2)
  AND (?3 = '' OR account_id = ?3 OR (?4 AND account_id IS NULL))
  AND (?5 = 0 OR fetched_at = ?5)
`

type DeleteDashboardCacheParams struct {
	CacheKey         string
	MonthKey         string
	AccountID        string
	IncludeAggregate bool
	FetchedAt        int64
}

func (q *Queries) DeleteDashboardCache(ctx context.Context, arg DeleteDashboardCacheParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteDashboardCache,
		arg.CacheKey,
		arg.MonthKey,
		arg.AccountID,
		arg.IncludeAggregate,
		arg.FetchedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const deleteExpiredDashboardCache = `-- name: DeleteExpiredDashboardCache :execrows
DELETE FROM dashboard_cache WHERE fetched_at < ?1
`

func (q *Queries) DeleteExpiredDashboardCache(ctx context.Context, before int64) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteExpiredDashboardCache, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const countDashboardCache = `-- name: CountDashboardCache :one
SELECT COUNT(*) FROM dashboard_cache
`

func (q *Queries) CountDashboardCache(ctx context.Context) (int64, error) {
	row := q.db.QueryRowContext(ctx, countDashboardCache)
	var count int64
	err := row.Scan(&count)
	return count, err
}
