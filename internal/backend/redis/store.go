// Package redis stores dashboard snapshots in Redis hashes with secondary
// index sets per month and per account, so scoped invalidation does not need
// to scan the keyspace.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fintrack/internal/dashcache"
)

const (
	entryKeyTemplate   = "%s:entry:%s"
	monthIndexTemplate = "%s:idx:month:%s"
	accIndexTemplate   = "%s:idx:account:%s"
	allIndexTemplate   = "%s:idx:all"

	fieldData      = "data"
	fieldMonth     = "month_key"
	fieldAccount   = "account_id"
	fieldCurrency  = "preferred_currency"
	fieldFetchedAt = "fetched_at"

	DefaultPrefix = "fintrack:dashcache"
)

// Store implements dashcache.Store. Entries expire in Redis after retention
// so abandoned keys are collected even if the janitor never runs.
type Store struct {
	cli       redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewStore(cli redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{cli: cli, prefix: prefix, retention: retention}
}

func (s *Store) entryKey(id string) string    { return fmt.Sprintf(entryKeyTemplate, s.prefix, id) }
func (s *Store) monthIndex(m string) string   { return fmt.Sprintf(monthIndexTemplate, s.prefix, m) }
func (s *Store) accountIndex(a string) string { return fmt.Sprintf(accIndexTemplate, s.prefix, a) }
func (s *Store) allIndex() string             { return fmt.Sprintf(allIndexTemplate, s.prefix) }

func accountOrAll(a *string) string {
	if a == nil {
		return dashcache.AllAccounts
	}
	return *a
}

func (s *Store) Find(ctx context.Context, key string) (dashcache.Entry, error) {
	m, err := s.cli.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return dashcache.Entry{}, dashcache.ErrEntryNotFound
		}
		return dashcache.Entry{}, fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(m) == 0 {
		return dashcache.Entry{}, dashcache.ErrEntryNotFound
	}

	fetchedAt, err := strconv.ParseInt(m[fieldFetchedAt], 10, 64)
	if err != nil {
		return dashcache.Entry{}, fmt.Errorf("invalid fetched_at: %w", err)
	}

	e := dashcache.Entry{
		Key:       key,
		Data:      []byte(m[fieldData]),
		MonthKey:  m[fieldMonth],
		FetchedAt: time.Unix(0, fetchedAt).UTC(),
	}
	if a, ok := m[fieldAccount]; ok && a != "" {
		e.AccountID = &a
	}
	if c, ok := m[fieldCurrency]; ok && c != "" {
		e.PreferredCurrency = &c
	}
	return e, nil
}

func (s *Store) Upsert(ctx context.Context, e dashcache.Entry) error {
	fields := map[string]any{
		fieldData:      e.Data,
		fieldMonth:     e.MonthKey,
		fieldFetchedAt: e.FetchedAt.UnixNano(),
	}
	if e.AccountID != nil {
		fields[fieldAccount] = *e.AccountID
	}
	if e.PreferredCurrency != nil {
		fields[fieldCurrency] = *e.PreferredCurrency
	}

	ek := s.entryKey(e.Key)
	_, err := s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, ek)
		p.HSet(ctx, ek, fields)
		if s.retention > 0 {
			p.Expire(ctx, ek, s.retention)
		}
		p.SAdd(ctx, s.monthIndex(e.MonthKey), e.Key)
		p.SAdd(ctx, s.accountIndex(accountOrAll(e.AccountID)), e.Key)
		p.SAdd(ctx, s.allIndex(), e.Key)
		if s.retention > 0 {
			// Index sets outlive every member they reference.
			p.Expire(ctx, s.monthIndex(e.MonthKey), s.retention)
			p.Expire(ctx, s.accountIndex(accountOrAll(e.AccountID)), s.retention)
			p.Expire(ctx, s.allIndex(), s.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", e.Key, err)
	}
	return nil
}

// candidates resolves f to the cache keys that may match it using the index sets.
func (s *Store) candidates(ctx context.Context, f dashcache.Filter) ([]string, error) {
	switch {
	case f.Key != "":
		return []string{f.Key}, nil
	case f.MonthKey != "" && f.AccountID != "":
		keys, err := s.cli.SInter(ctx, s.monthIndex(f.MonthKey), s.accountIndex(f.AccountID)).Result()
		if err != nil {
			return nil, err
		}
		if f.IncludeAggregate {
			agg, err := s.cli.SInter(ctx, s.monthIndex(f.MonthKey), s.accountIndex(dashcache.AllAccounts)).Result()
			if err != nil {
				return nil, err
			}
			keys = append(keys, agg...)
		}
		return keys, nil
	case f.MonthKey != "":
		return s.cli.SMembers(ctx, s.monthIndex(f.MonthKey)).Result()
	case f.AccountID != "":
		keys, err := s.cli.SMembers(ctx, s.accountIndex(f.AccountID)).Result()
		if err != nil {
			return nil, err
		}
		if f.IncludeAggregate {
			agg, err := s.cli.SMembers(ctx, s.accountIndex(dashcache.AllAccounts)).Result()
			if err != nil {
				return nil, err
			}
			keys = append(keys, agg...)
		}
		return keys, nil
	default:
		return s.cli.SMembers(ctx, s.allIndex()).Result()
	}
}

func (s *Store) Delete(ctx context.Context, f dashcache.Filter) (int64, error) {
	keys, err := s.candidates(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("resolve invalidation candidates: %w", err)
	}
	if !f.FetchedAt.IsZero() {
		at := f.FetchedAt.UnixNano()
		return s.remove(ctx, keys, func(fetchedAt int64) bool { return fetchedAt == at })
	}
	return s.remove(ctx, keys, nil)
}

// DeleteExpired removes entries fetched before the cutoff. Index members whose
// hash already expired in Redis are dropped without being counted.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	keys, err := s.cli.SMembers(ctx, s.allIndex()).Result()
	if err != nil {
		return 0, fmt.Errorf("list cached dashboards: %w", err)
	}
	cutoff := before.UnixNano()
	return s.remove(ctx, keys, func(fetchedAt int64) bool { return fetchedAt < cutoff })
}

// remove deletes keys (filtered by match when non-nil) together with their
// index memberships and returns how many live entries were deleted.
func (s *Store) remove(ctx context.Context, keys []string, match func(fetchedAt int64) bool) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	meta := make([]*redis.SliceCmd, len(keys))
	_, err := s.cli.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			meta[i] = p.HMGet(ctx, s.entryKey(k), fieldMonth, fieldAccount, fieldFetchedAt)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("read entry metadata: %w", err)
	}

	dels := make([]*redis.IntCmd, 0, len(keys))
	_, err = s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			vals := meta[i].Val()
			month, _ := vals[0].(string)
			account, _ := vals[1].(string)
			fetched, _ := vals[2].(string)

			live := month != ""
			if live && match != nil {
				ts, perr := strconv.ParseInt(fetched, 10, 64)
				if perr == nil && !match(ts) {
					continue
				}
			}

			if live {
				dels = append(dels, p.Del(ctx, s.entryKey(k)))
				p.SRem(ctx, s.monthIndex(month), k)
				if account == "" {
					account = dashcache.AllAccounts
				}
				p.SRem(ctx, s.accountIndex(account), k)
			}
			p.SRem(ctx, s.allIndex(), k)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete cached dashboards: %w", err)
	}

	var removed int64
	for _, d := range dels {
		removed += d.Val()
	}
	return removed, nil
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.cli.Ping(ctx).Err()
}
