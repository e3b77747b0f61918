package dashcache

import (
	"context"
	"fmt"
	"strings"

	"fintrack/internal/log"
)

// Scope names the dashboards affected by a data change. Empty fields are
// wildcards; the zero Scope covers everything.
//
// A month plus account always covers that month's all-accounts view. An
// account alone covers only that account's rows unless IncludeAggregate is
// set, for changes such as holdings that feed every month's aggregate.
type Scope struct {
	MonthKey         string `json:"month_key,omitempty"`
	AccountID        string `json:"account_id,omitempty"`
	IncludeAggregate bool   `json:"include_aggregate,omitempty"`
}

// Normalize trims surrounding whitespace the same way BuildKey does.
func (sc Scope) Normalize() Scope {
	sc.MonthKey = strings.TrimSpace(sc.MonthKey)
	sc.AccountID = strings.TrimSpace(sc.AccountID)
	return sc
}

// IsAll reports whether sc covers every dashboard.
func (sc Scope) IsAll() bool {
	sc = sc.Normalize()
	return sc.MonthKey == "" && sc.AccountID == ""
}

func (sc Scope) aggregate() bool {
	return sc.MonthKey != "" || sc.IncludeAggregate
}

// coversKey reports whether an in-flight computation for k falls inside the
// rows filter removes.
func (sc Scope) coversKey(k Key) bool {
	if sc.MonthKey != "" && k.Month != sc.MonthKey {
		return false
	}
	if sc.AccountID == "" {
		return true
	}
	if k.Account == AllAccounts {
		return sc.aggregate()
	}
	return k.Account == sc.AccountID
}

// filter maps sc to the persisted rows it removes.
func (sc Scope) filter() Filter {
	switch {
	case sc.MonthKey != "" && sc.AccountID != "":
		return Filter{MonthKey: sc.MonthKey, AccountID: sc.AccountID, IncludeAggregate: true}
	case sc.MonthKey != "":
		return Filter{MonthKey: sc.MonthKey}
	case sc.AccountID != "":
		return Filter{AccountID: sc.AccountID, IncludeAggregate: sc.IncludeAggregate}
	default:
		return Filter{}
	}
}

// Invalidate drops in-flight computations and persisted snapshots covered by
// sc and returns the number of persisted rows removed.
func (s *Service) Invalidate(ctx context.Context, sc Scope) (int64, error) {
	sc = sc.Normalize()
	purged := s.PurgeInFlight(sc)

	if sc.IsAll() {
		s.logger.WarnContext(ctx, "Invalidation without scope, clearing every dashboard")
	}

	removed, err := s.store.Delete(ctx, sc.filter())
	if err != nil {
		return 0, fmt.Errorf("delete cached dashboards: %w", err)
	}

	s.logger.InfoContext(ctx, "Dashboard cache invalidated",
		log.FieldMonthKey, sc.MonthKey,
		log.FieldAccountID, sc.AccountID,
		log.FieldRemoved, removed,
		"in_flight_purged", purged)
	return removed, nil
}

// InvalidateAll clears every in-flight computation and persisted snapshot.
func (s *Service) InvalidateAll(ctx context.Context) (int64, error) {
	return s.Invalidate(ctx, Scope{})
}

// PurgeInFlight forgets in-flight computations covered by sc without touching
// the store and returns how many were dropped. Waiters already attached still
// receive the result; later callers start a fresh computation.
func (s *Service) PurgeInFlight(sc Scope) int {
	sc = sc.Normalize()
	s.mu.Lock()
	n := 0
	for id, f := range s.flights {
		if !sc.coversKey(f.key) {
			continue
		}
		f.stale.Store(true)
		s.group.Forget(id)
		delete(s.flights, id)
		n++
	}
	remaining := len(s.flights)
	s.mu.Unlock()

	s.observer.InFlight(remaining)
	return n
}
