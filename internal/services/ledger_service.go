package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/dashcache"
	"fintrack/internal/log"
)

// LedgerStore is the write side of the finance store
type LedgerStore interface {
	LedgerReader
	CreateAccount(ctx context.Context, a core.Account) (core.Account, error)
	CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
	GetTransaction(ctx context.Context, id string) (core.Transaction, error)
	UpdateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error
	SetBudget(ctx context.Context, b core.Budget) (core.Budget, error)
	DeleteBudget(ctx context.Context, category string, month core.MonthKey) error
	UpsertHolding(ctx context.Context, h core.Holding) (core.Holding, error)
	DeleteHolding(ctx context.Context, id string) (string, error)
	UpdatePrices(ctx context.Context, prices map[string]core.Money, at time.Time) (int64, error)
	SetExchangeRate(ctx context.Context, rate core.ExchangeRate) error
}

// Invalidator removes cached dashboards for a scope
type Invalidator interface {
	Invalidate(ctx context.Context, sc dashcache.Scope) (int64, error)
}

// Broadcaster tells other server processes about an invalidation
type Broadcaster interface {
	PublishInvalidation(ctx context.Context, sc dashcache.Scope) error
	Close() error
}

// InvalidationRecorder counts invalidations for export
type InvalidationRecorder interface {
	Invalidated(source string, rows int64)
	Broadcast(direction, outcome string)
}

// LedgerService applies ledger mutations and keeps the dashboard cache in step.
// Every successful write invalidates the narrowest scope it can affect, then
// broadcasts that scope. Cache and broadcast failures are logged only: the
// write itself already succeeded and stale rows age out with the TTL.
type LedgerService struct {
	store    LedgerStore
	cache    Invalidator
	bus      Broadcaster
	recorder InvalidationRecorder
	logger   *log.Logger
	now      func() time.Time
}

// NewLedgerService wires the ledger to the cache. bus and recorder may be nil.
func NewLedgerService(store LedgerStore, cache Invalidator, bus Broadcaster, recorder InvalidationRecorder, logger *log.Logger) *LedgerService {
	if logger == nil {
		logger = log.Discard()
	}
	return &LedgerService{
		store:    store,
		cache:    cache,
		bus:      bus,
		recorder: recorder,
		logger:   logger.WithComponent(log.ComponentLedger),
		now:      time.Now,
	}
}

func (s *LedgerService) CreateAccount(ctx context.Context, a core.Account) (core.Account, error) {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return core.Account{}, core.ErrEmptyName
	}
	a.Currency = strings.ToUpper(strings.TrimSpace(a.Currency))
	if err := core.ValidateCurrency(a.Currency); err != nil {
		return core.Account{}, err
	}
	return s.store.CreateAccount(ctx, a)
}

func (s *LedgerService) ListAccounts(ctx context.Context) ([]core.Account, error) {
	return s.store.ListAccounts(ctx)
}

// CreateTransaction saves t and invalidates its month and account
func (s *LedgerService) CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}
	saved, err := s.store.CreateTransaction(ctx, t)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("save transaction: %w", err)
	}
	s.invalidate(ctx, transactionScope(saved))
	return saved, nil
}

func (s *LedgerService) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// UpdateTransaction replaces t. When the change moves it to another month or
// account both the old and the new scope are invalidated.
func (s *LedgerService) UpdateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}
	old, err := s.store.GetTransaction(ctx, t.ID)
	if err != nil {
		return core.Transaction{}, err
	}
	saved, err := s.store.UpdateTransaction(ctx, t)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("update transaction: %w", err)
	}

	oldScope, newScope := transactionScope(old), transactionScope(saved)
	s.invalidate(ctx, oldScope)
	if newScope != oldScope {
		s.invalidate(ctx, newScope)
	}
	return saved, nil
}

func (s *LedgerService) DeleteTransaction(ctx context.Context, id string) error {
	old, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTransaction(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, transactionScope(old))
	return nil
}

// SetBudget creates or replaces the budget for a category and month
func (s *LedgerService) SetBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if err := b.Validate(); err != nil {
		return core.Budget{}, err
	}
	saved, err := s.store.SetBudget(ctx, b)
	if err != nil {
		return core.Budget{}, err
	}
	s.invalidate(ctx, dashcache.Scope{MonthKey: string(saved.Month)})
	return saved, nil
}

func (s *LedgerService) DeleteBudget(ctx context.Context, category string, month core.MonthKey) error {
	if err := month.Validate(); err != nil {
		return err
	}
	if err := s.store.DeleteBudget(ctx, category, month); err != nil {
		return err
	}
	s.invalidate(ctx, dashcache.Scope{MonthKey: string(month)})
	return nil
}

// UpsertHolding creates or replaces a holding; every month of its account is
// affected.
func (s *LedgerService) UpsertHolding(ctx context.Context, h core.Holding) (core.Holding, error) {
	if err := h.Validate(); err != nil {
		return core.Holding{}, err
	}
	saved, err := s.store.UpsertHolding(ctx, h)
	if err != nil {
		return core.Holding{}, err
	}
	s.invalidate(ctx, holdingScope(saved.AccountID))
	return saved, nil
}

func (s *LedgerService) DeleteHolding(ctx context.Context, id string) error {
	accountID, err := s.store.DeleteHolding(ctx, id)
	if err != nil {
		return err
	}
	s.invalidate(ctx, holdingScope(accountID))
	return nil
}

// RefreshHoldingPrices applies new unit prices by symbol and returns the number
// of holdings updated. Prices touch every account, so everything is invalidated.
func (s *LedgerService) RefreshHoldingPrices(ctx context.Context, prices map[string]core.Money) (int64, error) {
	if len(prices) == 0 {
		return 0, nil
	}
	for symbol, p := range prices {
		if strings.TrimSpace(symbol) == "" {
			return 0, core.ErrEmptySymbol
		}
		if err := p.Validate(); err != nil {
			return 0, fmt.Errorf("price for %s: %w", symbol, err)
		}
	}

	n, err := s.store.UpdatePrices(ctx, prices, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.invalidate(ctx, dashcache.Scope{})
	}
	return n, nil
}

// SetExchangeRate stores a conversion rate. Any dashboard may convert through
// it, so everything is invalidated.
func (s *LedgerService) SetExchangeRate(ctx context.Context, rate core.ExchangeRate) error {
	rate.From = strings.ToUpper(rate.From)
	rate.To = strings.ToUpper(rate.To)
	if err := core.ValidateCurrency(rate.From); err != nil {
		return err
	}
	if err := core.ValidateCurrency(rate.To); err != nil {
		return err
	}
	if !rate.Rate.IsPositive() {
		return core.ErrInvalidQuantity
	}
	if err := s.store.SetExchangeRate(ctx, rate); err != nil {
		return err
	}
	s.invalidate(ctx, dashcache.Scope{})
	return nil
}

// InvalidateCache drops cached dashboards for sc on operator request and
// broadcasts it. Unlike mutation-driven invalidation a store failure is
// returned to the caller.
func (s *LedgerService) InvalidateCache(ctx context.Context, sc dashcache.Scope) (int64, error) {
	removed, err := s.cache.Invalidate(ctx, sc)
	if s.recorder != nil {
		s.recorder.Invalidated("api", removed)
	}
	s.broadcast(ctx, sc)
	return removed, err
}

func (s *LedgerService) invalidate(ctx context.Context, sc dashcache.Scope) {
	removed, err := s.cache.Invalidate(ctx, sc)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to invalidate cached dashboards",
			log.NewFields().WithScope(sc.MonthKey, sc.AccountID).WithError(err).ToSlice()...)
	}
	if s.recorder != nil {
		s.recorder.Invalidated("local", removed)
	}
	s.broadcast(ctx, sc)
}

func (s *LedgerService) broadcast(ctx context.Context, sc dashcache.Scope) {
	if s.bus == nil {
		return
	}
	outcome := "ok"
	if err := s.bus.PublishInvalidation(ctx, sc); err != nil {
		outcome = "error"
		s.logger.WarnContext(ctx, "Failed to broadcast invalidation",
			log.NewFields().WithScope(sc.MonthKey, sc.AccountID).WithError(err).ToSlice()...)
	}
	if s.recorder != nil {
		s.recorder.Broadcast("out", outcome)
	}
}

// Close closes the broadcaster
func (s *LedgerService) Close() error {
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			return fmt.Errorf("close broadcaster: %w", err)
		}
	}
	return nil
}

func transactionScope(t core.Transaction) dashcache.Scope {
	return dashcache.Scope{MonthKey: string(t.Month()), AccountID: t.AccountID}
}

// holdingScope covers every month of the account and the all-accounts views,
// whose holding totals include this account.
func holdingScope(accountID string) dashcache.Scope {
	return dashcache.Scope{AccountID: accountID, IncludeAggregate: true}
}
