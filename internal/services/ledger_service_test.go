package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fintrack/internal/core"
	"fintrack/internal/dashcache"
	"fintrack/internal/storage"
)

type fakeBus struct {
	mu     sync.Mutex
	scopes []dashcache.Scope
	err    error
	closed bool
}

func (b *fakeBus) PublishInvalidation(_ context.Context, sc dashcache.Scope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scopes = append(b.scopes, sc)
	return b.err
}

func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

type fakeRecorder struct {
	invalidations int
	outcomes      []string
}

func (r *fakeRecorder) Invalidated(string, int64)          { r.invalidations++ }
func (r *fakeRecorder) Broadcast(_ string, outcome string) { r.outcomes = append(r.outcomes, outcome) }

type ledgerFixture struct {
	repo     *storage.SQLiteRepository
	store    *dashcache.MemoryStore
	cache    *dashcache.Service
	bus      *fakeBus
	recorder *fakeRecorder
	svc      *LedgerService
	checking core.Account
	savings  core.Account
}

func setupLedger(t *testing.T) *ledgerFixture {
	t.Helper()
	ctx := context.Background()

	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	f := &ledgerFixture{
		repo:     repo,
		store:    dashcache.NewMemoryStore(100, time.Hour),
		bus:      &fakeBus{},
		recorder: &fakeRecorder{},
	}
	f.cache = dashcache.NewService(f.store, NewDashboardBuilder(repo, 3).Build, dashcache.Config{})
	f.svc = NewLedgerService(repo, f.cache, f.bus, f.recorder, nil)

	f.checking, err = f.svc.CreateAccount(ctx, core.Account{Name: "Checking", Currency: "eur"})
	require.NoError(t, err)
	f.savings, err = f.svc.CreateAccount(ctx, core.Account{Name: "Savings", Currency: "EUR"})
	require.NoError(t, err)
	return f
}

// warm computes and caches dashboards for every month/account pair given
func (f *ledgerFixture) warm(t *testing.T, pairs ...[2]string) {
	t.Helper()
	for _, p := range pairs {
		_, err := f.cache.Dashboard(context.Background(), core.DashboardParams{MonthKey: core.MonthKey(p[0]), AccountID: p[1]})
		require.NoError(t, err)
	}
}

func (f *ledgerFixture) cached(month, account string) bool {
	key := dashcache.BuildKey(dashcache.KeyParams{MonthKey: month, AccountID: account}).String()
	_, err := f.store.Find(context.Background(), key)
	return err == nil
}

func expense(account, amount string, date time.Time) core.Transaction {
	return core.Transaction{
		AccountID:   account,
		Kind:        core.Expense,
		Description: "Coffee",
		Category:    "Food",
		Amount:      core.NewMoney(amount, "EUR"),
		Date:        date,
	}
}

func TestLedgerService_CreateTransactionInvalidatesMonthAndAccount(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	chk, sav := f.checking.ID, f.savings.ID

	f.warm(t, [2]string{"2025-03", chk}, [2]string{"2025-03", ""}, [2]string{"2025-03", sav}, [2]string{"2025-04", chk})
	require.Equal(t, 4, f.store.Len())

	_, err := f.svc.CreateTransaction(ctx, expense(chk, "3.50", time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	assert.False(t, f.cached("2025-03", chk))
	assert.False(t, f.cached("2025-03", ""), "aggregate view for the month must go")
	assert.True(t, f.cached("2025-03", sav))
	assert.True(t, f.cached("2025-04", chk))

	assert.Equal(t, []dashcache.Scope{{MonthKey: "2025-03", AccountID: chk}}, f.bus.scopes)
	assert.Equal(t, []string{"ok"}, f.recorder.outcomes)

	snap, err := f.cache.Dashboard(ctx, core.DashboardParams{MonthKey: "2025-03", AccountID: chk})
	require.NoError(t, err)
	assert.Equal(t, "3.50 EUR", snap.Expenses.String())
}

func TestLedgerService_UpdateTransactionMovesScope(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	chk, sav := f.checking.ID, f.savings.ID

	created, err := f.svc.CreateTransaction(ctx, expense(chk, "10", time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	f.bus.scopes = nil

	f.warm(t, [2]string{"2025-03", chk}, [2]string{"2025-04", sav}, [2]string{"2025-05", chk})

	moved := created
	moved.AccountID = sav
	moved.Date = time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	_, err = f.svc.UpdateTransaction(ctx, moved)
	require.NoError(t, err)

	assert.False(t, f.cached("2025-03", chk))
	assert.False(t, f.cached("2025-04", sav))
	assert.True(t, f.cached("2025-05", chk))
	assert.Equal(t, []dashcache.Scope{
		{MonthKey: "2025-03", AccountID: chk},
		{MonthKey: "2025-04", AccountID: sav},
	}, f.bus.scopes)

	t.Run("same scope invalidates once", func(t *testing.T) {
		f.bus.scopes = nil
		moved.Description = "Espresso"
		_, err := f.svc.UpdateTransaction(ctx, moved)
		require.NoError(t, err)
		assert.Len(t, f.bus.scopes, 1)
	})

	t.Run("missing transaction", func(t *testing.T) {
		ghost := moved
		ghost.ID = "missing"
		_, err := f.svc.UpdateTransaction(ctx, ghost)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestLedgerService_DeleteTransaction(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	chk := f.checking.ID

	created, err := f.svc.CreateTransaction(ctx, expense(chk, "10", time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	f.warm(t, [2]string{"2025-03", chk})

	require.NoError(t, f.svc.DeleteTransaction(ctx, created.ID))
	assert.False(t, f.cached("2025-03", chk))
	assert.ErrorIs(t, f.svc.DeleteTransaction(ctx, created.ID), core.ErrNotFound)
}

func TestLedgerService_BudgetInvalidatesMonth(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	chk, sav := f.checking.ID, f.savings.ID

	f.warm(t, [2]string{"2025-03", chk}, [2]string{"2025-03", sav}, [2]string{"2025-03", ""}, [2]string{"2025-04", chk})

	_, err := f.svc.SetBudget(ctx, core.Budget{Category: "Food", Month: "2025-03", Limit: core.NewMoney("100", "EUR")})
	require.NoError(t, err)

	assert.False(t, f.cached("2025-03", chk))
	assert.False(t, f.cached("2025-03", sav))
	assert.False(t, f.cached("2025-03", ""))
	assert.True(t, f.cached("2025-04", chk))

	require.NoError(t, f.svc.DeleteBudget(ctx, "Food", "2025-03"))
	assert.ErrorIs(t, f.svc.DeleteBudget(ctx, "Food", "2025-03"), core.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteBudget(ctx, "Food", "March"), core.ErrInvalidMonthKey)
}

func TestLedgerService_HoldingInvalidatesAccount(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	chk, sav := f.checking.ID, f.savings.ID

	f.warm(t, [2]string{"2025-03", chk}, [2]string{"2025-04", chk}, [2]string{"2025-03", sav}, [2]string{"2025-03", ""})

	h, err := f.svc.UpsertHolding(ctx, core.Holding{AccountID: chk, Symbol: "vwce", Quantity: core.NewQuantity("3"), UnitPrice: core.NewMoney("100", "EUR")})
	require.NoError(t, err)
	assert.Equal(t, "VWCE", h.Symbol)

	assert.False(t, f.cached("2025-03", chk))
	assert.False(t, f.cached("2025-04", chk))
	assert.True(t, f.cached("2025-03", sav))
	assert.False(t, f.cached("2025-03", ""), "aggregate views include every account's holdings")

	f.warm(t, [2]string{"2025-03", chk}, [2]string{"2025-05", ""})
	require.NoError(t, f.svc.DeleteHolding(ctx, h.ID))
	assert.False(t, f.cached("2025-03", chk))
	assert.False(t, f.cached("2025-05", ""))
	assert.Equal(t, dashcache.Scope{AccountID: chk, IncludeAggregate: true}, f.bus.scopes[len(f.bus.scopes)-1])
}

func TestLedgerService_HoldingChangeRefreshesAggregateDashboard(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	aggregate := core.DashboardParams{MonthKey: "2025-03"}

	before, err := f.cache.Dashboard(ctx, aggregate)
	require.NoError(t, err)
	assert.Empty(t, before.Holdings)

	_, err = f.svc.UpsertHolding(ctx, core.Holding{AccountID: f.checking.ID, Symbol: "VWCE", Quantity: core.NewQuantity("3"), UnitPrice: core.NewMoney("100", "EUR")})
	require.NoError(t, err)

	after, err := f.cache.Dashboard(ctx, aggregate)
	require.NoError(t, err)
	require.Len(t, after.Holdings, 1)
	assert.True(t, after.HoldingTotal.Amount.Equal(core.NewMoney("300", "EUR").Amount), "holding total = %s", after.HoldingTotal)
}

func TestLedgerService_PriceRefreshInvalidatesEverything(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	chk, sav := f.checking.ID, f.savings.ID

	_, err := f.svc.UpsertHolding(ctx, core.Holding{AccountID: sav, Symbol: "AAPL", Quantity: core.NewQuantity("2"), UnitPrice: core.NewMoney("100", "EUR")})
	require.NoError(t, err)
	f.warm(t, [2]string{"2025-03", chk}, [2]string{"2025-04", sav}, [2]string{"2025-03", ""})

	n, err := f.svc.RefreshHoldingPrices(ctx, map[string]core.Money{"aapl": core.NewMoney("150", "EUR")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, dashcache.Scope{}, f.bus.scopes[len(f.bus.scopes)-1])

	snap, err := f.cache.Dashboard(ctx, core.DashboardParams{MonthKey: "2025-04", AccountID: sav})
	require.NoError(t, err)
	assert.Equal(t, "300.00 EUR", snap.HoldingTotal.String())

	t.Run("unknown symbol keeps cache", func(t *testing.T) {
		n, err := f.svc.RefreshHoldingPrices(ctx, map[string]core.Money{"MSFT": core.NewMoney("1", "EUR")})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, 1, f.store.Len())
	})

	t.Run("invalid price", func(t *testing.T) {
		_, err := f.svc.RefreshHoldingPrices(ctx, map[string]core.Money{"AAPL": core.NewMoney("0", "EUR")})
		assert.ErrorIs(t, err, core.ErrInvalidAmount)
	})
}

func TestLedgerService_ExchangeRateInvalidatesEverything(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()
	f.warm(t, [2]string{"2025-03", f.checking.ID}, [2]string{"2025-03", ""})

	require.NoError(t, f.svc.SetExchangeRate(ctx, core.ExchangeRate{From: "usd", To: "eur", Rate: core.NewQuantity("0.9")}))
	assert.Equal(t, 0, f.store.Len())

	err := f.svc.SetExchangeRate(ctx, core.ExchangeRate{From: "USD", To: "EUR", Rate: core.NewQuantity("0")})
	assert.ErrorIs(t, err, core.ErrInvalidQuantity)
}

func TestLedgerService_BroadcastFailureDoesNotFailWrite(t *testing.T) {
	f := setupLedger(t)
	f.bus.err = errors.New("broker down")

	_, err := f.svc.CreateTransaction(context.Background(), expense(f.checking.ID, "1", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, []string{"error"}, f.recorder.outcomes)
}

func TestLedgerService_ValidationRejectsBeforeWrite(t *testing.T) {
	f := setupLedger(t)
	ctx := context.Background()

	bad := expense(f.checking.ID, "1", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	bad.Category = " "
	_, err := f.svc.CreateTransaction(ctx, bad)
	assert.ErrorIs(t, err, core.ErrEmptyCategory)
	assert.Empty(t, f.bus.scopes)

	_, err = f.svc.CreateAccount(ctx, core.Account{Name: "x", Currency: "EU"})
	assert.ErrorIs(t, err, core.ErrInvalidCurrency)
}

func TestLedgerService_Close(t *testing.T) {
	f := setupLedger(t)
	require.NoError(t, f.svc.Close())
	assert.True(t, f.bus.closed)

	assert.NoError(t, NewLedgerService(f.repo, f.cache, nil, nil, nil).Close())
}

func TestLedgerService_InvalidateCacheRecordsAndBroadcasts(t *testing.T) {
	f := setupLedger(t)
	chk := f.checking.ID

	f.warm(t, [2]string{"2025-03", chk}, [2]string{"2025-03", ""}, [2]string{"2025-04", chk})

	removed, err := f.svc.InvalidateCache(context.Background(), dashcache.Scope{MonthKey: "2025-03"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.True(t, f.cached("2025-04", chk))
	assert.Equal(t, []dashcache.Scope{{MonthKey: "2025-03"}}, f.bus.scopes)
	assert.Equal(t, 1, f.recorder.invalidations)
	assert.Equal(t, []string{"ok"}, f.recorder.outcomes)
}
