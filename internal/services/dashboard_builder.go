// Package services provides business logic and orchestration services.
//
// This file builds dashboard snapshots from the ledger: monthly totals,
// per-category spend, budget progress, holdings valuation and history, all
// converted to a single currency.

package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"fintrack/internal/core"
)

const (
	DefaultCurrency      = "EUR"
	DefaultHistoryMonths = 6
	recentLimit          = 10
)

// LedgerReader is the read side of the finance store used to build dashboards.
type LedgerReader interface {
	ListAccounts(ctx context.Context) ([]core.Account, error)
	ListTransactions(ctx context.Context, from, to core.MonthKey, accountID string) ([]core.Transaction, error)
	ListBudgets(ctx context.Context, month core.MonthKey) ([]core.Budget, error)
	ListHoldings(ctx context.Context, accountID string) ([]core.Holding, error)
	ListExchangeRates(ctx context.Context) ([]core.ExchangeRate, error)
}

// DashboardBuilder aggregates ledger data into a dashboard snapshot.
type DashboardBuilder struct {
	ledger          LedgerReader
	historyMonths   int
	defaultCurrency string
	now             func() time.Time
}

// NewDashboardBuilder creates a builder. historyMonths below one falls back to
// DefaultHistoryMonths.
func NewDashboardBuilder(ledger LedgerReader, historyMonths int) *DashboardBuilder {
	if historyMonths < 1 {
		historyMonths = DefaultHistoryMonths
	}
	return &DashboardBuilder{
		ledger:          ledger,
		historyMonths:   historyMonths,
		defaultCurrency: DefaultCurrency,
		now:             time.Now,
	}
}

type ledgerData struct {
	accounts     []core.Account
	transactions []core.Transaction
	budgets      []core.Budget
	holdings     []core.Holding
	rates        rateTable
}

// Build computes the snapshot for p. It satisfies dashcache.ComputeFunc.
func (b *DashboardBuilder) Build(ctx context.Context, p core.DashboardParams) (core.Snapshot, error) {
	if err := p.MonthKey.Validate(); err != nil {
		return core.Snapshot{}, err
	}
	currency := strings.ToUpper(strings.TrimSpace(p.PreferredCurrency))
	if currency == "" {
		currency = b.defaultCurrency
	}
	if err := core.ValidateCurrency(currency); err != nil {
		return core.Snapshot{}, err
	}

	from := p.MonthKey.AddMonths(-(b.historyMonths - 1))
	data, err := b.load(ctx, p, from)
	if err != nil {
		return core.Snapshot{}, err
	}

	if p.AccountID != "" && !hasAccount(data.accounts, p.AccountID) {
		return core.Snapshot{}, fmt.Errorf("account %s: %w", p.AccountID, core.ErrNotFound)
	}
	if p.AccountID == "" && p.Accounts != nil {
		data.transactions, data.holdings = restrictToAccounts(data.accounts, data.transactions, data.holdings)
	}

	snap := core.Snapshot{
		Month:       p.MonthKey,
		AccountID:   p.AccountID,
		Currency:    currency,
		GeneratedAt: b.now().UTC(),
	}
	if err := fillTotals(&snap, data, from); err != nil {
		return core.Snapshot{}, err
	}
	if err := fillBudgets(&snap, data); err != nil {
		return core.Snapshot{}, err
	}
	if err := fillHoldings(&snap, data); err != nil {
		return core.Snapshot{}, err
	}
	return snap, nil
}

func (b *DashboardBuilder) load(ctx context.Context, p core.DashboardParams, from core.MonthKey) (ledgerData, error) {
	var (
		data  ledgerData
		rates []core.ExchangeRate
	)
	g, gctx := errgroup.WithContext(ctx)

	if p.Accounts != nil {
		data.accounts = p.Accounts
	} else {
		g.Go(func() error {
			accounts, err := b.ledger.ListAccounts(gctx)
			if err != nil {
				return fmt.Errorf("load accounts: %w", err)
			}
			data.accounts = accounts
			return nil
		})
	}
	g.Go(func() error {
		txs, err := b.ledger.ListTransactions(gctx, from, p.MonthKey, p.AccountID)
		if err != nil {
			return fmt.Errorf("load transactions: %w", err)
		}
		data.transactions = txs
		return nil
	})
	g.Go(func() error {
		budgets, err := b.ledger.ListBudgets(gctx, p.MonthKey)
		if err != nil {
			return fmt.Errorf("load budgets: %w", err)
		}
		data.budgets = budgets
		return nil
	})
	g.Go(func() error {
		holdings, err := b.ledger.ListHoldings(gctx, p.AccountID)
		if err != nil {
			return fmt.Errorf("load holdings: %w", err)
		}
		data.holdings = holdings
		return nil
	})
	g.Go(func() error {
		rs, err := b.ledger.ListExchangeRates(gctx)
		if err != nil {
			return fmt.Errorf("load exchange rates: %w", err)
		}
		rates = rs
		return nil
	})

	if err := g.Wait(); err != nil {
		return ledgerData{}, err
	}
	data.rates = newRateTable(rates)
	return data, nil
}

func fillTotals(snap *core.Snapshot, data ledgerData, from core.MonthKey) error {
	cur := snap.Currency
	index := make(map[core.MonthKey]int)
	for m := from; m <= snap.Month; m = m.AddMonths(1) {
		index[m] = len(snap.History)
		snap.History = append(snap.History, core.MonthTotals{Month: m, Income: core.Zero(cur), Expenses: core.Zero(cur)})
	}

	snap.Income, snap.Expenses = core.Zero(cur), core.Zero(cur)
	byCategory := make(map[string]decimal.Decimal)
	snap.Recent = []core.TransactionView{}

	txs := append([]core.Transaction(nil), data.transactions...)
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Date.After(txs[j].Date) })

	for _, t := range txs {
		amount, err := data.rates.convert(t.Amount, cur)
		if err != nil {
			return err
		}
		month := t.Month()
		if i, ok := index[month]; ok {
			h := &snap.History[i]
			if t.Kind == core.Income {
				h.Income.Amount = h.Income.Amount.Add(amount.Amount)
			} else {
				h.Expenses.Amount = h.Expenses.Amount.Add(amount.Amount)
			}
		}
		if month != snap.Month {
			continue
		}
		if t.Kind == core.Income {
			snap.Income.Amount = snap.Income.Amount.Add(amount.Amount)
		} else {
			snap.Expenses.Amount = snap.Expenses.Amount.Add(amount.Amount)
			byCategory[t.Category] = byCategory[t.Category].Add(amount.Amount)
		}
		if len(snap.Recent) < recentLimit {
			snap.Recent = append(snap.Recent, core.TransactionView{
				ID:          t.ID,
				AccountID:   t.AccountID,
				Kind:        t.Kind,
				Description: t.Description,
				Category:    t.Category,
				Amount:      amount,
				Date:        t.Date,
			})
		}
	}

	snap.Net = core.Money{Amount: snap.Income.Amount.Sub(snap.Expenses.Amount), Currency: cur}

	snap.ByCategory = make([]core.CategoryAmount, 0, len(byCategory))
	for name, amount := range byCategory {
		snap.ByCategory = append(snap.ByCategory, core.CategoryAmount{Name: name, Amount: core.Money{Amount: amount, Currency: cur}})
	}
	sort.Slice(snap.ByCategory, func(i, j int) bool {
		a, b := snap.ByCategory[i], snap.ByCategory[j]
		if c := a.Amount.Amount.Cmp(b.Amount.Amount); c != 0 {
			return c > 0
		}
		return a.Name < b.Name
	})
	return nil
}

func fillBudgets(snap *core.Snapshot, data ledgerData) error {
	spent := make(map[string]decimal.Decimal, len(snap.ByCategory))
	for _, c := range snap.ByCategory {
		spent[c.Name] = c.Amount.Amount
	}

	hundred := decimal.NewFromInt(100)
	snap.Budgets = make([]core.BudgetProgress, 0, len(data.budgets))
	for _, bud := range data.budgets {
		limit, err := data.rates.convert(bud.Limit, snap.Currency)
		if err != nil {
			return err
		}
		s := spent[bud.Category]
		pct := decimal.Zero
		if limit.Amount.IsPositive() {
			pct = s.Div(limit.Amount).Mul(hundred)
		}
		snap.Budgets = append(snap.Budgets, core.BudgetProgress{
			Category: bud.Category,
			Limit:    limit,
			Spent:    core.Money{Amount: s, Currency: snap.Currency},
			Percent:  pct.StringFixed(1),
			Over:     s.GreaterThan(limit.Amount),
		})
	}
	sort.Slice(snap.Budgets, func(i, j int) bool { return snap.Budgets[i].Category < snap.Budgets[j].Category })
	return nil
}

func fillHoldings(snap *core.Snapshot, data ledgerData) error {
	snap.HoldingTotal = core.Zero(snap.Currency)
	snap.Holdings = make([]core.HoldingValue, 0, len(data.holdings))
	for _, h := range data.holdings {
		v, err := data.rates.convert(h.Value(), snap.Currency)
		if err != nil {
			return err
		}
		snap.Holdings = append(snap.Holdings, core.HoldingValue{
			Symbol:    h.Symbol,
			AccountID: h.AccountID,
			Quantity:  h.Quantity,
			Value:     v,
		})
		snap.HoldingTotal.Amount = snap.HoldingTotal.Amount.Add(v.Amount)
	}
	sort.Slice(snap.Holdings, func(i, j int) bool {
		a, b := snap.Holdings[i], snap.Holdings[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.AccountID < b.AccountID
	})
	return nil
}

func hasAccount(accounts []core.Account, id string) bool {
	for _, a := range accounts {
		if a.ID == id {
			return true
		}
	}
	return false
}

func restrictToAccounts(accounts []core.Account, txs []core.Transaction, holdings []core.Holding) ([]core.Transaction, []core.Holding) {
	allowed := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		allowed[a.ID] = struct{}{}
	}
	keptTx := txs[:0:0]
	for _, t := range txs {
		if _, ok := allowed[t.AccountID]; ok {
			keptTx = append(keptTx, t)
		}
	}
	keptH := holdings[:0:0]
	for _, h := range holdings {
		if _, ok := allowed[h.AccountID]; ok {
			keptH = append(keptH, h)
		}
	}
	return keptTx, keptH
}

type ratePair struct{ from, to string }

// rateTable converts between currencies using direct rates or the inverse of
// the opposite pair.
type rateTable map[ratePair]decimal.Decimal

func newRateTable(rates []core.ExchangeRate) rateTable {
	t := make(rateTable, len(rates))
	for _, r := range rates {
		t[ratePair{r.From, r.To}] = r.Rate.Decimal
	}
	return t
}

func (t rateTable) convert(m core.Money, to string) (core.Money, error) {
	if m.Currency == to {
		return m, nil
	}
	if r, ok := t[ratePair{m.Currency, to}]; ok {
		return m.Convert(to, core.Quantity{Decimal: r}), nil
	}
	if r, ok := t[ratePair{to, m.Currency}]; ok && !r.IsZero() {
		return core.Money{Amount: m.Amount.DivRound(r, 2), Currency: to}, nil
	}
	return core.Money{}, fmt.Errorf("%w: %s->%s", core.ErrMissingRate, m.Currency, to)
}
