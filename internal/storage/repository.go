package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fintrack/internal/core"

	_ "modernc.org/sqlite"
)

const dateLayout = "2006-01-02"

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
}

// DSN appends the connection pragmas every fintrack connection uses.
func DSN(dbPath string) string {
	return dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := RunMigrations(DSN(dbPath)); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// DB exposes the underlying handle so other stores can share the connection pool.
func (r *SQLiteRepository) DB() *sql.DB {
	return r.db
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) CreateAccount(ctx context.Context, a core.Account) (core.Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	row, err := r.queries.CreateAccount(ctx, CreateAccountParams{
		ID:       a.ID,
		Name:     a.Name,
		Currency: strings.ToUpper(a.Currency),
	})
	if err != nil {
		return core.Account{}, fmt.Errorf("create account: %w", err)
	}
	return accountFromRow(row), nil
}

func (r *SQLiteRepository) GetAccount(ctx context.Context, id string) (core.Account, error) {
	row, err := r.queries.GetAccount(ctx, id)
	if err != nil {
		return core.Account{}, notFound(err, "get account %s", id)
	}
	return accountFromRow(row), nil
}

func (r *SQLiteRepository) ListAccounts(ctx context.Context) ([]core.Account, error) {
	rows, err := r.queries.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]core.Account, len(rows))
	for i, row := range rows {
		out[i] = accountFromRow(row)
	}
	return out, nil
}

func (r *SQLiteRepository) CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	row, err := r.queries.CreateTransaction(ctx, transactionParams(t))
	if err != nil {
		return core.Transaction{}, fmt.Errorf("create transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction saved to SQLite",
		"id", row.ID,
		"account_id", row.AccountID,
		"amount", row.Amount,
		"month_key", row.MonthKey)

	return transactionFromRow(row)
}

func (r *SQLiteRepository) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	row, err := r.queries.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, notFound(err, "get transaction %s", id)
	}
	return transactionFromRow(row)
}

func (r *SQLiteRepository) UpdateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	row, err := r.queries.UpdateTransaction(ctx, transactionParams(t))
	if err != nil {
		return core.Transaction{}, notFound(err, "update transaction %s", t.ID)
	}
	return transactionFromRow(row)
}

func (r *SQLiteRepository) DeleteTransaction(ctx context.Context, id string) error {
	n, err := r.queries.DeleteTransaction(ctx, id)
	if err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete transaction %s: %w", id, core.ErrNotFound)
	}
	return nil
}

// ListTransactions returns transactions booked between from and to inclusive,
// newest first. An empty accountID selects every account.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, from, to core.MonthKey, accountID string) ([]core.Transaction, error) {
	rows, err := r.queries.ListTransactionsBetween(ctx, ListTransactionsBetweenParams{
		FromMonth: string(from),
		ToMonth:   string(to),
		AccountID: accountID,
	})
	if err != nil {
		return nil, fmt.Errorf("list transactions %s..%s: %w", from, to, err)
	}
	out := make([]core.Transaction, 0, len(rows))
	for _, row := range rows {
		t, err := transactionFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *SQLiteRepository) SetBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	row, err := r.queries.UpsertBudget(ctx, UpsertBudgetParams{
		ID:       b.ID,
		Category: b.Category,
		MonthKey: string(b.Month),
		Amount:   b.Limit.Amount.String(),
		Currency: b.Limit.Currency,
	})
	if err != nil {
		return core.Budget{}, fmt.Errorf("upsert budget: %w", err)
	}
	return budgetFromRow(row)
}

func (r *SQLiteRepository) DeleteBudget(ctx context.Context, category string, month core.MonthKey) error {
	n, err := r.queries.DeleteBudget(ctx, DeleteBudgetParams{Category: category, MonthKey: string(month)})
	if err != nil {
		return fmt.Errorf("delete budget: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete budget %s/%s: %w", category, month, core.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) ListBudgets(ctx context.Context, month core.MonthKey) ([]core.Budget, error) {
	rows, err := r.queries.ListBudgetsByMonth(ctx, string(month))
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	out := make([]core.Budget, 0, len(rows))
	for _, row := range rows {
		b, err := budgetFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *SQLiteRepository) UpsertHolding(ctx context.Context, h core.Holding) (core.Holding, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = time.Now().UTC()
	}
	row, err := r.queries.UpsertHolding(ctx, UpsertHoldingParams{
		ID:        h.ID,
		AccountID: h.AccountID,
		Symbol:    strings.ToUpper(h.Symbol),
		Quantity:  h.Quantity.String(),
		UnitPrice: h.UnitPrice.Amount.String(),
		Currency:  h.UnitPrice.Currency,
		UpdatedAt: h.UpdatedAt,
	})
	if err != nil {
		return core.Holding{}, fmt.Errorf("upsert holding: %w", err)
	}
	return holdingFromRow(row)
}

// DeleteHolding removes a holding and returns the account it belonged to.
func (r *SQLiteRepository) DeleteHolding(ctx context.Context, id string) (string, error) {
	accountID, err := r.queries.DeleteHolding(ctx, id)
	if err != nil {
		return "", notFound(err, "delete holding %s", id)
	}
	return accountID, nil
}

func (r *SQLiteRepository) ListHoldings(ctx context.Context, accountID string) ([]core.Holding, error) {
	rows, err := r.queries.ListHoldings(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list holdings: %w", err)
	}
	out := make([]core.Holding, 0, len(rows))
	for _, row := range rows {
		h, err := holdingFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// UpdatePrices sets the unit price of every holding of each symbol in one
// transaction and returns the number of holdings touched.
func (r *SQLiteRepository) UpdatePrices(ctx context.Context, prices map[string]core.Money, at time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin price update: %w", err)
	}
	defer tx.Rollback()

	q := r.queries.WithTx(tx)
	var total int64
	for symbol, price := range prices {
		n, err := q.UpdateHoldingPrice(ctx, UpdateHoldingPriceParams{
			Symbol:    strings.ToUpper(symbol),
			UnitPrice: price.Amount.String(),
			Currency:  price.Currency,
			UpdatedAt: at,
		})
		if err != nil {
			return 0, fmt.Errorf("update price for %s: %w", symbol, err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit price update: %w", err)
	}
	return total, nil
}

func (r *SQLiteRepository) SetExchangeRate(ctx context.Context, rate core.ExchangeRate) error {
	err := r.queries.UpsertExchangeRate(ctx, UpsertExchangeRateParams{
		FromCurrency: rate.From,
		ToCurrency:   rate.To,
		Rate:         rate.Rate.String(),
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("upsert exchange rate %s->%s: %w", rate.From, rate.To, err)
	}
	return nil
}

func (r *SQLiteRepository) ListExchangeRates(ctx context.Context) ([]core.ExchangeRate, error) {
	rows, err := r.queries.ListExchangeRates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list exchange rates: %w", err)
	}
	out := make([]core.ExchangeRate, 0, len(rows))
	for _, row := range rows {
		rate, err := decimal.NewFromString(row.Rate)
		if err != nil {
			return nil, fmt.Errorf("parse rate %s->%s: %w", row.FromCurrency, row.ToCurrency, err)
		}
		out = append(out, core.ExchangeRate{From: row.FromCurrency, To: row.ToCurrency, Rate: core.Quantity{Decimal: rate}})
	}
	return out, nil
}

func notFound(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, core.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func accountFromRow(row Account) core.Account {
	return core.Account{ID: row.ID, Name: row.Name, Currency: row.Currency}
}

func transactionParams(t core.Transaction) CreateTransactionParams {
	return CreateTransactionParams{
		ID:          t.ID,
		AccountID:   t.AccountID,
		Kind:        string(t.Kind),
		Description: t.Description,
		Category:    t.Category,
		Amount:      t.Amount.Amount.String(),
		Currency:    t.Amount.Currency,
		BookedOn:    t.Date.UTC().Format(dateLayout),
		MonthKey:    string(t.Month()),
	}
}

func transactionFromRow(row Transaction) (core.Transaction, error) {
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse amount of transaction %s: %w", row.ID, err)
	}
	date, err := time.Parse(dateLayout, row.BookedOn)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse date of transaction %s: %w", row.ID, err)
	}
	return core.Transaction{
		ID:          row.ID,
		AccountID:   row.AccountID,
		Kind:        core.TransactionKind(row.Kind),
		Description: row.Description,
		Category:    row.Category,
		Amount:      core.Money{Amount: amount, Currency: row.Currency},
		Date:        date,
	}, nil
}

func budgetFromRow(row Budget) (core.Budget, error) {
	amount, err := decimal.NewFromString(row.Amount)
	if err != nil {
		return core.Budget{}, fmt.Errorf("parse limit of budget %s: %w", row.ID, err)
	}
	return core.Budget{
		ID:       row.ID,
		Category: row.Category,
		Month:    core.MonthKey(row.MonthKey),
		Limit:    core.Money{Amount: amount, Currency: row.Currency},
	}, nil
}

func holdingFromRow(row Holding) (core.Holding, error) {
	qty, err := decimal.NewFromString(row.Quantity)
	if err != nil {
		return core.Holding{}, fmt.Errorf("parse quantity of holding %s: %w", row.ID, err)
	}
	price, err := decimal.NewFromString(row.UnitPrice)
	if err != nil {
		return core.Holding{}, fmt.Errorf("parse price of holding %s: %w", row.ID, err)
	}
	return core.Holding{
		ID:        row.ID,
		AccountID: row.AccountID,
		Symbol:    row.Symbol,
		Quantity:  core.Quantity{Decimal: qty},
		UnitPrice: core.Money{Amount: price, Currency: row.Currency},
		UpdatedAt: row.UpdatedAt,
	}, nil
}
