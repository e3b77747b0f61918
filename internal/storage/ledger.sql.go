package storage

import (
	"context"
	"time"
)

const createAccount = `-- name: CreateAccount :one
INSERT INTO accounts (id, name, currency)
VALUES (?1, ?2, ?3)
RETURNING id, name, currency
`

type CreateAccountParams struct {
	ID       string
	Name     string
	Currency string
}

func (q *Queries) CreateAccount(ctx context.Context, arg CreateAccountParams) (Account, error) {
	row := q.db.QueryRowContext(ctx, createAccount, arg.ID, arg.Name, arg.Currency)
	var i Account
	err := row.Scan(&i.ID, &i.Name, &i.Currency)
	return i, err
}

const getAccount = `-- name: GetAccount :one
SELECT id, name, currency FROM accounts WHERE id = ?1
`

func (q *Queries) GetAccount(ctx context.Context, id string) (Account, error) {
	row := q.db.QueryRowContext(ctx, getAccount, id)
	var i Account
	err := row.Scan(&i.ID, &i.Name, &i.Currency)
	return i, err
}

const listAccounts = `-- name: ListAccounts :many
SELECT id, name, currency FROM accounts ORDER BY name, id
`

func (q *Queries) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := q.db.QueryContext(ctx, listAccounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Account
	for rows.Next() {
		var i Account
		if err := rows.Scan(&i.ID, &i.Name, &i.Currency); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createTransaction = `-- name: CreateTransaction :one
INSERT INTO transactions (id, account_id, kind, description, category, amount, currency, booked_on, month_key)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)
RETURNING id, account_id, kind, description, category, amount, currency, booked_on, month_key
`

type CreateTransactionParams struct {
	ID          string
	AccountID   string
	Kind        string
	Description string
	Category    string
	Amount      string
	Currency    string
	BookedOn    string
	MonthKey    string
}

func (q *Queries) CreateTransaction(ctx context.Context, arg CreateTransactionParams) (Transaction, error) {
	row := q.db.QueryRowContext(ctx, createTransaction,
		arg.ID,
		arg.AccountID,
		arg.Kind,
		arg.Description,
		arg.Category,
		arg.Amount,
		arg.Currency,
		arg.BookedOn,
		arg.MonthKey,
	)
	var i Transaction
	err := scanTransaction(row, &i)
	return i, err
}

const getTransaction = `-- name: GetTransaction :one
SELECT id, account_id, kind, description, category, amount, currency, booked_on, month_key
FROM transactions WHERE id = ?1
`

func (q *Queries) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	row := q.db.QueryRowContext(ctx, getTransaction, id)
	var i Transaction
	err := scanTransaction(row, &i)
	return i, err
}

const updateTransaction = `-- name: UpdateTransaction :one
UPDATE transactions
SET account_id = ?2, kind = ?3, description = ?4, category = ?5, amount = ?6,
    currency = ?7, booked_on = ?8, month_key = ?9, updated_at = CURRENT_TIMESTAMP
WHERE id = ?1
RETURNING id, account_id, kind, description, category, amount, currency, booked_on, month_key
`

type UpdateTransactionParams = CreateTransactionParams

func (q *Queries) UpdateTransaction(ctx context.Context, arg UpdateTransactionParams) (Transaction, error) {
	row := q.db.QueryRowContext(ctx, updateTransaction,
		arg.ID,
		arg.AccountID,
		arg.Kind,
		arg.Description,
		arg.Category,
		arg.Amount,
		arg.Currency,
		arg.BookedOn,
		arg.MonthKey,
	)
	var i Transaction
	err := scanTransaction(row, &i)
	return i, err
}

const deleteTransaction = `-- name: DeleteTransaction :execrows
DELETE FROM transactions WHERE id = ?1
`

func (q *Queries) DeleteTransaction(ctx context.Context, id string) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteTransaction, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const listTransactionsBetween = `-- name: ListTransactionsBetween :many
SELECT id, account_id, kind, description, category, amount, currency, booked_on, month_key
FROM transactions
WHERE month_key >= ?1 AND month_key <= ?2
  AND (?3 = '' OR account_id = ?3)
ORDER BY booked_on DESC, id
`

type ListTransactionsBetweenParams struct {
	FromMonth string
	ToMonth   string
	AccountID string
}

func (q *Queries) ListTransactionsBetween(ctx context.Context, arg ListTransactionsBetweenParams) ([]Transaction, error) {
	rows, err := q.db.QueryContext(ctx, listTransactionsBetween, arg.FromMonth, arg.ToMonth, arg.AccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Transaction
	for rows.Next() {
		var i Transaction
		if err := scanTransaction(rows, &i); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const upsertBudget = `-- name: UpsertBudget :one
INSERT INTO budgets (id, category, month_key, amount, currency)
VALUES (?1, ?2, ?3, ?4, ?5)
ON CONFLICT(category, month_key) DO UPDATE SET
    amount = excluded.amount,
    currency = excluded.currency
RETURNING id, category, month_key, amount, currency
`

type UpsertBudgetParams struct {
	ID       string
	Category string
	MonthKey string
	Amount   string
	Currency string
}

func (q *Queries) UpsertBudget(ctx context.Context, arg UpsertBudgetParams) (Budget, error) {
	row := q.db.QueryRowContext(ctx, upsertBudget, arg.ID, arg.Category, arg.MonthKey, arg.Amount, arg.Currency)
	var i Budget
	err := row.Scan(&i.ID, &i.Category, &i.MonthKey, &i.Amount, &i.Currency)
	return i, err
}

const deleteBudget = `-- name: DeleteBudget :execrows
DELETE FROM budgets WHERE category = ?1 AND month_key = ?2
`

type DeleteBudgetParams struct {
	Category string
	MonthKey string
}

func (q *Queries) DeleteBudget(ctx context.Context, arg DeleteBudgetParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteBudget, arg.Category, arg.MonthKey)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const listBudgetsByMonth = `-- name: ListBudgetsByMonth :many
SELECT id, category, month_key, amount, currency
FROM budgets WHERE month_key = ?1
ORDER BY category
`

func (q *Queries) ListBudgetsByMonth(ctx context.Context, monthKey string) ([]Budget, error) {
	rows, err := q.db.QueryContext(ctx, listBudgetsByMonth, monthKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Budget
	for rows.Next() {
		var i Budget
		if err := rows.Scan(&i.ID, &i.Category, &i.MonthKey, &i.Amount, &i.Currency); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const upsertHolding = `-- name: UpsertHolding :one
INSERT INTO holdings (id, account_id, symbol, quantity, unit_price, currency, updated_at)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7)
ON CONFLICT(account_id, symbol) DO UPDATE SET
    quantity = excluded.quantity,
    unit_price = excluded.unit_price,
    currency = excluded.currency,
    updated_at = excluded.updated_at
RETURNING id, account_id, symbol, quantity, unit_price, currency, updated_at
`

type UpsertHoldingParams struct {
	ID        string
	AccountID string
	Symbol    string
	Quantity  string
	UnitPrice string
	Currency  string
	UpdatedAt time.Time
}

func (q *Queries) UpsertHolding(ctx context.Context, arg UpsertHoldingParams) (Holding, error) {
	row := q.db.QueryRowContext(ctx, upsertHolding,
		arg.ID,
		arg.AccountID,
		arg.Symbol,
		arg.Quantity,
		arg.UnitPrice,
		arg.Currency,
		arg.UpdatedAt,
	)
	var i Holding
	err := scanHolding(row, &i)
	return i, err
}

const deleteHolding = `-- name: DeleteHolding :one
DELETE FROM holdings WHERE id = ?1
RETURNING account_id
`

// DeleteHolding returns the owning account of the removed row.
func (q *Queries) DeleteHolding(ctx context.Context, id string) (string, error) {
	row := q.db.QueryRowContext(ctx, deleteHolding, id)
	var accountID string
	err := row.Scan(&accountID)
	return accountID, err
}

const listHoldings = `-- name: ListHoldings :many
SELECT id, account_id, symbol, quantity, unit_price, currency, updated_at
FROM holdings
WHERE (?1 = '' OR account_id = ?1)
ORDER BY symbol, account_id
`

func (q *Queries) ListHoldings(ctx context.Context, accountID string) ([]Holding, error) {
	rows, err := q.db.QueryContext(ctx, listHoldings, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Holding
	for rows.Next() {
		var i Holding
		if err := scanHolding(rows, &i); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const updateHoldingPrice = `-- name: UpdateHoldingPrice :execrows
UPDATE holdings SET unit_price = ?2, currency = ?3, updated_at = ?4
WHERE symbol = ?1
`

type UpdateHoldingPriceParams struct {
	Symbol    string
	UnitPrice string
	Currency  string
	UpdatedAt time.Time
}

func (q *Queries) UpdateHoldingPrice(ctx context.Context, arg UpdateHoldingPriceParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, updateHoldingPrice, arg.Symbol, arg.UnitPrice, arg.Currency, arg.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const upsertExchangeRate = `-- name: UpsertExchangeRate :exec
INSERT INTO exchange_rates (from_currency, to_currency, rate, updated_at)
VALUES (?1, ?2, ?3, ?4)
ON CONFLICT(from_currency, to_currency) DO UPDATE SET
    rate = excluded.rate,
    updated_at = excluded.updated_at
`

type UpsertExchangeRateParams struct {
	FromCurrency string
	ToCurrency   string
	Rate         string
	UpdatedAt    time.Time
}

func (q *Queries) UpsertExchangeRate(ctx context.Context, arg UpsertExchangeRateParams) error {
	_, err := q.db.ExecContext(ctx, upsertExchangeRate, arg.FromCurrency, arg.ToCurrency, arg.Rate, arg.UpdatedAt)
	return err
}

const listExchangeRates = `-- name: ListExchangeRates :many
SELECT from_currency, to_currency, rate, updated_at FROM exchange_rates
`

func (q *Queries) ListExchangeRates(ctx context.Context) ([]ExchangeRate, error) {
	rows, err := q.db.QueryContext(ctx, listExchangeRates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ExchangeRate
	for rows.Next() {
		var i ExchangeRate
		if err := rows.Scan(&i.FromCurrency, &i.ToCurrency, &i.Rate, &i.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner, i *Transaction) error {
	return s.Scan(
		&i.ID,
		&i.AccountID,
		&i.Kind,
		&i.Description,
		&i.Category,
		&i.Amount,
		&i.Currency,
		&i.BookedOn,
		&i.MonthKey,
	)
}

func scanHolding(s scanner, i *Holding) error {
	return s.Scan(
		&i.ID,
		&i.AccountID,
		&i.Symbol,
		&i.Quantity,
		&i.UnitPrice,
		&i.Currency,
		&i.UpdatedAt,
	)
}
