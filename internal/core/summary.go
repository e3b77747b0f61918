package core

import "time"

// DashboardParams selects the dashboard view to build.
//
// Accounts is an optional pre-fetched account list; when present the cache is
// bypassed because a slice cannot be part of a cache key.
type DashboardParams struct {
	MonthKey          MonthKey
	AccountID         string
	PreferredCurrency string
	UserID            string
	Accounts          []Account
}

// CategoryAmount represents an amount aggregated by category name.
type CategoryAmount struct {
	Name   string `json:"name"`
	Amount Money  `json:"amount"`
}

// BudgetProgress compares a budget limit to the month's spend in its category.
type BudgetProgress struct {
	Category string `json:"category"`
	Limit    Money  `json:"limit"`
	Spent    Money  `json:"spent"`
	Percent  string `json:"percent"`
	Over     bool   `json:"over"`
}

// HoldingValue is a holding valued in the snapshot currency.
type HoldingValue struct {
	Symbol    string   `json:"symbol"`
	AccountID string   `json:"account_id"`
	Quantity  Quantity `json:"quantity"`
	Value     Money    `json:"value"`
}

// MonthTotals is one point of the income/expense history.
type MonthTotals struct {
	Month    MonthKey `json:"month"`
	Income   Money    `json:"income"`
	Expenses Money    `json:"expenses"`
}

// TransactionView is a transaction converted to the snapshot currency.
type TransactionView struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	Kind        TransactionKind `json:"kind"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Amount      Money           `json:"amount"`
	Date        time.Time       `json:"date"`
}

// Snapshot is the aggregated dashboard for a month and account scope.
type Snapshot struct {
	Month        MonthKey          `json:"month"`
	AccountID    string            `json:"account_id,omitempty"`
	Currency     string            `json:"currency"`
	Income       Money             `json:"income"`
	Expenses     Money             `json:"expenses"`
	Net          Money             `json:"net"`
	ByCategory   []CategoryAmount  `json:"by_category"`
	Budgets      []BudgetProgress  `json:"budgets"`
	Holdings     []HoldingValue    `json:"holdings"`
	HoldingTotal Money             `json:"holding_total"`
	History      []MonthTotals     `json:"history"`
	Recent       []TransactionView `json:"recent"`
	GeneratedAt  time.Time         `json:"generated_at"`
}
