package storage

import (
	"database/sql"
	"time"
)

type Account struct {
	ID       string
	Name     string
	Currency string
}

type Transaction struct {
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

type Budget struct {
	ID       string
	Category string
	MonthKey string
	Amount   string
	Currency string
}

type Holding struct {
	ID        string
	AccountID string
	Symbol    string
	Quantity  string
	UnitPrice string
	Currency  string
	UpdatedAt time.Time
}

type ExchangeRate struct {
	FromCurrency string
	ToCurrency   string
	Rate         string
	UpdatedAt    time.Time
}

type DashboardCache struct {
	ID                int64
	CacheKey          string
	Data              []byte
	MonthKey          string
	AccountID         sql.NullString
	PreferredCurrency sql.NullString
	FetchedAt         int64
}
