package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Income  TransactionKind = "income"
	Expense TransactionKind = "expense"
)

type (
	TransactionKind string

	// MonthKey identifies a calendar month in YYYY-MM form.
	MonthKey string

	Account struct {
		ID       string
		Name     string
		Currency string
	}

	Transaction struct {
		ID          string
		AccountID   string
		Kind        TransactionKind
		Description string
		Category    string
		Amount      Money
		Date        time.Time
	}

	Budget struct {
		ID       string
		Category string
		Month    MonthKey
		Limit    Money
	}

	Holding struct {
		ID        string
		AccountID string
		Symbol    string
		Quantity  Quantity
		UnitPrice Money
		UpdatedAt time.Time
	}

	ExchangeRate struct {
		From string
		To   string
		Rate Quantity
	}
)

var (
	ErrInvalidMonthKey   = errors.New("invalid month key")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidCurrency   = errors.New("invalid currency")
	ErrInvalidKind       = errors.New("invalid transaction kind")
	ErrEmptyDescription  = errors.New("empty description")
	ErrEmptyCategory     = errors.New("empty category")
	ErrEmptyAccount      = errors.New("empty account")
	ErrEmptySymbol       = errors.New("empty symbol")
	ErrEmptyName         = errors.New("empty name")
	ErrNotFound          = errors.New("not found")
	ErrMissingRate       = errors.New("missing exchange rate")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrDescriptionLength = errors.New("description too long (max 200 characters)")
)

// ParseMonthKey validates s and returns it as a MonthKey.
func ParseMonthKey(s string) (MonthKey, error) {
	s = strings.TrimSpace(s)
	if _, err := time.Parse("2006-01", s); err != nil || len(s) != 7 {
		return "", fmt.Errorf("%w: %q", ErrInvalidMonthKey, s)
	}
	return MonthKey(s), nil
}

// MonthKeyOf returns the month containing t (in UTC).
func MonthKeyOf(t time.Time) MonthKey {
	return MonthKey(t.UTC().Format("2006-01"))
}

func (m MonthKey) Validate() error {
	_, err := ParseMonthKey(string(m))
	return err
}

func (m MonthKey) String() string {
	return string(m)
}

// Bounds returns the first instant of the month and of the following month.
func (m MonthKey) Bounds() (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", string(m))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidMonthKey, m)
	}
	return start, start.AddDate(0, 1, 0), nil
}

// AddMonths shifts the month by n (negative values go back in time).
func (m MonthKey) AddMonths(n int) MonthKey {
	start, err := time.Parse("2006-01", string(m))
	if err != nil {
		return m
	}
	return MonthKeyOf(start.AddDate(0, n, 0))
}

func (k TransactionKind) Validate() error {
	switch k {
	case Income, Expense:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, k)
	}
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.AccountID) == "" {
		return ErrEmptyAccount
	}
	if err := t.Kind.Validate(); err != nil {
		return err
	}
	if len(strings.TrimSpace(t.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(t.Description) > 200 {
		return ErrDescriptionLength
	}
	if strings.TrimSpace(t.Category) == "" {
		return ErrEmptyCategory
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if t.Date.IsZero() {
		return errors.New("date cannot be zero")
	}
	return nil
}

// Month returns the month the transaction is booked in.
func (t Transaction) Month() MonthKey {
	return MonthKeyOf(t.Date)
}

func (b Budget) Validate() error {
	if strings.TrimSpace(b.Category) == "" {
		return ErrEmptyCategory
	}
	if err := b.Month.Validate(); err != nil {
		return err
	}
	return b.Limit.Validate()
}

func (h Holding) Validate() error {
	if strings.TrimSpace(h.AccountID) == "" {
		return ErrEmptyAccount
	}
	if strings.TrimSpace(h.Symbol) == "" {
		return ErrEmptySymbol
	}
	if !h.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	return h.UnitPrice.Validate()
}

// Value returns quantity times unit price in the price currency.
func (h Holding) Value() Money {
	return Money{Amount: h.UnitPrice.Amount.Mul(h.Quantity.Decimal), Currency: h.UnitPrice.Currency}
}
