// Package core provides money parsing and handling utilities.
//
// Amounts are carried as shopspring decimals so that totals, conversions and
// budget ratios never go through float64.
package core

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

type (
	// Money is an amount in a single ISO 4217 currency.
	Money struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}

	// Quantity is a unitless decimal (share counts, exchange rates).
	Quantity struct {
		decimal.Decimal
	}
)

// NewMoney builds Money from a decimal string, panicking on malformed input.
// Intended for constants and tests.
func NewMoney(amount, currency string) Money {
	return Money{Amount: decimal.RequireFromString(amount), Currency: strings.ToUpper(currency)}
}

// NewQuantity builds a Quantity from a decimal string, panicking on malformed input.
func NewQuantity(s string) Quantity {
	return Quantity{decimal.RequireFromString(s)}
}

// ParseAmount converts a user supplied decimal string to a positive amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and rounds
// half-up to two decimal places. Returns ErrInvalidAmount for invalid formats,
// signed values or zero.
//
// Examples:
//
//	ParseAmount("12.34")  -> 12.34
//	ParseAmount("12,34")  -> 12.34
//	ParseAmount("12.345") -> 12.35
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return decimal.Zero, ErrInvalidAmount
	}
	if strings.Count(s, ".") > 1 {
		return decimal.Zero, ErrInvalidAmount
	}
	for _, r := range s {
		if r != '.' && !unicode.IsDigit(r) {
			return decimal.Zero, ErrInvalidAmount
		}
	}
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	d = d.Round(2)
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// ValidateCurrency checks for a three letter upper-case code.
func ValidateCurrency(code string) error {
	if len(code) != 3 {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return nil
}

func (m Money) Validate() error {
	if !m.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return ValidateCurrency(m.Currency)
}

// Zero returns a zero amount in currency.
func Zero(currency string) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// Add sums two amounts of the same currency.
func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, fmt.Errorf("add %s to %s: currency mismatch", o.Currency, m.Currency)
	}
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency}, nil
}

// Sub subtracts o from m. Both must share a currency.
func (m Money) Sub(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, fmt.Errorf("subtract %s from %s: currency mismatch", o.Currency, m.Currency)
	}
	return Money{Amount: m.Amount.Sub(o.Amount), Currency: m.Currency}, nil
}

// Convert returns m expressed in currency to using rate (units of to per unit of m).
func (m Money) Convert(to string, rate Quantity) Money {
	if m.Currency == to {
		return m
	}
	return Money{Amount: m.Amount.Mul(rate.Decimal).Round(2), Currency: to}
}

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}
