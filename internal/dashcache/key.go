package dashcache

import (
	"net/url"
	"strings"
)

// Sentinels used when a key component is not supplied.
const (
	AnonymousUser   = "ANON"
	AllAccounts     = "ALL"
	DefaultCurrency = "DEFAULT"

	keyPrefix = "dashboard"
)

// KeyParams are the query parameters a dashboard key is derived from.
type KeyParams struct {
	UserID            string
	MonthKey          string
	AccountID         string
	PreferredCurrency string
}

// Key is the structured identity of a cached dashboard. Invalidation works on
// these fields directly; String is only used as the storage and flight id.
type Key struct {
	User     string
	Month    string
	Account  string
	Currency string
}

// BuildKey derives a Key from p, substituting sentinels for missing values.
func BuildKey(p KeyParams) Key {
	return Key{
		User:     orSentinel(p.UserID, AnonymousUser),
		Month:    strings.TrimSpace(p.MonthKey),
		Account:  orSentinel(p.AccountID, AllAccounts),
		Currency: orSentinel(p.PreferredCurrency, DefaultCurrency),
	}
}

// String renders dashboard:<user>:<month>:<account>:<currency>. Components are
// query-escaped so a ':' inside an id cannot make two keys collide.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	for _, part := range []string{k.User, k.Month, k.Account, k.Currency} {
		b.WriteByte(':')
		b.WriteString(url.QueryEscape(part))
	}
	return b.String()
}

// AccountID returns the account component, or nil for the all-accounts view.
func (k Key) AccountID() *string {
	if k.Account == AllAccounts {
		return nil
	}
	a := k.Account
	return &a
}

// PreferredCurrency returns the currency component, or nil for the default.
func (k Key) PreferredCurrency() *string {
	if k.Currency == DefaultCurrency {
		return nil
	}
	c := k.Currency
	return &c
}

func orSentinel(v, sentinel string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return sentinel
	}
	return v
}
