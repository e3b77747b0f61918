package http

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	"fintrack/internal/dashcache"
)

const maxBodyBytes = 64 * 1024

// validate is safe for concurrent use once init has registered everything.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.RegisterValidation("no_null_bytes", validateNoNullBytes); err != nil {
		slog.Error("Failed to register no_null_bytes validator", "error", err)
	}
	if err := validate.RegisterValidation("month", validateMonth); err != nil {
		slog.Error("Failed to register month validator", "error", err)
	}
}

// validationError carries field-level problems for a 400 response
type validationError struct {
	details []ErrorDetail
}

func (e *validationError) Error() string {
	msgs := make([]string, 0, len(e.details))
	for _, d := range e.details {
		msgs = append(msgs, d.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func invalidField(location, message string) error {
	return &validationError{details: []ErrorDetail{{Location: location, Message: message}}}
}

// decodeJSON reads a bounded JSON body into dst and validates it. Unknown
// fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return invalidField("body", fmt.Sprintf("body must be at most %d bytes", maxErr.Limit))
		case errors.Is(err, io.EOF):
			return invalidField("body", "body is required")
		default:
			return invalidField("body", "malformed JSON: "+err.Error())
		}
	}
	return validateStruct(dst)
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	details := make([]ErrorDetail, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		details = append(details, ErrorDetail{Location: fe.Field(), Message: formatFieldError(fe)})
	}
	return &validationError{details: details}
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "len":
		return fmt.Sprintf("%s must be %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "alpha":
		return field + " must contain letters only"
	case "datetime":
		return fmt.Sprintf("%s must be a date in %s format", field, fe.Param())
	case "month":
		return field + " must be a month in YYYY-MM format"
	case "no_null_bytes":
		return field + " must not contain NULL bytes"
	default:
		return field + " is invalid"
	}
}

func validateNoNullBytes(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return true
	}
	return !strings.Contains(fl.Field().String(), "\x00")
}

func validateMonth(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	_, err := core.ParseMonthKey(fl.Field().String())
	return err == nil
}

// parseMonthParam reads ?month=YYYY-MM, defaulting to the current month
func parseMonthParam(r *http.Request, now time.Time) (core.MonthKey, error) {
	v := strings.TrimSpace(r.URL.Query().Get("month"))
	if v == "" {
		return core.MonthKeyOf(now), nil
	}
	return core.ParseMonthKey(v)
}

type accountRequest struct {
	Name     string `json:"name" validate:"required,max=100,no_null_bytes"`
	Currency string `json:"currency" validate:"required,len=3,alpha"`
}

func (req accountRequest) toAccount() core.Account {
	return core.Account{Name: sanitizeInput(req.Name), Currency: strings.ToUpper(req.Currency)}
}

type transactionRequest struct {
	AccountID   string `json:"account_id" validate:"required,max=64"`
	Kind        string `json:"kind" validate:"required,oneof=income expense"`
	Description string `json:"description" validate:"required,max=200,no_null_bytes"`
	Category    string `json:"category" validate:"required,max=100,no_null_bytes"`
	Amount      string `json:"amount" validate:"required"`
	Currency    string `json:"currency" validate:"required,len=3,alpha"`
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
}

func (req transactionRequest) toTransaction(id string) (core.Transaction, error) {
	amount, err := parseMoney(req.Amount, req.Currency)
	if err != nil {
		return core.Transaction{}, err
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return core.Transaction{}, invalidField("date", "date must be a date in 2006-01-02 format")
	}
	return core.Transaction{
		ID:          id,
		AccountID:   req.AccountID,
		Kind:        core.TransactionKind(req.Kind),
		Description: sanitizeInput(req.Description),
		Category:    sanitizeInput(req.Category),
		Amount:      amount,
		Date:        date,
	}, nil
}

type budgetRequest struct {
	Category string `json:"category" validate:"required,max=100,no_null_bytes"`
	Month    string `json:"month" validate:"required,month"`
	Limit    string `json:"limit" validate:"required"`
	Currency string `json:"currency" validate:"required,len=3,alpha"`
}

func (req budgetRequest) toBudget() (core.Budget, error) {
	limit, err := parseMoney(req.Limit, req.Currency)
	if err != nil {
		return core.Budget{}, err
	}
	return core.Budget{
		Category: sanitizeInput(req.Category),
		Month:    core.MonthKey(req.Month),
		Limit:    limit,
	}, nil
}

type holdingRequest struct {
	ID        string `json:"id" validate:"omitempty,max=64"`
	AccountID string `json:"account_id" validate:"required,max=64"`
	Symbol    string `json:"symbol" validate:"required,max=20,no_null_bytes"`
	Quantity  string `json:"quantity" validate:"required"`
	UnitPrice string `json:"unit_price" validate:"required"`
	Currency  string `json:"currency" validate:"required,len=3,alpha"`
}

func (req holdingRequest) toHolding() (core.Holding, error) {
	qty, err := decimal.NewFromString(strings.TrimSpace(req.Quantity))
	if err != nil || !qty.IsPositive() {
		return core.Holding{}, core.ErrInvalidQuantity
	}
	price, err := parseMoney(req.UnitPrice, req.Currency)
	if err != nil {
		return core.Holding{}, err
	}
	return core.Holding{
		ID:        req.ID,
		AccountID: req.AccountID,
		Symbol:    strings.ToUpper(sanitizeInput(req.Symbol)),
		Quantity:  core.Quantity{Decimal: qty},
		UnitPrice: price,
	}, nil
}

type priceEntry struct {
	Amount   string `json:"amount" validate:"required"`
	Currency string `json:"currency" validate:"required,len=3,alpha"`
}

type pricesRequest struct {
	Prices map[string]priceEntry `json:"prices" validate:"required,min=1,dive"`
}

func (req pricesRequest) toPrices() (map[string]core.Money, error) {
	prices := make(map[string]core.Money, len(req.Prices))
	for symbol, p := range req.Prices {
		m, err := parseMoney(p.Amount, p.Currency)
		if err != nil {
			return nil, fmt.Errorf("price for %s: %w", symbol, err)
		}
		prices[strings.ToUpper(strings.TrimSpace(symbol))] = m
	}
	return prices, nil
}

type exchangeRateRequest struct {
	From string `json:"from" validate:"required,len=3,alpha"`
	To   string `json:"to" validate:"required,len=3,alpha"`
	Rate string `json:"rate" validate:"required"`
}

func (req exchangeRateRequest) toRate() (core.ExchangeRate, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(req.Rate))
	if err != nil {
		return core.ExchangeRate{}, invalidField("rate", "rate must be a decimal number")
	}
	return core.ExchangeRate{From: req.From, To: req.To, Rate: core.Quantity{Decimal: rate}}, nil
}

type invalidateRequest struct {
	Month     string `json:"month" validate:"omitempty,month"`
	Account   string `json:"account" validate:"omitempty,max=64"`
	Aggregate bool   `json:"aggregate"`
	All       bool   `json:"all"`
}

func (r invalidateRequest) toScope() dashcache.Scope {
	sc := dashcache.Scope{
		AccountID:        sanitizeInput(r.Account),
		IncludeAggregate: r.Aggregate,
	}
	if r.Month != "" {
		month, _ := core.ParseMonthKey(r.Month)
		sc.MonthKey = string(month)
	}
	return sc
}

func parseMoney(amount, currency string) (core.Money, error) {
	d, err := core.ParseAmount(amount)
	if err != nil {
		return core.Money{}, err
	}
	return core.Money{Amount: d, Currency: strings.ToUpper(currency)}, nil
}
