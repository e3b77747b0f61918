package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fintrack/internal/core"
	"fintrack/internal/dashcache"
	"fintrack/internal/log"
)

// Ledger applies mutations and keeps the dashboard cache consistent
type Ledger interface {
	CreateAccount(ctx context.Context, a core.Account) (core.Account, error)
	ListAccounts(ctx context.Context) ([]core.Account, error)
	CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
	GetTransaction(ctx context.Context, id string) (core.Transaction, error)
	UpdateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error
	SetBudget(ctx context.Context, b core.Budget) (core.Budget, error)
	DeleteBudget(ctx context.Context, category string, month core.MonthKey) error
	UpsertHolding(ctx context.Context, h core.Holding) (core.Holding, error)
	DeleteHolding(ctx context.Context, id string) error
	RefreshHoldingPrices(ctx context.Context, prices map[string]core.Money) (int64, error)
	SetExchangeRate(ctx context.Context, rate core.ExchangeRate) error
	InvalidateCache(ctx context.Context, sc dashcache.Scope) (int64, error)
}

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// handleReady checks the ledger database and the cache store
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if s.ready != nil {
		if err := s.ready(ctx); err != nil {
			log.FromContext(ctx).WarnContext(ctx, "Readiness check failed", log.FieldError, err)
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":    "ready",
		"in_flight": s.dashboards.InFlightCount(),
	})
}

type accountResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

func toAccountResponse(a core.Account) accountResponse {
	return accountResponse{ID: a.ID, Name: a.Name, Currency: a.Currency}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.ledger.ListAccounts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccountResponse(a))
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.ledger.CreateAccount(r.Context(), req.toAccount())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, toAccountResponse(saved))
}

type transactionResponse struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	Kind        string     `json:"kind"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	Amount      core.Money `json:"amount"`
	Date        string     `json:"date"`
}

func toTransactionResponse(t core.Transaction) transactionResponse {
	return transactionResponse{
		ID:          t.ID,
		AccountID:   t.AccountID,
		Kind:        string(t.Kind),
		Description: t.Description,
		Category:    t.Category,
		Amount:      t.Amount,
		Date:        t.Date.Format("2006-01-02"),
	}
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := req.toTransaction("")
	if err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.ledger.CreateTransaction(r.Context(), t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Transaction created",
		log.NewFields().WithOperation(log.OpCreate).WithScope(string(saved.Month()), saved.AccountID).ToSlice()...)
	writeJSON(w, r, http.StatusCreated, toTransactionResponse(saved))
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.ledger.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toTransactionResponse(t))
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := req.toTransaction(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.ledger.UpdateTransaction(r.Context(), t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toTransactionResponse(saved))
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.DeleteTransaction(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type budgetResponse struct {
	ID       string     `json:"id"`
	Category string     `json:"category"`
	Month    string     `json:"month"`
	Limit    core.Money `json:"limit"`
}

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	var req budgetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	b, err := req.toBudget()
	if err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.ledger.SetBudget(r.Context(), b)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, budgetResponse{
		ID:       saved.ID,
		Category: saved.Category,
		Month:    string(saved.Month),
		Limit:    saved.Limit,
	})
}

// handleDeleteBudget removes the budget named by ?category=&month=
func (s *Server) handleDeleteBudget(w http.ResponseWriter, r *http.Request) {
	category := sanitizeInput(r.URL.Query().Get("category"))
	if category == "" {
		writeError(w, r, invalidField("category", "category is required"))
		return
	}
	month, err := core.ParseMonthKey(r.URL.Query().Get("month"))
	if err != nil {
		writeError(w, r, invalidField("month", "month must be a month in YYYY-MM format"))
		return
	}
	if err := s.ledger.DeleteBudget(r.Context(), category, month); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type holdingResponse struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Symbol    string     `json:"symbol"`
	Quantity  string     `json:"quantity"`
	UnitPrice core.Money `json:"unit_price"`
	Value     core.Money `json:"value"`
}

func (s *Server) handleUpsertHolding(w http.ResponseWriter, r *http.Request) {
	var req holdingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h, err := req.toHolding()
	if err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.ledger.UpsertHolding(r.Context(), h)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, holdingResponse{
		ID:        saved.ID,
		AccountID: saved.AccountID,
		Symbol:    saved.Symbol,
		Quantity:  saved.Quantity.String(),
		UnitPrice: saved.UnitPrice,
		Value:     saved.Value(),
	})
}

func (s *Server) handleDeleteHolding(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.DeleteHolding(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pricesResponse struct {
	Updated int64 `json:"updated"`
}

func (s *Server) handleRefreshPrices(w http.ResponseWriter, r *http.Request) {
	var req pricesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	prices, err := req.toPrices()
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.ledger.RefreshHoldingPrices(r.Context(), prices)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, pricesResponse{Updated: n})
}

func (s *Server) handleSetExchangeRate(w http.ResponseWriter, r *http.Request) {
	var req exchangeRateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rate, err := req.toRate()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.ledger.SetExchangeRate(r.Context(), rate); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
