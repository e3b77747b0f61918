package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fintrack/internal/core"
	"fintrack/internal/dashcache"
	"fintrack/internal/metrics"
	"fintrack/internal/services"
	"fintrack/internal/storage"
)

type apiFixture struct {
	srv     *Server
	store   *dashcache.MemoryStore
	account string
}

func setupAPI(t *testing.T, rateLimit int, ready func(context.Context) error) *apiFixture {
	t.Helper()

	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	m := metrics.New(prometheus.NewRegistry())
	store := dashcache.NewMemoryStore(100, time.Hour)
	cache := dashcache.NewService(store, services.NewDashboardBuilder(repo, 3).Build, dashcache.Config{Observer: m})
	ledger := services.NewLedgerService(repo, cache, nil, m, nil)

	acc, err := ledger.CreateAccount(context.Background(), core.Account{Name: "Checking", Currency: "EUR"})
	require.NoError(t, err)

	srv := NewServer(":0", Deps{
		Dashboards:         cache,
		Ledger:             ledger,
		Metrics:            m,
		Ready:              ready,
		RateLimitPerMinute: rateLimit,
	})
	srv.now = func() time.Time { return time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &apiFixture{srv: srv, store: store, account: acc.ID}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func (f *apiFixture) createExpense(t *testing.T, amount, date string) transactionResponse {
	t.Helper()
	body := `{"account_id":"` + f.account + `","kind":"expense","description":"Groceries","category":"Food","amount":"` + amount + `","currency":"EUR","date":"` + date + `"}`
	rr := f.do(t, http.MethodPost, "/api/transactions", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var out transactionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func (f *apiFixture) dashboard(t *testing.T, query string) core.Snapshot {
	t.Helper()
	rr := f.do(t, http.MethodGet, "/api/dashboard"+query, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var snap core.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	return snap
}

func (f *apiFixture) cacheMetrics(t *testing.T) cacheMetricsResponse {
	t.Helper()
	rr := f.do(t, http.MethodGet, "/api/cache/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var out cacheMetricsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestHealthAndReady(t *testing.T) {
	f := setupAPI(t, 0, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rr.Code, path)
		assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
		assert.True(t, strings.HasPrefix(rr.Header().Get("X-Request-ID"), "req_"))
	}
}

func TestReady_ReportsDependencyFailure(t *testing.T) {
	f := setupAPI(t, 0, func(context.Context) error { return errors.New("database is locked") })

	rr := f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "database is locked")
}

func TestDashboard_CachesAndReportsMetrics(t *testing.T) {
	f := setupAPI(t, 0, nil)
	f.createExpense(t, "12.50", "2025-03-04")

	first := f.dashboard(t, "?month=2025-03")
	second := f.dashboard(t, "?month=2025-03")

	assert.True(t, first.Expenses.Amount.Equal(decimal.RequireFromString("12.50")))
	assert.Equal(t, first.GeneratedAt.UnixNano(), second.GeneratedAt.UnixNano(), "second read must come from the cache")
	assert.Equal(t, 1, f.store.Len())

	m := f.cacheMetrics(t)
	assert.Equal(t, int64(1), m.CacheHit)
	assert.Equal(t, int64(1), m.CacheMiss)
	assert.Equal(t, 50.0, m.HitRate)
	assert.Equal(t, int64(300), m.TTLSeconds)
	assert.Equal(t, dashcache.DefaultMaxSizeBytes, m.MaxSizeBytes)
	assert.Equal(t, 0, m.InFlight)
}

func TestDashboard_DefaultsToCurrentMonth(t *testing.T) {
	f := setupAPI(t, 0, nil)

	snap := f.dashboard(t, "")
	assert.Equal(t, core.MonthKey("2025-03"), snap.Month)
	assert.Equal(t, "EUR", snap.Currency)
}

func TestDashboard_Errors(t *testing.T) {
	f := setupAPI(t, 0, nil)

	tests := []struct {
		query string
		want  int
	}{
		{"?month=2025-13", http.StatusBadRequest},
		{"?month=2025-03&currency=euro", http.StatusBadRequest},
		{"?month=2025-03&account=missing", http.StatusNotFound},
		{"?month=2025-03&currency=GBP", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if tt.want == http.StatusUnprocessableEntity {
				f.createExpense(t, "5", "2025-03-02")
			}
			rr := f.do(t, http.MethodGet, "/api/dashboard"+tt.query, "")
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
			assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestMutationInvalidatesDashboard(t *testing.T) {
	f := setupAPI(t, 0, nil)
	tx := f.createExpense(t, "10", "2025-03-04")

	before := f.dashboard(t, "?month=2025-03&account="+f.account)
	require.True(t, before.Expenses.Amount.Equal(decimal.NewFromInt(10)))

	body := `{"account_id":"` + f.account + `","kind":"expense","description":"Groceries","category":"Food","amount":"25","currency":"EUR","date":"2025-03-04"}`
	rr := f.do(t, http.MethodPut, "/api/transactions/"+tx.ID, body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	after := f.dashboard(t, "?month=2025-03&account="+f.account)
	assert.True(t, after.Expenses.Amount.Equal(decimal.NewFromInt(25)), "got %s", after.Expenses.Amount)

	rr = f.do(t, http.MethodDelete, "/api/transactions/"+tx.ID, "")
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, 0, f.store.Len())

	rr = f.do(t, http.MethodGet, "/api/transactions/"+tx.ID, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateTransaction_Validation(t *testing.T) {
	f := setupAPI(t, 0, nil)

	rr := f.do(t, http.MethodPost, "/api/transactions", `{"account_id":"`+f.account+`","kind":"gift","description":"x","category":"y","currency":"EUR","date":"04/03/2025"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var p ProblemDetails
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	locations := make([]string, 0, len(p.Errors))
	for _, e := range p.Errors {
		locations = append(locations, e.Location)
	}
	assert.ElementsMatch(t, []string{"kind", "amount", "date"}, locations)
	assert.NotEmpty(t, p.RequestID)

	rr = f.do(t, http.MethodPost, "/api/transactions", `{"account_id":"`+f.account+`","kind":"expense","description":"x","category":"y","amount":"-3","currency":"EUR","date":"2025-03-04"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), core.ErrInvalidAmount.Error())
}

func TestBudgetsHoldingsAndRates(t *testing.T) {
	f := setupAPI(t, 0, nil)

	rr := f.do(t, http.MethodPut, "/api/budgets", `{"category":"Food","month":"2025-03","limit":"200","currency":"EUR"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPut, "/api/holdings", `{"account_id":"`+f.account+`","symbol":"vwce","quantity":"2","unit_price":"100","currency":"EUR"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var h holdingResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &h))
	assert.Equal(t, "VWCE", h.Symbol)

	snap := f.dashboard(t, "?month=2025-03")
	require.Len(t, snap.Budgets, 1)
	assert.True(t, snap.HoldingTotal.Amount.Equal(decimal.NewFromInt(200)))

	rr = f.do(t, http.MethodPost, "/api/holdings/prices", `{"prices":{"vwce":{"amount":"150","currency":"EUR"}}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"updated":1}`, rr.Body.String())
	assert.Equal(t, 0, f.store.Len())

	snap = f.dashboard(t, "?month=2025-03")
	assert.True(t, snap.HoldingTotal.Amount.Equal(decimal.NewFromInt(300)))

	rr = f.do(t, http.MethodPut, "/api/exchange-rates", `{"from":"usd","to":"eur","rate":"0.9"}`)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	assert.Equal(t, 0, f.store.Len())

	rr = f.do(t, http.MethodDelete, "/api/budgets?category=Food&month=2025-03", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = f.do(t, http.MethodDelete, "/api/budgets?category=Food&month=2025-03", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	f.dashboard(t, "?month=2025-03")
	rr = f.do(t, http.MethodDelete, "/api/holdings/"+h.ID, "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	snap = f.dashboard(t, "?month=2025-03")
	assert.Empty(t, snap.Holdings)
	assert.True(t, snap.HoldingTotal.Amount.IsZero())
}

func TestInvalidateCache(t *testing.T) {
	f := setupAPI(t, 0, nil)
	f.dashboard(t, "?month=2025-03")
	f.dashboard(t, "?month=2025-02")
	require.Equal(t, 2, f.store.Len())

	rr := f.do(t, http.MethodPost, "/api/cache/invalidate", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 2, f.store.Len())

	rr = f.do(t, http.MethodPost, "/api/cache/invalidate", `{"month":" 2025-03 "}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"removed":1}`, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/api/cache/invalidate", `{"all":true}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"removed":1}`, rr.Body.String())
	assert.Equal(t, 0, f.store.Len())
}

func TestResetCacheMetrics(t *testing.T) {
	f := setupAPI(t, 0, nil)
	f.dashboard(t, "?month=2025-03")
	f.dashboard(t, "?month=2025-03")

	rr := f.do(t, http.MethodPost, "/api/cache/metrics/reset", "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	m := f.cacheMetrics(t)
	assert.Zero(t, m.CacheHit)
	assert.Zero(t, m.CacheMiss)
	assert.Zero(t, m.HitRate)
}

func TestRateLimitOnMutatingRoutes(t *testing.T) {
	f := setupAPI(t, 1, nil)

	rr := f.do(t, http.MethodPost, "/api/accounts", `{"name":"Savings","currency":"EUR"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/api/accounts", `{"name":"Brokerage","currency":"EUR"}`)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	// reads are not limited
	for i := 0; i < 3; i++ {
		rr = f.do(t, http.MethodGet, "/api/accounts", "")
		assert.Equal(t, http.StatusOK, rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "fintrack_http_rate_limited_total 1")
	assert.Contains(t, rr.Body.String(), "fintrack_http_rate_limit_clients 1")
}

func TestUnknownRouteAndSuspiciousRequests(t *testing.T) {
	f := setupAPI(t, 0, nil)

	rr := f.do(t, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = f.do(t, http.MethodGet, "/api/dashboard?month=../../etc/passwd", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, int64(1), f.srv.detector.GetMetrics().BlockedRequests)

	rr = f.do(t, http.MethodPatch, "/api/transactions", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestPrometheusEndpoint(t *testing.T) {
	f := setupAPI(t, 0, nil)
	f.dashboard(t, "?month=2025-03")

	rr := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "fintrack_dashcache_misses_total 1")
	assert.Contains(t, body, `fintrack_http_requests_total{method="GET",route="/api/dashboard",status="200"} 1`)
}

func TestDashboard_TimesOutWhileComputationContinues(t *testing.T) {
	release := make(chan struct{})
	computed := make(chan struct{})
	store := dashcache.NewMemoryStore(10, time.Hour)
	cache := dashcache.NewService(store, func(ctx context.Context, p core.DashboardParams) (core.Snapshot, error) {
		<-release
		defer close(computed)
		return core.Snapshot{Month: p.MonthKey}, nil
	}, dashcache.DefaultConfig())

	srv := NewServer(":0", Deps{Dashboards: cache})
	srv.now = func() time.Time { return time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC) }
	srv.dashboardTimeout = 50 * time.Millisecond
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/dashboard?month=2025-03", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rr.Code, rr.Body.String())

	close(release)
	<-computed
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)

	rr = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/dashboard?month=2025-03", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(1), cache.Metrics().CacheHit)
}
