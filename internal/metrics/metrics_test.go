package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fintrack/internal/dashcache"
)

var _ dashcache.Observer = (*Metrics)(nil)

func TestCacheObserver(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CacheHit()
	m.CacheHit()
	m.CacheMiss()
	m.CacheError("upsert")
	m.CacheError("upsert")
	m.CacheError("find")
	m.InFlight(3)
	m.PayloadSize(2048)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheErrors.WithLabelValues("upsert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheErrors.WithLabelValues("find")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(m.payloadBytes))
}

func TestInvalidated(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Invalidated("local", 4)
	m.Invalidated("remote", 0)
	m.Invalidated("local", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.invalidations.WithLabelValues("local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invalidations.WithLabelValues("remote")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.rowsInvalidate))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/transactions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/transactions/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/api/transactions/{id}", "404"))
	assert.Equal(t, 3.0, got)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.CacheMiss()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "fintrack_dashcache_misses_total 1"))
}

func TestObserveGuards(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	var blocked int64 = 2
	m.ObserveGuards(GuardStats{
		Requests:         func() int64 { return 7 },
		RateLimitClients: func() int64 { return 3 },
		Blocked:          func() int64 { return blocked },
	})

	assert.Equal(t, 1, testutil.CollectAndCount(reg, "fintrack_http_traced_requests_total"))
	assert.Zero(t, testutil.CollectAndCount(reg, "fintrack_http_suspicious_requests_total"))

	blocked = 5
	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP fintrack_http_blocked_requests_total Requests blocked by the detector
# TYPE fintrack_http_blocked_requests_total counter
fintrack_http_blocked_requests_total 5
# HELP fintrack_http_rate_limit_clients Clients tracked by the rate limiter
# TYPE fintrack_http_rate_limit_clients gauge
fintrack_http_rate_limit_clients 3
`), "fintrack_http_blocked_requests_total", "fintrack_http_rate_limit_clients")
	require.NoError(t, err)
}
