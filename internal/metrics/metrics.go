// Package metrics exports fintrack counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fintrack"

// Metrics holds every collector registered by the service.
type Metrics struct {
	reg     prometheus.Gatherer
	factory promauto.Factory

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheErrors    *prometheus.CounterVec
	payloadBytes   prometheus.Histogram
	inFlight       prometheus.Gauge
	invalidations  *prometheus.CounterVec
	rowsInvalidate prometheus.Counter
	broadcasts     *prometheus.CounterVec
	janitorRemoved prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg:     reg,
		factory: f,

		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dashcache",
			Name:      "hits_total",
			Help:      "Dashboard reads served from the persisted store",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dashcache",
			Name:      "misses_total",
			Help:      "Dashboard computations completed on a cache miss",
		}),
		cacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dashcache",
			Name:      "errors_total",
			Help:      "Cache store failures absorbed by the service",
		}, []string{"op"}),
		payloadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dashcache",
			Name:      "payload_bytes",
			Help:      "Serialized dashboard snapshot size",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 12),
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dashcache",
			Name:      "in_flight",
			Help:      "Dashboard computations currently running",
		}),
		invalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dashcache",
			Name:      "invalidations_total",
			Help:      "Invalidation requests by origin",
		}, []string{"source"}),
		rowsInvalidate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dashcache",
			Name:      "invalidated_rows_total",
			Help:      "Persisted snapshots removed by invalidation",
		}),
		broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "invalidation_messages_total",
			Help:      "Invalidation broadcasts by direction and outcome",
		}, []string{"direction", "outcome"}),
		janitorRemoved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "expired_rows_removed_total",
			Help:      "Expired snapshots removed by the janitor",
		}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// GuardStats reads the counters kept by the HTTP guard middleware. Nil
// fields are not exported.
type GuardStats struct {
	Requests         func() int64
	RateLimited      func() int64
	RateLimitClients func() int64
	Suspicious       func() int64
	Blocked          func() int64
}

// ObserveGuards exports s as collectors read at scrape time. Call it once per
// registry.
func (m *Metrics) ObserveGuards(s GuardStats) {
	counter := func(name, help string, read func() int64) {
		if read == nil {
			return
		}
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read()) })
	}
	counter("traced_requests_total", "Requests seen by the trace middleware", s.Requests)
	counter("rate_limited_total", "Requests rejected by the rate limiter", s.RateLimited)
	counter("suspicious_requests_total", "Requests matching a probing pattern", s.Suspicious)
	counter("blocked_requests_total", "Requests blocked by the detector", s.Blocked)

	if s.RateLimitClients != nil {
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limit_clients",
			Help:      "Clients tracked by the rate limiter",
		}, func() float64 { return float64(s.RateLimitClients()) })
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// dashcache.Observer

func (m *Metrics) CacheHit()              { m.cacheHits.Inc() }
func (m *Metrics) CacheMiss()             { m.cacheMisses.Inc() }
func (m *Metrics) CacheError(op string)   { m.cacheErrors.WithLabelValues(op).Inc() }
func (m *Metrics) PayloadSize(bytes int)  { m.payloadBytes.Observe(float64(bytes)) }
func (m *Metrics) InFlight(n int)         { m.inFlight.Set(float64(n)) }
func (m *Metrics) JanitorRemoved(n int64) { m.janitorRemoved.Add(float64(n)) }
func (m *Metrics) Broadcast(dir, outcome string) {
	m.broadcasts.WithLabelValues(dir, outcome).Inc()
}

// Invalidated records one invalidation from source ("local", "remote", "api").
func (m *Metrics) Invalidated(source string, rows int64) {
	m.invalidations.WithLabelValues(source).Inc()
	m.rowsInvalidate.Add(float64(rows))
}

// Middleware records request counts and latency keyed by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
