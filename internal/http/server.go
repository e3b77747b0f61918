package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"fintrack/internal/log"
	"fintrack/internal/metrics"
	"fintrack/internal/middleware/ratelimit"
	"fintrack/internal/middleware/security"
	"fintrack/internal/middleware/trace"
)

// Deps are the collaborators the API serves. Metrics and Ready may be nil.
type Deps struct {
	Dashboards         DashboardCache
	Ledger             Ledger
	Metrics            *metrics.Metrics
	Logger             *log.Logger
	Ready              func(ctx context.Context) error
	RateLimitPerMinute int
}

type Server struct {
	http.Server
	dashboards DashboardCache
	ledger     Ledger
	metrics    *metrics.Metrics
	ready      func(ctx context.Context) error
	logger     *log.Logger
	now        func() time.Time

	dashboardTimeout time.Duration

	detector    *security.Detector
	tracer      *trace.Middleware
	rateLimiter *ratelimit.Limiter

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Discard()
	}
	detector := security.NewDetector()

	s := &Server{
		dashboards: deps.Dashboards,
		ledger:     deps.Ledger,
		metrics:    deps.Metrics,
		ready:      deps.Ready,
		logger:     logger.WithComponent(log.ComponentHTTP),
		now:        time.Now,
		detector:   detector,
		tracer:     trace.NewMiddleware(logger, detector.ExtractClientIP),
		rateLimiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: deps.RateLimitPerMinute,
		}),
		dashboardTimeout: defaultDashboardTimeout,
	}
	if s.metrics != nil {
		s.metrics.ObserveGuards(metrics.GuardStats{
			Requests:         func() int64 { return s.tracer.GetMetrics().TotalRequests },
			RateLimited:      func() int64 { return s.rateLimiter.GetMetrics().TotalHits },
			RateLimitClients: func() int64 { return s.rateLimiter.GetMetrics().ClientCount },
			Suspicious:       func() int64 { return detector.GetMetrics().SuspiciousRequests },
			Blocked:          func() int64 { return detector.GetMetrics().BlockedRequests },
		})
	}
	s.Server = http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(s.tracer.Middleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)
	r.Use(s.detector.Middleware)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path)
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	limited := s.rateLimiter.Middleware(s.detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		s.logger.WarnContext(r.Context(), "Rate limit exceeded",
			log.FieldClientIP, s.detector.ExtractClientIP(r), log.FieldPath, r.URL.Path)
		writeProblem(w, r, http.StatusTooManyRequests, "rate limit exceeded, retry later")
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/accounts", s.handleListAccounts)
		r.Get("/transactions/{id}", s.handleGetTransaction)
		r.Get("/cache/metrics", s.handleCacheMetrics)

		r.Group(func(r chi.Router) {
			r.Use(limited)

			r.Post("/accounts", s.handleCreateAccount)
			r.Post("/transactions", s.handleCreateTransaction)
			r.Put("/transactions/{id}", s.handleUpdateTransaction)
			r.Delete("/transactions/{id}", s.handleDeleteTransaction)
			r.Put("/budgets", s.handleSetBudget)
			r.Delete("/budgets", s.handleDeleteBudget)
			r.Put("/holdings", s.handleUpsertHolding)
			r.Delete("/holdings/{id}", s.handleDeleteHolding)
			r.Post("/holdings/prices", s.handleRefreshPrices)
			r.Put("/exchange-rates", s.handleSetExchangeRate)
			r.Post("/cache/invalidate", s.handleInvalidateCache)
			r.Post("/cache/metrics/reset", s.handleResetCacheMetrics)
		})
	})

	return r
}

// Shutdown stops the rate limiter cleanup and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
