package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/dashcache"
	"fintrack/internal/log"
)

const defaultDashboardTimeout = 7 * time.Second

// DashboardCache serves cached snapshots and exposes cache counters
type DashboardCache interface {
	Dashboard(ctx context.Context, p core.DashboardParams) (core.Snapshot, error)
	Metrics() dashcache.MetricsSnapshot
	ResetMetrics()
	InFlightCount() int
	TTL() time.Duration
	MaxCacheSizeBytes() int
}

// handleDashboard returns the snapshot for ?month=&account=&currency=. The
// month defaults to the current one.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.dashboardTimeout)
	defer cancel()

	month, err := parseMonthParam(r, s.now())
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "month must be in YYYY-MM format")
		return
	}

	q := r.URL.Query()
	params := core.DashboardParams{
		MonthKey:          month,
		AccountID:         sanitizeInput(q.Get("account")),
		PreferredCurrency: strings.ToUpper(sanitizeInput(q.Get("currency"))),
		UserID:            userID(r),
	}

	snap, err := s.dashboards.Dashboard(ctx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			log.FromContext(ctx).WarnContext(ctx, "Dashboard request timed out",
				log.NewFields().WithScope(string(month), params.AccountID).WithError(err).ToSlice()...)
			writeProblem(w, r, http.StatusGatewayTimeout, "dashboard computation timed out")
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

type cacheMetricsResponse struct {
	dashcache.MetricsSnapshot
	InFlight     int   `json:"in_flight"`
	TTLSeconds   int64 `json:"ttl_seconds"`
	MaxSizeBytes int   `json:"max_size_bytes"`
}

func (s *Server) handleCacheMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, cacheMetricsResponse{
		MetricsSnapshot: s.dashboards.Metrics(),
		InFlight:        s.dashboards.InFlightCount(),
		TTLSeconds:      int64(s.dashboards.TTL() / time.Second),
		MaxSizeBytes:    s.dashboards.MaxCacheSizeBytes(),
	})
}

func (s *Server) handleResetCacheMetrics(w http.ResponseWriter, r *http.Request) {
	s.dashboards.ResetMetrics()
	log.FromContext(r.Context()).InfoContext(r.Context(), "Cache metrics reset")
	w.WriteHeader(http.StatusNoContent)
}

type invalidateResponse struct {
	Removed int64 `json:"removed"`
}

// handleInvalidateCache drops cached dashboards for {month, account}. An
// empty scope must be confirmed with all=true.
func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sc := req.toScope()
	if req.All {
		sc = dashcache.Scope{}
	} else if sc.IsAll() {
		writeError(w, r, invalidField("all", "set month, account or all=true"))
		return
	}

	removed, err := s.ledger.InvalidateCache(r.Context(), sc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, invalidateResponse{Removed: removed})
}
