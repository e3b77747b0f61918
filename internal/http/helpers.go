package http

import (
	"net/http"
	"strings"
	"time"

	"fintrack/internal/middleware/trace"
)

// parseDate parses a date string in YYYY-MM-DD format as UTC.
func parseDate(dateStr string) (time.Time, error) {
	return time.Parse("2006-01-02", strings.TrimSpace(dateStr))
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

func requestID(r *http.Request) string {
	return trace.GetRequestID(r.Context())
}

// userID identifies the caller for cache keys. Authentication is handled
// upstream; the proxy forwards the user in X-User-ID.
func userID(r *http.Request) string {
	return sanitizeInput(r.Header.Get("X-User-ID"))
}
