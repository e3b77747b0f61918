package security

import (
	"fmt"
	"net/http"
)

// HeadersConfig holds the response headers applied to every API response
type HeadersConfig struct {
	CSP string

	HSTSMaxAge            int
	HSTSIncludeSubdomains bool

	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
	CrossOriginResource string
	// CacheControl applies to API responses; dashboards are cached server side
	CacheControl string
}

// DefaultHeadersConfig returns defaults for a JSON API with no browser UI
func DefaultHeadersConfig() HeadersConfig {
	return HeadersConfig{
		CSP:                   "default-src 'none'; frame-ancestors 'none'",
		HSTSMaxAge:            31536000,
		HSTSIncludeSubdomains: true,
		XFrameOptions:         "DENY",
		XContentTypeOptions:   "nosniff",
		ReferrerPolicy:        "no-referrer",
		CrossOriginResource:   "same-origin",
		CacheControl:          "no-store",
	}
}

// HeadersMiddleware applies security headers to responses
type HeadersMiddleware struct {
	config HeadersConfig
	hsts   string
}

func NewHeadersMiddleware(config HeadersConfig) *HeadersMiddleware {
	h := &HeadersMiddleware{config: config}
	if config.HSTSMaxAge > 0 {
		h.hsts = fmt.Sprintf("max-age=%d", config.HSTSMaxAge)
		if config.HSTSIncludeSubdomains {
			h.hsts += "; includeSubDomains"
		}
	}
	return h
}

func (h *HeadersMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		setIf(headers, "Content-Security-Policy", h.config.CSP)
		setIf(headers, "X-Frame-Options", h.config.XFrameOptions)
		setIf(headers, "X-Content-Type-Options", h.config.XContentTypeOptions)
		setIf(headers, "Referrer-Policy", h.config.ReferrerPolicy)
		setIf(headers, "Cross-Origin-Resource-Policy", h.config.CrossOriginResource)
		setIf(headers, "Cache-Control", h.config.CacheControl)
		if r.TLS != nil {
			setIf(headers, "Strict-Transport-Security", h.hsts)
		}
		next.ServeHTTP(w, r)
	})
}

func setIf(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}
