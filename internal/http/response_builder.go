// Package http provides the fintrack JSON API.
//
// This file implements a small builder for JSON responses and RFC 7807
// problem details, plus the mapping from domain errors to status codes.

package http

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"fintrack/internal/core"
	"fintrack/internal/log"
)

// ErrorDetail is one field-level problem in a validation failure
type ErrorDetail struct {
	Location string `json:"location,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ProblemDetails is an RFC 7807 error body
type ProblemDetails struct {
	Type      string        `json:"type,omitempty"`
	Title     string        `json:"title"`
	Status    int           `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Errors    []ErrorDetail `json:"errors,omitempty"`
}

// JSONResponseBuilder provides a fluent API for JSON responses
type JSONResponseBuilder struct {
	statusCode int
	headers    map[string]string
	body       any
}

// NewJSONResponse creates a builder with a default 200 status
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{statusCode: http.StatusOK, headers: make(map[string]string)}
}

func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

func (b *JSONResponseBuilder) Header(key, value string) *JSONResponseBuilder {
	b.headers[key] = value
	return b
}

func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Write sends the response. A nil body writes only the status.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter, r *http.Request) {
	for k, v := range b.headers {
		w.Header().Set(k, v)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}

	data, err := json.Marshal(b.body)
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to encode JSON response", log.FieldError, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if _, ok := b.headers["Content-Type"]; !ok {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(b.statusCode)
	_, _ = w.Write(append(data, '\n'))
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	NewJSONResponse().Status(status).Body(v).Write(w, r)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, detail string, details ...ErrorDetail) {
	NewJSONResponse().
		Status(status).
		Header("Content-Type", "application/problem+json").
		Body(ProblemDetails{
			Type:      "about:blank",
			Title:     http.StatusText(status),
			Status:    status,
			Detail:    detail,
			RequestID: requestID(r),
			Errors:    details,
		}).
		Write(w, r)
}

// writeError maps domain errors to a status. Unknown errors are logged and
// reported as 500 without their message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed", log.FieldError, err)
		writeProblem(w, r, status, "internal error")
		return
	}
	writeProblem(w, r, status, err.Error())
}

func statusFor(err error) int {
	var verr *validationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrMissingRate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrInvalidMonthKey),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidCurrency),
		errors.Is(err, core.ErrInvalidKind),
		errors.Is(err, core.ErrEmptyDescription),
		errors.Is(err, core.ErrEmptyCategory),
		errors.Is(err, core.ErrEmptyAccount),
		errors.Is(err, core.ErrEmptySymbol),
		errors.Is(err, core.ErrEmptyName),
		errors.Is(err, core.ErrInvalidQuantity),
		errors.Is(err, core.ErrDescriptionLength):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
