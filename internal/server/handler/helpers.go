package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/novafund/lifeperp/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps sentinel errors from the engine onto HTTP status
// codes and sends the error message.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotAuthorized),
		errors.Is(err, domain.ErrBadSignature):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrReporterUnknown):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyClosed),
		errors.Is(err, domain.ErrPositionExists),
		errors.Is(err, domain.ErrNotEligible),
		errors.Is(err, domain.ErrReporterInactive),
		errors.Is(err, domain.ErrDeviationExceeded),
		errors.Is(err, domain.ErrLowReputation),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrReentrantCall):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrStale),
		errors.Is(err, domain.ErrNoValue),
		errors.Is(err, domain.ErrBreakerActive):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Until = &t
		}
	}
	return opts
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
