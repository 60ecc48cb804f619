// Package httpserver implements the dispatcher's control API (spec.md
// §4.I / §6): health, start/stop, queue and pacer inspection, RPM
// overrides, SmartGuard toggling, and per-session metrics.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/antiban/dispatcher/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOK writes {"status":"ok", ...fields}.
func writeOK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"status": "ok"}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// writeErrorReason writes {"status":"error","reason":...} at the given code.
func writeErrorReason(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, map[string]any{"status": "error", "reason": reason})
}

// writeError maps a domain error to a control-API error response.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrNoSessionsAvailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUpstreamTimeout):
		code = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		code = http.StatusServiceUnavailable
	}
	writeErrorReason(w, code, err.Error())
}
