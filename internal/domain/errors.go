// Package domain defines core entities, ports, and domain-specific errors
// for the anti-ban dispatcher.
package domain

import "errors"

// Error taxonomy (sentinels). Adapters translate these to transport-specific
// responses (see internal/adapter/httpserver/responses.go) via errors.Is.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrNoSessionsAvailable = errors.New("no sessions available")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamRateLimit   = errors.New("upstream rate limit")
	ErrInternal            = errors.New("internal error")
)

// Validation failure reasons recorded as a job's lastError (spec.md §4.E).
const (
	ReasonInvalidContacts      = "INVALID_CONTACTS"
	ReasonInvalidMode          = "INVALID_MODE"
	ReasonInvalidMessage       = "INVALID_MESSAGE"
	ReasonInvalidMediaRef      = "INVALID_MEDIA_REF"
	ReasonNoSessionsAvailable  = "NO_SESSIONS_AVAILABLE"
)
