package domain

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// JobMode enumerates the two delivery modes a job can request.
type JobMode string

const (
	// ModeMessage is a plain-text job.
	ModeMessage JobMode = "message"
	// ModeImage is a media job (mediaRef/mediaPath).
	ModeImage JobMode = "image"
)

// JobStatus captures the lifecycle state of a job (spec.md §3).
type JobStatus string

const (
	JobQueued           JobStatus = "QUEUED"
	JobRouting          JobStatus = "ROUTING"
	JobRouted           JobStatus = "ROUTED"
	JobDone             JobStatus = "DONE"
	JobDoneWithErrors   JobStatus = "DONE_WITH_ERRORS"
	JobFailed           JobStatus = "FAILED"
)

// Contact is one recipient of a job.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone" validate:"required"`
}

// Job is the record stored at job:<jobId>. Unknown fields from the Gateway's
// writer must be preserved on rewrite; callers that only need to flip status
// should merge into a decoded map rather than re-marshal a narrowed struct
// (see internal/adapter/kv for the merge helper).
type Job struct {
	Mode        JobMode   `json:"mode" validate:"required,oneof=message image"`
	Message     string    `json:"message,omitempty" validate:"required_if=Mode message"`
	MediaRef    string    `json:"mediaRef,omitempty" validate:"required_if=Mode image"`
	MediaPath   string    `json:"mediaPath,omitempty"`
	Contacts    []Contact `json:"contacts" validate:"required,min=1,dive"`
	Status      JobStatus `json:"status"`
	RoutedAt    *int64    `json:"routedAt,omitempty"`
	DoneAt      *int64    `json:"doneAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	RoutedCount int       `json:"routedCount,omitempty"`
	SentCount   int       `json:"sentCount,omitempty"`
	FailedCount int       `json:"failedCount,omitempty"`
}

// Validate checks the invariants spec.md §4.E requires before routing and
// returns the lastError reason code for the first violation found. Contacts
// take priority over mode/payload errors, matching the order the Gateway's
// own intake validation reports them in.
func (j Job) Validate() (reason string, ok bool) {
	err := validate.Struct(j)
	if err == nil {
		return "", true
	}
	verrs, isValidationErr := err.(validator.ValidationErrors)
	if !isValidationErr {
		return ReasonInvalidContacts, false
	}
	failed := make(map[string]bool, len(verrs))
	for _, fe := range verrs {
		failed[fe.StructField()] = true
	}
	switch {
	case failed["Contacts"]:
		return ReasonInvalidContacts, false
	case failed["Mode"]:
		return ReasonInvalidMode, false
	case failed["Message"]:
		return ReasonInvalidMessage, false
	case failed["MediaRef"]:
		return ReasonInvalidMediaRef, false
	default:
		return ReasonInvalidContacts, false
	}
}

// Task is one (jobId, contact-index) pair, the unit of pacing and accounting.
type Task struct {
	TaskID     string  `json:"taskId"`
	JobID      string  `json:"jobId"`
	Mode       JobMode `json:"mode"`
	To         string  `json:"to"`
	Name       string  `json:"name,omitempty"`
	Text       string  `json:"text,omitempty"`
	MediaRef   string  `json:"mediaRef,omitempty"`
	MediaPath  string  `json:"mediaPath,omitempty"`
	CreatedAt  int64   `json:"createdAt"`
	RetryCount int     `json:"retryCount"`
}

// SessionStatus mirrors the Orchestrator's reported session state.
type SessionStatus string

const (
	SessionConnected SessionStatus = "CONNECTED"
)

// Session is a connected messaging identity as reported by the Orchestrator
// roster (spec.md §6 "Session roster").
type Session struct {
	SessionID     string        `json:"sessionId"`
	Phone         string        `json:"phone"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	MessageCount  int           `json:"messageCount,omitempty"`
	RecentErrors  int           `json:"recentErrors,omitempty"`
	LastPing      *time.Time    `json:"lastPing,omitempty"`
	Banned        bool          `json:"banned,omitempty"`
	RateLimited   bool          `json:"rateLimited,omitempty"`
}

// RoutingPreferences carries the optional routing hints a job may attach.
type RoutingPreferences struct {
	PreferredSession string
	FromNumber       string
}

// Incident is a capped, best-effort event log entry (spec.md §4.H).
type Incident struct {
	Type string         `json:"type"`
	TS   int64          `json:"ts"`
	Data map[string]any `json:"data,omitempty"`
}
