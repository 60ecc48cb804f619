package kv

import "fmt"

// Key layout, spec.md §3.
const (
	RetryQueueKey        = "queue:retry"
	RetrySessionQueueKey = "queue:retry:session"
	IncidentsKey         = "antiban:incidents"
	JobsEventsKey        = "jobs:events"

	SmartGuardEnabledKey    = "config:smartguard:enabled"
	SmartGuardLastTickKey   = "smartguard:lastTick"
	SmartGuardLastActionKey = "smartguard:lastActionAt"
)

// JobKey returns the key holding the job record.
func JobKey(jobID string) string { return "job:" + jobID }

// JobStatsTotalKey returns the key holding the job's total task count.
func JobStatsTotalKey(jobID string) string { return fmt.Sprintf("job:stats:%s:total", jobID) }

// JobStatsSentKey returns the key holding the job's sent count.
func JobStatsSentKey(jobID string) string { return fmt.Sprintf("job:stats:%s:sent", jobID) }

// JobStatsFailedKey returns the key holding the job's failed count.
func JobStatsFailedKey(jobID string) string { return fmt.Sprintf("job:stats:%s:failed", jobID) }

// JobStatsDoneEmittedKey returns the set-if-absent finalization guard key.
func JobStatsDoneEmittedKey(jobID string) string {
	return fmt.Sprintf("job:stats:%s:doneEmitted", jobID)
}

// TaskStatusKey returns the set-if-absent per-task terminal marker key.
func TaskStatusKey(jobID string, idx int) string {
	return fmt.Sprintf("job:taskStatus:%s:%d", jobID, idx)
}

// SessionQueueKey returns the per-session task queue key for a phone.
func SessionQueueKey(prefix, phone string) string { return prefix + phone }

// MetricSentKey, MetricRoutedKey, MetricFailedKey return the rolling 60s
// counters for a session.
func MetricSentKey(sessionID string) string   { return fmt.Sprintf("metrics:session:%s:sent60s", sessionID) }
func MetricRoutedKey(sessionID string) string { return fmt.Sprintf("metrics:session:%s:routed60s", sessionID) }
func MetricFailedKey(sessionID string) string { return fmt.Sprintf("metrics:session:%s:failed60s", sessionID) }

// ConfigSessionRPMKey returns the per-session RPM override key.
func ConfigSessionRPMKey(sessionID string) string {
	return fmt.Sprintf("config:session:%s:rpm", sessionID)
}
