// Package incidents implements the capped, best-effort event log and the
// optional Brain forwarder (spec.md §4.H).
package incidents

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/antiban/dispatcher/internal/adapter/kv"
)

const (
	maxIncidents = 200
	incidentsTTL = 7 * 24 * time.Hour
)

// Sink appends incidents to the shared store and best-effort forwards them
// to Brain.
type Sink struct {
	rdb      *redis.Client
	brainURL string
	hc       *http.Client
	logger   *slog.Logger
}

// New builds a Sink. brainURL may be empty, in which case SendBrainEvent is a
// no-op.
func New(rdb *redis.Client, brainURL string, logger *slog.Logger) *Sink {
	return &Sink{
		rdb:      rdb,
		brainURL: brainURL,
		hc:       &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// PushIncident prepends a json-serialized event onto antiban:incidents,
// trims to 200 entries, and refreshes the TTL. Errors are swallowed: an
// incident log failure must never interrupt dispatch.
func (s *Sink) PushIncident(ctx context.Context, incidentType string, data map[string]any) {
	event := map[string]any{
		"id":   uuid.NewString(),
		"type": incidentType,
		"ts":   time.Now().UnixMilli(),
		"data": data,
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.logf("failed to marshal incident", err)
		return
	}

	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, kv.IncidentsKey, body)
	pipe.LTrim(ctx, kv.IncidentsKey, 0, maxIncidents-1)
	pipe.Expire(ctx, kv.IncidentsKey, incidentsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logf("failed to push incident", err)
	}
}

// SendBrainEvent best-effort POSTs obj to <brainURL>/event. Swallows all
// errors; Brain availability must never gate dispatch.
func (s *Sink) SendBrainEvent(ctx context.Context, obj map[string]any) {
	if s.brainURL == "" {
		return
	}
	body, err := json.Marshal(obj)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.brainURL+"/event", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.hc.Do(req)
	if err != nil {
		s.logf("brain event delivery failed", err)
		return
	}
	_ = resp.Body.Close()
}

// ListIncidents returns up to limit of the most recent incidents.
func (s *Sink) ListIncidents(ctx context.Context, limit int64) ([]json.RawMessage, error) {
	if limit <= 0 || limit > maxIncidents {
		limit = maxIncidents
	}
	raws, err := s.rdb.LRange(ctx, kv.IncidentsKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(raws))
	for i, r := range raws {
		out[i] = json.RawMessage(r)
	}
	return out, nil
}

func (s *Sink) logf(msg string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, slog.Any("error", err))
}
