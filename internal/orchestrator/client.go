// Package orchestrator implements the HTTP/KV client that fetches the
// session roster and hands tasks off to the Orchestrator (spec.md §4.D).
//
// Grounded on internal/adapter/ai/real/client.go's HTTP client construction
// (otelhttp-wrapped transport, fixed timeout, API-key header) and
// backoff/v4 retry usage, generalized from AI provider calls to the
// dispatcher's session-roster and outbox-enqueue calls.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/antiban/dispatcher/internal/adapter/observability"
	"github.com/antiban/dispatcher/internal/config"
	"github.com/antiban/dispatcher/internal/domain"
)

const requestTimeout = 30 * time.Second

// circuitBreakerMaxFailures/Timeout bound how many consecutive enqueue
// failures on one session's handoff path trip its breaker, and how long it
// stays open before a half-open probe is allowed.
const (
	circuitBreakerMaxFailures = 5
	circuitBreakerTimeout     = 30 * time.Second
)

// SendResult is the outcome of a handoff attempt.
type SendResult struct {
	Success   bool
	MessageID string
	Error     string
}

// Client talks to the Orchestrator over HTTP (roster, api send mode) and,
// when configured for redis send mode, pushes directly onto the shared KV
// store's outbox lists.
type Client struct {
	cfg config.Config
	hc  *http.Client
	rdb *redis.Client

	mu          sync.Mutex
	cachedAt    time.Time
	cached      []domain.Session
}

// New builds a Client. rdb is only used when cfg.SendMode is "redis"; it may
// be nil for api mode.
func New(cfg config.Config, rdb *redis.Client) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("orchestrator %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: requestTimeout, Transport: transport},
		rdb: rdb,
	}
}

type rosterResponse struct {
	Status   string           `json:"status"`
	Sessions []rosterSession  `json:"sessions"`
}

type rosterSession struct {
	SessionID    string     `json:"sessionId"`
	Phone        string     `json:"phone"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	MessageCount int        `json:"messageCount"`
	LastPing     *time.Time `json:"lastPing"`
}

// GetSessions fetches the live roster from the Orchestrator and returns only
// CONNECTED sessions. Any error, including a malformed response, yields an
// empty slice rather than a propagated error, per spec.md §4.D.
func (c *Client) GetSessions(ctx context.Context) []domain.Session {
	url := c.cfg.OrchestratorURL + "/api/dashboard/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("X-API-Key", c.cfg.OrchestratorAPIKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var parsed rosterResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil
	}

	out := make([]domain.Session, 0, len(parsed.Sessions))
	for _, s := range parsed.Sessions {
		if s.Status != string(domain.SessionConnected) {
			continue
		}
		out = append(out, domain.Session{
			SessionID:    s.SessionID,
			Phone:        s.Phone,
			Status:       domain.SessionConnected,
			CreatedAt:    s.CreatedAt,
			MessageCount: s.MessageCount,
			LastPing:     s.LastPing,
		})
	}
	return out
}

// GetSessionsCached memoizes the last successful GetSessions result for ttl.
func (c *Client) GetSessionsCached(ctx context.Context, ttl time.Duration) []domain.Session {
	c.mu.Lock()
	if time.Since(c.cachedAt) < ttl && c.cached != nil {
		cached := c.cached
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	sessions := c.GetSessions(ctx)
	if len(sessions) == 0 {
		return sessions
	}
	c.mu.Lock()
	c.cached = sessions
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return sessions
}

type enqueuePayload struct {
	MessageID string        `json:"messageId"`
	To        string        `json:"to"`
	Mode      domain.JobMode `json:"mode"`
	Text      string        `json:"text,omitempty"`
	MediaRef  string        `json:"mediaRef,omitempty"`
	MediaPath string        `json:"mediaPath,omitempty"`
	JobID     string        `json:"jobId"`
	TaskID    string        `json:"taskId"`
}

// SendViaOrchestrator hands a task off using the configured send mode.
func (c *Client) SendViaOrchestrator(ctx context.Context, sessionID string, task domain.Task) SendResult {
	payload := enqueuePayload{
		MessageID: task.TaskID,
		To:        task.To,
		Mode:      task.Mode,
		Text:      task.Text,
		MediaRef:  task.MediaRef,
		MediaPath: task.MediaPath,
		JobID:     task.JobID,
		TaskID:    task.TaskID,
	}

	switch c.cfg.SendMode {
	case config.SendModeRedis:
		return c.sendViaRedis(ctx, sessionID, payload)
	default:
		return c.sendViaAPI(ctx, sessionID, payload)
	}
}

func (c *Client) sendViaAPI(ctx context.Context, sessionID string, payload enqueuePayload) SendResult {
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{Success: false, Error: err.Error()}
	}

	breaker := observability.GetCircuitBreaker("orchestrator:"+sessionID, circuitBreakerMaxFailures, circuitBreakerTimeout)
	if breaker.IsOpen() {
		return SendResult{Success: false, Error: "orchestrator handoff circuit open for session"}
	}

	url := fmt.Sprintf("%s/api/sessions/%s/outbox/enqueue", c.cfg.OrchestratorURL, sessionID)

	var result SendResult
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", c.cfg.OrchestratorAPIKey)

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 500 {
			return fmt.Errorf("orchestrator enqueue status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			result = SendResult{Success: false, Error: fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody))}
			return backoff.Permanent(nil)
		}

		result = SendResult{Success: true, MessageID: payload.MessageID}
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = requestTimeout
	bo := backoff.WithContext(expo, ctx)
	if err := breaker.Call(func() error { return backoff.Retry(op, bo) }); err != nil {
		return SendResult{Success: false, Error: err.Error()}
	}
	return result
}

func (c *Client) sendViaRedis(ctx context.Context, sessionID string, payload enqueuePayload) SendResult {
	if c.rdb == nil {
		return SendResult{Success: false, Error: "redis send mode configured without a client"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{Success: false, Error: err.Error()}
	}
	key := "session:outbox:" + sessionID
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, body)
	pipe.Expire(ctx, key, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return SendResult{Success: false, Error: err.Error()}
	}
	return SendResult{Success: true, MessageID: payload.MessageID}
}
