package intake

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/antiban/dispatcher/internal/adapter/kv"
	"github.com/antiban/dispatcher/internal/config"
	"github.com/antiban/dispatcher/internal/orchestrator"
	"github.com/antiban/dispatcher/internal/router"
)

func newTestLoop(t *testing.T, sessionsJSON string) (*Loop, *redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sessionsJSON))
	}))

	cfg := config.Config{
		GatewayQueueKey:    "gateway:jobs",
		PriorityQueueKey:   "queue:priority",
		SessionQueuePrefix: "queue:session:",
		JobStatsTTLSeconds: 86400,
		RetryDelayMs:       60000,
		OrchestratorURL:    srv.URL,
	}
	orch := orchestrator.New(cfg, rdb)
	rt := router.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(cfg, rdb, orch, rt, nil, logger)
	return l, rdb, func() {
		srv.Close()
		_ = rdb.Close()
		mr.Close()
	}
}

const twoConnectedSessions = `{"status":"ok","sessions":[
  {"sessionId":"s1","phone":"972500000001","status":"CONNECTED"},
  {"sessionId":"s2","phone":"972500000002","status":"CONNECTED"}
]}`

func TestRouteGatewayJob_HappyPath(t *testing.T) {
	l, rdb, cleanup := newTestLoop(t, twoConnectedSessions)
	defer cleanup()
	ctx := context.Background()

	job := map[string]any{
		"mode":    "message",
		"message": "hi",
		"contacts": []map[string]any{
			{"name": "A", "phone": "972500000001"},
			{"name": "B", "phone": "972500000002"},
		},
		"status": "QUEUED",
	}
	body, _ := json.Marshal(job)
	require.NoError(t, rdb.Set(ctx, "job:J1", body, 0).Err())

	l.routeGatewayJob(ctx, "J1")

	raw, err := rdb.Get(ctx, "job:J1").Result()
	require.NoError(t, err)
	require.Contains(t, raw, `"status":"ROUTED"`)
	require.Contains(t, raw, `"routedCount":2`)

	total, err := rdb.Get(ctx, kv.JobStatsTotalKey("J1")).Int()
	require.NoError(t, err)
	require.Equal(t, 2, total)

	qlen, err := rdb.LLen(ctx, "queue:session:972500000001").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), qlen)
}

func TestRouteGatewayJob_InvalidJob_MarksFailed(t *testing.T) {
	l, rdb, cleanup := newTestLoop(t, twoConnectedSessions)
	defer cleanup()
	ctx := context.Background()

	job := map[string]any{"mode": "message", "contacts": []map[string]any{{"phone": "1"}}}
	body, _ := json.Marshal(job)
	require.NoError(t, rdb.Set(ctx, "job:J2", body, 0).Err())

	l.routeGatewayJob(ctx, "J2")

	raw, err := rdb.Get(ctx, "job:J2").Result()
	require.NoError(t, err)
	require.Contains(t, raw, `"status":"FAILED"`)
	require.Contains(t, raw, `"lastError":"INVALID_MESSAGE"`)
}

func TestRouteGatewayJob_NoSessions_ReschedulesRetry(t *testing.T) {
	l, rdb, cleanup := newTestLoop(t, `{"status":"ok","sessions":[]}`)
	defer cleanup()
	ctx := context.Background()

	job := map[string]any{
		"mode":     "message",
		"message":  "hi",
		"contacts": []map[string]any{{"phone": "1"}},
	}
	body, _ := json.Marshal(job)
	require.NoError(t, rdb.Set(ctx, "job:J3", body, 0).Err())

	l.routeGatewayJob(ctx, "J3")

	raw, err := rdb.Get(ctx, "job:J3").Result()
	require.NoError(t, err)
	require.Contains(t, raw, `"status":"QUEUED"`)
	require.Contains(t, raw, `"lastError":"NO_SESSIONS_AVAILABLE"`)

	count, err := rdb.ZCard(ctx, kv.RetryQueueKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestRouteGatewayJob_MissingJob_IsDropped(t *testing.T) {
	l, _, cleanup := newTestLoop(t, twoConnectedSessions)
	defer cleanup()
	l.routeGatewayJob(context.Background(), "missing")
	require.Equal(t, int64(1), l.Stats().Processed)
}

func TestDrainRetries_RequeuesDueJobs(t *testing.T) {
	l, rdb, cleanup := newTestLoop(t, twoConnectedSessions)
	defer cleanup()
	ctx := context.Background()

	past := float64(time.Now().Add(-time.Minute).UnixMilli())
	require.NoError(t, rdb.ZAdd(ctx, kv.RetryQueueKey, redis.Z{Score: past, Member: "J9"}).Err())

	l.drainRetries(ctx)

	n, err := rdb.LLen(ctx, "gateway:jobs").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	card, err := rdb.ZCard(ctx, kv.RetryQueueKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), card)
}

func TestPopNextJobID_PrefersPriority(t *testing.T) {
	l, rdb, cleanup := newTestLoop(t, twoConnectedSessions)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, rdb.LPush(ctx, "gateway:jobs", "gw-job").Err())
	require.NoError(t, rdb.LPush(ctx, "queue:priority", "pri-job").Err())

	id, err := l.popNextJobID(ctx)
	require.NoError(t, err)
	require.Equal(t, "pri-job", id)
}
