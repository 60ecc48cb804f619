package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antiban/dispatcher/internal/config"
	"github.com/antiban/dispatcher/internal/domain"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	orchSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/dashboard/sessions" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sessions":[]}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(orchSrv.Close)

	cfg := config.Config{
		SessionQueuePrefix: "queue:session:",
		GatewayQueueKey:    "gateway:jobs",
		MaxRetries:         3,
		RetryDelayMs:       60000,
		JobStatsTTLSeconds: 86400,
		OrchestratorURL:    orchSrv.URL,
		SendMode:           config.SendModeAPI,
		PollIntervalMs:     50,
		BurstLimit:         5,
		BurstCooldownMs:    30000,
		SmartGuardEnabled:  true,
		SmartGuardTickMs:   2000,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(cfg, rdb, rdb, logger)
	return d, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func TestDispatcher_StartStopLifecycle(t *testing.T) {
	d, cleanup := newTestDispatcher(t)
	defer cleanup()

	require.False(t, d.IsRunning())

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	assert.True(t, d.IsRunning())

	d.Stop()
	assert.False(t, d.IsRunning())
}

func TestDispatcher_DoubleStartReturnsConflict(t *testing.T) {
	d, cleanup := newTestDispatcher(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	defer d.Stop()

	err := d.Start(ctx)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestDispatcher_StopIsIdempotent(t *testing.T) {
	d, cleanup := newTestDispatcher(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	d.Stop()
	assert.NotPanics(t, func() { d.Stop() })
	assert.False(t, d.IsRunning())
}

func TestDispatcher_StatsReflectsIntakeAndPacers(t *testing.T) {
	d, cleanup := newTestDispatcher(t)
	defer cleanup()

	stats := d.Stats()
	assert.Equal(t, int64(0), stats.Processed)
	assert.Equal(t, int64(0), stats.Routed)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, 0, stats.ActivePacers)
}

func TestDispatcher_AccessorsExposeSharedComponents(t *testing.T) {
	d, cleanup := newTestDispatcher(t)
	defer cleanup()

	assert.NotNil(t, d.Pacers())
	assert.NotNil(t, d.Guard())
	assert.NotNil(t, d.Incidents())
}

func TestDispatcher_StartThenStopWaitsForLoopsToExit(t *testing.T) {
	d, cleanup := newTestDispatcher(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return within timeout")
	}
	assert.False(t, d.IsRunning())
}
