package smartguard

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/antiban/dispatcher/internal/adapter/kv"
	"github.com/antiban/dispatcher/internal/config"
	"github.com/antiban/dispatcher/internal/domain"
	"github.com/antiban/dispatcher/internal/incidents"
)

func newTestGuard(t *testing.T) (*Guard, *redis.Client, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{SmartGuardEnabled: true, SmartGuardTickMs: 2000}
	sink := incidents.New(rdb, "", nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := New(cfg, rdb, sink, logger)
	return g, rdb, func() {
		_ = rdb.Close()
		mr.Close()
	}
}

func oldSession(sid string) domain.Session {
	return domain.Session{SessionID: sid, CreatedAt: time.Now().Add(-30 * 24 * time.Hour)}
}

func TestTick_LowersThenRaises_NeverExceedsBase(t *testing.T) {
	g, rdb, cleanup := newTestGuard(t)
	defer cleanup()
	ctx := context.Background()
	sess := oldSession("s1") // trust level 4, base rpm 20

	g.Tick(ctx, []SessionMetrics{{Session: sess, Failed60s: 5}})
	rpm1, err := rdb.Get(ctx, kv.ConfigSessionRPMKey("s1")).Int()
	require.NoError(t, err)
	require.Equal(t, 15, rpm1)

	g.Tick(ctx, []SessionMetrics{{Session: sess, Failed60s: 0, QueueLen: 1, Sent60s: 4, RPMOverride: intPtr(15)}})
	rpm2, err := rdb.Get(ctx, kv.ConfigSessionRPMKey("s1")).Int()
	require.NoError(t, err)
	require.Equal(t, 20, rpm2)

	// A further stable tick must never exceed the trust baseline.
	g.Tick(ctx, []SessionMetrics{{Session: sess, Failed60s: 0, QueueLen: 1, Sent60s: 4, RPMOverride: intPtr(20)}})
	rpm3, err := rdb.Get(ctx, kv.ConfigSessionRPMKey("s1")).Int()
	require.NoError(t, err)
	require.Equal(t, 20, rpm3)
}

func TestTick_HoldsWhenNeitherConditionMet(t *testing.T) {
	g, rdb, cleanup := newTestGuard(t)
	defer cleanup()
	ctx := context.Background()
	sess := oldSession("s1")

	g.Tick(ctx, []SessionMetrics{{Session: sess, Failed60s: 1, QueueLen: 5, Sent60s: 1}})
	_, err := rdb.Get(ctx, kv.ConfigSessionRPMKey("s1")).Result()
	require.ErrorIs(t, err, redis.Nil)
}

func TestTick_Disabled_NoOp(t *testing.T) {
	g, rdb, cleanup := newTestGuard(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, g.SetEnabled(ctx, false))

	g.Tick(ctx, []SessionMetrics{{Session: oldSession("s1"), Failed60s: 5}})
	_, err := rdb.Get(ctx, kv.ConfigSessionRPMKey("s1")).Result()
	require.ErrorIs(t, err, redis.Nil)
}

func TestSetEnabled_PersistsAndIncidents(t *testing.T) {
	g, rdb, cleanup := newTestGuard(t)
	defer cleanup()
	ctx := context.Background()
	require.NoError(t, g.SetEnabled(ctx, false))

	val, err := rdb.Get(ctx, kv.SmartGuardEnabledKey).Result()
	require.NoError(t, err)
	require.Equal(t, "false", val)

	raw, err := rdb.LIndex(ctx, kv.IncidentsKey, 0).Result()
	require.NoError(t, err)
	require.Contains(t, raw, `"type":"SMART_GUARD_TOGGLE"`)
}

func TestSnapToLadder_PicksNearestRung(t *testing.T) {
	require.Equal(t, 10, snapToLadder(12))
	require.Equal(t, 15, snapToLadder(13))
	require.Equal(t, 20, snapToLadder(25))
}

func intPtr(v int) *int { return &v }
