// Package smartguard implements the periodic RPM auto-tuner (spec.md §4.G):
// it narrows a session's effective RPM under recent failures and widens it
// under stability, never exceeding the session's trust-policy baseline.
//
// Grounded on internal/adapter/observability/circuit_breaker.go's
// mutex-guarded, stateful tick-and-decide shape, generalized from a
// closed/open/half-open failure breaker to a four-rung RPM ladder.
package smartguard

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antiban/dispatcher/internal/adapter/kv"
	"github.com/antiban/dispatcher/internal/adapter/observability"
	"github.com/antiban/dispatcher/internal/config"
	"github.com/antiban/dispatcher/internal/domain"
	"github.com/antiban/dispatcher/internal/incidents"
	"github.com/antiban/dispatcher/internal/pacer"
)

const minTick = 2 * time.Second

// Guard runs the periodic tuning tick.
type Guard struct {
	cfg       config.Config
	rdb       *redis.Client
	incidents *incidents.Sink
	logger    *slog.Logger

	ticking   atomic.Bool // re-entrancy guard
	enabled   atomic.Bool
	mu        sync.Mutex
	lastTick  time.Time
	lastAction time.Time
}

// New builds a Guard. The enabled flag starts at cfg.SmartGuardEnabled; each
// Tick then adopts the persisted flag when one is set.
func New(cfg config.Config, rdb *redis.Client, incidentSink *incidents.Sink, logger *slog.Logger) *Guard {
	g := &Guard{cfg: cfg, rdb: rdb, incidents: incidentSink, logger: logger}
	g.enabled.Store(cfg.SmartGuardEnabled)
	return g
}

// TickInterval returns the configured tick interval, clamped to a 2s floor.
func (g *Guard) TickInterval() time.Duration {
	d := time.Duration(g.cfg.SmartGuardTickMs) * time.Millisecond
	if d < minTick {
		return minTick
	}
	return d
}

// SetEnabled persists the enabled flag and appends a SMART_GUARD_TOGGLE
// incident.
func (g *Guard) SetEnabled(ctx context.Context, enabled bool) error {
	g.enabled.Store(enabled)
	if err := g.rdb.Set(ctx, kv.SmartGuardEnabledKey, boolString(enabled), 0).Err(); err != nil {
		return err
	}
	g.incidents.PushIncident(ctx, "SMART_GUARD_TOGGLE", map[string]any{"enabled": enabled})
	return nil
}

// Status is the read-only shape for GET /smartguard/status.
type Status struct {
	Enabled    bool
	TickMs     int
	LastTick   time.Time
	LastAction time.Time
}

// Status returns the current state.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Enabled:    g.enabled.Load(),
		TickMs:     g.cfg.SmartGuardTickMs,
		LastTick:   g.lastTick,
		LastAction: g.lastAction,
	}
}

// SessionMetrics is the per-session input to a tick.
type SessionMetrics struct {
	Session domain.Session
	QueueLen    int64
	Sent60s     int64
	Routed60s   int64
	Failed60s   int64
	RPMOverride *int
}

// Tick evaluates every session in metrics and applies at most one RPM change
// per session (spec.md §4.G). A re-entrancy flag drops overlapping ticks.
func (g *Guard) Tick(ctx context.Context, metrics []SessionMetrics) {
	if v, err := g.rdb.Get(ctx, kv.SmartGuardEnabledKey).Result(); err == nil {
		g.enabled.Store(v == "true")
	}
	if !g.enabled.Load() {
		return
	}
	if !g.ticking.CompareAndSwap(false, true) {
		return
	}
	defer g.ticking.Store(false)

	g.mu.Lock()
	g.lastTick = time.Now()
	g.mu.Unlock()
	_ = g.rdb.Set(ctx, kv.SmartGuardLastTickKey, time.Now().UnixMilli(), 0).Err()

	for _, m := range metrics {
		g.evaluate(ctx, m)
	}
}

func (g *Guard) evaluate(ctx context.Context, m SessionMetrics) {
	base := pacer.ProfileForCreatedAt(m.Session.CreatedAt, time.Now()).RPM
	current := snapToLadder(effectiveRPM(m.RPMOverride, base))

	next := current
	reason := ""
	switch {
	case m.Failed60s >= 3:
		next = lowerRung(current)
		reason = "FAILED_SPIKE"
	case m.Failed60s == 0 && m.QueueLen <= 2 && m.Sent60s > 0:
		next = raiseRung(current)
		reason = "STABLE"
	}

	if next > base {
		next = base
	}
	if next == current {
		return
	}

	if err := g.rdb.Set(ctx, kv.ConfigSessionRPMKey(m.Session.SessionID), next, 0).Err(); err != nil {
		g.logger.Error("smartguard rpm write failed", slog.String("sessionId", m.Session.SessionID), slog.Any("error", err))
		return
	}

	g.mu.Lock()
	g.lastAction = time.Now()
	g.mu.Unlock()
	_ = g.rdb.Set(ctx, kv.SmartGuardLastActionKey, time.Now().UnixMilli(), 0).Err()

	observability.SmartGuardRPMChanges.WithLabelValues(m.Session.SessionID, reason).Inc()

	g.incidents.PushIncident(ctx, "SMART_GUARD_RPM_CHANGE", map[string]any{
		"sessionId": m.Session.SessionID,
		"from":      current,
		"to":        next,
		"base":      base,
		"reason":    reason,
		"metrics": map[string]any{
			"qlen": m.QueueLen, "sent60s": m.Sent60s, "routed60s": m.Routed60s, "failed60s": m.Failed60s,
		},
	})
}

func effectiveRPM(override *int, base int) int {
	if override != nil {
		return *override
	}
	return base
}

func snapToLadder(rpm int) int {
	closest := pacer.RPMLadder[0]
	bestDiff := abs(rpm - closest)
	for _, rung := range pacer.RPMLadder[1:] {
		if d := abs(rpm - rung); d < bestDiff {
			closest = rung
			bestDiff = d
		}
	}
	return closest
}

func lowerRung(current int) int {
	ladder := pacer.RPMLadder // ascending [5,10,15,20]
	for i := len(ladder) - 1; i > 0; i-- {
		if ladder[i] == current {
			return ladder[i-1]
		}
	}
	return ladder[0]
}

func raiseRung(current int) int {
	ladder := pacer.RPMLadder
	for i := 0; i < len(ladder)-1; i++ {
		if ladder[i] == current {
			return ladder[i+1]
		}
	}
	return ladder[len(ladder)-1]
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
