// Package pacer implements the per-session cadence state machine (spec.md
// §4.B): a delay window or RPM target, jitter, a burst cooldown, and a live
// rate multiplier, mutated both by the owning session consumer and by the
// control API / SmartGuard.
//
// Grounded on internal/service/ratelimiter/redis_lua_limiter.go's
// mutex-guarded per-key config map and setter style, generalized from a
// Redis-backed token bucket to an in-process delay/RPM pacer.
package pacer

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ErrInvalidRPM is returned by SetRPM for a non-finite or non-positive value.
var ErrInvalidRPM = errors.New("pacer: rpm must be a positive finite number")

const (
	minRateMultiplier = 0.5
	maxRateMultiplier = 5.0
)

// Config is the mutable portion of a Pacer's state, used both for
// construction and for POST /pacers/:sessionId live updates.
type Config struct {
	MinDelayMs      int64
	MaxDelayMs      int64
	RPM             int // 0 means delay mode
	BurstLimit      int64
	BurstCooldownMs int64
}

// Stats is a read-only snapshot for the control API and metrics.
type Stats struct {
	SessionID       string
	MinDelayMs      int64
	MaxDelayMs      int64
	RPM             int
	BurstLimit      int64
	BurstCooldownMs int64
	RateMultiplier  float64
	SendCount       int64
	TotalSent       int64
	InBurstCooldown bool
	LastSendTime    time.Time
}

// Pacer holds the cadence state for a single session.
type Pacer struct {
	sessionID string

	mu              sync.Mutex
	cfg             Config
	rateMultiplier  float64
	lastSendTime    time.Time
	sendCount       int64
	totalSent       int64
	burstStartTime  time.Time
	inBurstCooldown bool
}

// New builds a Pacer in delay mode using the given baseline config.
func New(sessionID string, cfg Config) *Pacer {
	return &Pacer{
		sessionID:      sessionID,
		cfg:            cfg,
		rateMultiplier: 1.0,
	}
}

// WaitForSlot sleeps the minimum amount such that the next send respects the
// current policy and returns the actual delay used. It returns early with
// ctx.Err() if ctx is cancelled mid-sleep.
func (p *Pacer) WaitForSlot(ctx context.Context) (time.Duration, error) {
	delayMs := p.nextDelayMs()
	if delayMs <= 0 {
		return 0, nil
	}
	d := time.Duration(delayMs) * time.Millisecond
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return d, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *Pacer) nextDelayMs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.BurstLimit > 0 && p.sendCount >= p.cfg.BurstLimit {
		extra := int64(1000 + rand.Intn(2001)) // U(1000,3000)
		p.sendCount = 0
		p.inBurstCooldown = true
		p.burstStartTime = time.Now()
		return p.cfg.BurstCooldownMs + extra
	}
	p.inBurstCooldown = false

	minD, maxD := p.delayRangeLocked()
	base := minD
	if maxD > minD {
		base = minD + rand.Int63n(maxD-minD+1)
	}
	base = int64(float64(base) * p.rateMultiplier)

	jitter := 0.8 + rand.Float64()*0.4 // +/-20%
	target := int64(float64(base) * jitter)

	if p.lastSendTime.IsZero() {
		return 0
	}
	elapsed := time.Since(p.lastSendTime).Milliseconds()
	if elapsed >= target {
		return 0
	}
	return target - elapsed
}

// delayRangeLocked derives [min,max] for the current mode. Callers must hold p.mu.
func (p *Pacer) delayRangeLocked() (int64, int64) {
	if p.cfg.RPM > 0 {
		baseInterval := 60000.0 / float64(p.cfg.RPM)
		minD := int64(math.Floor(0.8 * baseInterval))
		maxD := int64(math.Floor(1.2 * baseInterval))
		if maxD < minD {
			maxD = minD
		}
		return minD, maxD
	}
	return p.cfg.MinDelayMs, p.cfg.MaxDelayMs
}

// RecordSend updates lastSendTime and the send counters. Must be called after
// the handoff attempt regardless of outcome, so cadence tracks attempts, not
// just successes.
func (p *Pacer) RecordSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSendTime = time.Now()
	p.sendCount++
	p.totalSent++
}

// UpdateConfig live-mutates delay/burst parameters. Fields that are zero or
// negative are ignored and leave the current value in place.
func (p *Pacer) UpdateConfig(patch Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if patch.MinDelayMs > 0 {
		p.cfg.MinDelayMs = patch.MinDelayMs
	}
	if patch.MaxDelayMs > 0 {
		p.cfg.MaxDelayMs = patch.MaxDelayMs
	}
	if patch.BurstLimit > 0 {
		p.cfg.BurstLimit = patch.BurstLimit
	}
	if patch.BurstCooldownMs > 0 {
		p.cfg.BurstCooldownMs = patch.BurstCooldownMs
	}
}

// SetRPM switches the pacer into RPM mode, or back to delay mode if rpm is
// nil. A non-positive or non-finite rpm is a hard error.
func (p *Pacer) SetRPM(rpm *int) error {
	if rpm != nil {
		v := float64(*rpm)
		if math.IsNaN(v) || math.IsInf(v, 0) || *rpm <= 0 {
			return ErrInvalidRPM
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if rpm == nil {
		p.cfg.RPM = 0
		return nil
	}
	p.cfg.RPM = *rpm
	return nil
}

// SlowDown multiplies the rate multiplier by factor, clamped to [0.5, 5.0].
// A larger multiplier stretches the delay window, so this is used to back
// off after failures.
func (p *Pacer) SlowDown(factor float64) {
	p.adjustRate(func(m float64) float64 { return m * factor })
}

// SpeedUp divides the rate multiplier by factor, clamped to [0.5, 5.0].
func (p *Pacer) SpeedUp(factor float64) {
	p.adjustRate(func(m float64) float64 { return m / factor })
}

// ResetRate restores the rate multiplier to 1.0.
func (p *Pacer) ResetRate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rateMultiplier = 1.0
}

func (p *Pacer) adjustRate(f func(float64) float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := f(p.rateMultiplier)
	if m < minRateMultiplier {
		m = minRateMultiplier
	}
	if m > maxRateMultiplier {
		m = maxRateMultiplier
	}
	p.rateMultiplier = m
}

// Stats returns a read-only snapshot of the pacer's current state.
func (p *Pacer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		SessionID:       p.sessionID,
		MinDelayMs:      p.cfg.MinDelayMs,
		MaxDelayMs:      p.cfg.MaxDelayMs,
		RPM:             p.cfg.RPM,
		BurstLimit:      p.cfg.BurstLimit,
		BurstCooldownMs: p.cfg.BurstCooldownMs,
		RateMultiplier:  p.rateMultiplier,
		SendCount:       p.sendCount,
		TotalSent:       p.totalSent,
		InBurstCooldown: p.inBurstCooldown,
		LastSendTime:    p.lastSendTime,
	}
}
