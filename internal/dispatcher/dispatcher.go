// Package dispatcher wires the anti-ban dispatcher's components together
// and exposes the start/stop/stats surface the control API drives.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antiban/dispatcher/internal/adapter/httpserver"
	"github.com/antiban/dispatcher/internal/adapter/kv"
	"github.com/antiban/dispatcher/internal/config"
	"github.com/antiban/dispatcher/internal/consumer"
	"github.com/antiban/dispatcher/internal/domain"
	"github.com/antiban/dispatcher/internal/incidents"
	"github.com/antiban/dispatcher/internal/intake"
	"github.com/antiban/dispatcher/internal/orchestrator"
	"github.com/antiban/dispatcher/internal/pacer"
	"github.com/antiban/dispatcher/internal/router"
	"github.com/antiban/dispatcher/internal/smartguard"
)

const (
	reconcileTick   = 5 * time.Second
	retryDrainTick  = 1 * time.Second
	stickySweepTick = 1 * time.Hour
	rosterCacheTTL  = 3 * time.Second
)

// Dispatcher owns every running component of the anti-ban dispatcher and
// implements httpserver.Controller for the control API.
type Dispatcher struct {
	cfg       config.Config
	shared    *redis.Client
	orch      *orchestrator.Client
	rt        *router.Router
	pacers    *pacer.Manager
	consumers *consumer.Manager
	intake    *intake.Loop
	guard     *smartguard.Guard
	incidents *incidents.Sink
	logger    *slog.Logger

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Dispatcher. shared is used for non-blocking commands;
// blocking is a dedicated connection used for BRPOP so head-of-line
// blocking on one session's queue never stalls other KV traffic.
func New(cfg config.Config, shared, blocking *redis.Client, logger *slog.Logger) *Dispatcher {
	orch := orchestrator.New(cfg, shared)
	rt := router.New()
	pacers := pacer.NewManager(int64(cfg.BurstLimit), int64(cfg.BurstCooldownMs))
	incidentSink := incidents.New(shared, cfg.SessionBrainURL, logger)
	consumers := consumer.New(cfg, shared, blocking, pacers, orch, incidentSink, logger)
	guard := smartguard.New(cfg, shared, incidentSink, logger)
	intakeLoop := intake.New(cfg, shared, orch, rt, incidentSink, logger)

	return &Dispatcher{
		cfg:       cfg,
		shared:    shared,
		orch:      orch,
		rt:        rt,
		pacers:    pacers,
		consumers: consumers,
		intake:    intakeLoop,
		guard:     guard,
		incidents: incidentSink,
		logger:    logger,
	}
}

// Start launches the intake loop, session consumers, reconcile/retry/sticky
// tickers and the SmartGuard control loop. Safe to call once per Stop cycle.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.CompareAndSwap(false, true) {
		return domain.ErrConflict
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(4)
	go d.runIntake(runCtx)
	go d.runReconcile(runCtx)
	go d.runRetryDrain(runCtx)
	go d.runSmartGuard(runCtx)

	d.logger.InfoContext(ctx, "dispatcher started")
	return nil
}

// Stop cancels all running goroutines, drains session consumers, and
// blocks until everything has exited.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.consumers.Stop()
	d.logger.Info("dispatcher stopped")
}

// IsRunning reports whether the dispatcher's loops are active.
func (d *Dispatcher) IsRunning() bool { return d.running.Load() }

// Pacers exposes the pacer manager for the control API.
func (d *Dispatcher) Pacers() *pacer.Manager { return d.pacers }

// Guard exposes the SmartGuard control loop for the control API.
func (d *Dispatcher) Guard() *smartguard.Guard { return d.guard }

// Incidents exposes the incident sink for the control API.
func (d *Dispatcher) Incidents() *incidents.Sink { return d.incidents }

// Orchestrator exposes the orchestrator client for the control API, which
// needs the session roster to report each session's trust baseline.
func (d *Dispatcher) Orchestrator() *orchestrator.Client { return d.orch }

// Stats reports running totals for the control API's health endpoint.
func (d *Dispatcher) Stats() httpserver.ControllerStats {
	s := d.intake.Stats()
	return httpserver.ControllerStats{
		Processed:    s.Processed,
		Routed:       s.Routed,
		Failed:       s.Failed,
		ActivePacers: d.pacers.Count(),
	}
}

func (d *Dispatcher) runIntake(ctx context.Context) {
	defer d.wg.Done()
	d.intake.Run(ctx, d.IsRunning)
}

func (d *Dispatcher) runRetryDrain(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(retryDrainTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.consumers.DrainSessionRetries(ctx)
		}
	}
}

func (d *Dispatcher) runReconcile(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(reconcileTick)
	defer ticker.Stop()
	sweepTicker := time.NewTicker(stickySweepTick)
	defer sweepTicker.Stop()

	d.reconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reconcileOnce(ctx)
		case <-sweepTicker.C:
			d.rt.Sweep()
		}
	}
}

func (d *Dispatcher) reconcileOnce(ctx context.Context) {
	sessions := d.orch.GetSessionsCached(ctx, rosterCacheTTL)
	d.consumers.Reconcile(ctx, sessions)
}

func (d *Dispatcher) runSmartGuard(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.guard.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions := d.orch.GetSessionsCached(ctx, rosterCacheTTL)
			d.guard.Tick(ctx, d.sessionMetrics(ctx, sessions))
		}
	}
}

func (d *Dispatcher) sessionMetrics(ctx context.Context, sessions []domain.Session) []smartguard.SessionMetrics {
	out := make([]smartguard.SessionMetrics, 0, len(sessions))
	for _, sess := range sessions {
		qlen, _ := d.shared.LLen(ctx, kv.SessionQueueKey(d.cfg.SessionQueuePrefix, sess.Phone)).Result()
		sent, _ := d.shared.Get(ctx, kv.MetricSentKey(sess.SessionID)).Int64()
		routed, _ := d.shared.Get(ctx, kv.MetricRoutedKey(sess.SessionID)).Int64()
		failed, _ := d.shared.Get(ctx, kv.MetricFailedKey(sess.SessionID)).Int64()

		var overridePtr *int
		if v, err := d.shared.Get(ctx, kv.ConfigSessionRPMKey(sess.SessionID)).Int(); err == nil {
			overridePtr = &v
		}

		out = append(out, smartguard.SessionMetrics{
			Session:     sess,
			QueueLen:    qlen,
			Sent60s:     sent,
			Routed60s:   routed,
			Failed60s:   failed,
			RPMOverride: overridePtr,
		})
	}
	return out
}
