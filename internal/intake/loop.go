// Package intake implements the single cooperative intake/routing loop
// (spec.md §4.E): it pops job ids from the gateway lists, validates and
// fans each job out into per-session queues.
//
// Grounded on cmd/worker/main.go's single-loop-per-process startup style and
// internal/adapter/queue/asynq/worker.go's handleEvaluate shape (load record,
// transition status, branch on validation, update counters), generalized
// from asynq task payloads to plain job ids popped from Redis lists.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antiban/dispatcher/internal/adapter/kv"
	"github.com/antiban/dispatcher/internal/adapter/observability"
	"github.com/antiban/dispatcher/internal/config"
	"github.com/antiban/dispatcher/internal/domain"
	"github.com/antiban/dispatcher/internal/incidents"
	"github.com/antiban/dispatcher/internal/orchestrator"
	"github.com/antiban/dispatcher/internal/router"
)

// Loop owns the cooperative intake task.
type Loop struct {
	cfg      config.Config
	rdb      *redis.Client
	orch     *orchestrator.Client
	rt       *router.Router
	incident *incidents.Sink
	logger   *slog.Logger

	processed atomic.Int64
	routed    atomic.Int64
	failed    atomic.Int64
}

// New builds a Loop.
func New(cfg config.Config, rdb *redis.Client, orch *orchestrator.Client, rt *router.Router, incident *incidents.Sink, logger *slog.Logger) *Loop {
	return &Loop{cfg: cfg, rdb: rdb, orch: orch, rt: rt, incident: incident, logger: logger}
}

// Run executes the cooperative loop until ctx is cancelled or running
// returns false.
func (l *Loop) Run(ctx context.Context, running func() bool) {
	interval := time.Duration(l.cfg.PollIntervalMs) * time.Millisecond
	for running() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.drainRetries(ctx)

		jobID, err := l.popNextJobID(ctx)
		if err != nil && err != redis.Nil {
			l.logger.Error("intake pop failed", slog.Any("error", err))
		}
		if jobID != "" {
			l.routeGatewayJob(ctx, jobID)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// drainRetries re-pushes every queue:retry entry whose score (due time, ms)
// has elapsed back onto gateway:jobs.
func (l *Loop) drainRetries(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	due, err := l.rdb.ZRangeByScore(ctx, kv.RetryQueueKey, &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	for _, jobID := range due {
		pipe := l.rdb.TxPipeline()
		pipe.ZRem(ctx, kv.RetryQueueKey, jobID)
		pipe.LPush(ctx, l.cfg.GatewayQueueKey, jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			l.logger.Error("retry drain failed", slog.String("jobId", jobID), slog.Any("error", err))
		}
	}
}

// popNextJobID right-pops from the priority list first, falling back to the
// gateway list.
func (l *Loop) popNextJobID(ctx context.Context) (string, error) {
	if l.cfg.PriorityQueueKey != "" {
		id, err := l.rdb.RPop(ctx, l.cfg.PriorityQueueKey).Result()
		if err == nil {
			return id, nil
		}
		if err != redis.Nil {
			return "", err
		}
	}
	id, err := l.rdb.RPop(ctx, l.cfg.GatewayQueueKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

// routeGatewayJob validates, counts, and fans a single job out into
// per-session queues (spec.md §4.E).
func (l *Loop) routeGatewayJob(ctx context.Context, jobID string) {
	l.processed.Add(1)

	job, found, err := kv.GetJob(ctx, l.rdb, jobID)
	if err != nil || !found {
		if err != nil {
			l.logger.Error("job load failed", slog.String("jobId", jobID), slog.Any("error", err))
		}
		return
	}

	if reason, ok := job.Validate(); !ok {
		l.failJob(ctx, jobID, reason)
		l.failed.Add(1)
		return
	}

	if err := kv.PatchJob(ctx, l.rdb, jobID, map[string]any{"status": domain.JobRouting}); err != nil {
		l.logger.Error("job status update failed", slog.String("jobId", jobID), slog.Any("error", err))
		return
	}
	ttl := time.Duration(l.cfg.JobStatsTTLSeconds) * time.Second
	if err := kv.CreateJobCounters(ctx, l.rdb, jobID, len(job.Contacts), ttl); err != nil {
		l.logger.Error("job counters init failed", slog.String("jobId", jobID), slog.Any("error", err))
	}

	sessions := l.orch.GetSessionsCached(ctx, 5*time.Second)
	if len(sessions) == 0 {
		l.rescheduleNoSessions(ctx, jobID)
		return
	}

	routedCount := 0
	now := time.Now().UnixMilli()
	for i, contact := range job.Contacts {
		task := domain.Task{
			TaskID:    fmt.Sprintf("%s:%d", jobID, i),
			JobID:     jobID,
			Mode:      job.Mode,
			To:        contact.Phone,
			Name:      contact.Name,
			Text:      job.Message,
			MediaRef:  job.MediaRef,
			MediaPath: job.MediaPath,
			CreatedAt: now,
		}

		sess, err := l.rt.Select(sessions, contact.Phone, domain.RoutingPreferences{}, router.StrategySticky)
		if err != nil {
			l.logger.Warn("routing failed for contact", slog.String("jobId", jobID), slog.String("phone", contact.Phone), slog.Any("error", err))
			continue
		}

		body, err := json.Marshal(task)
		if err != nil {
			l.logger.Error("task marshal failed", slog.String("jobId", jobID), slog.Any("error", err))
			continue
		}

		queueKey := kv.SessionQueueKey(l.cfg.SessionQueuePrefix, sess.Phone)
		pipe := l.rdb.TxPipeline()
		pipe.LPush(ctx, queueKey, body)
		pipe.Expire(ctx, queueKey, 24*time.Hour)
		pipe.Incr(ctx, kv.MetricRoutedKey(sess.SessionID))
		pipe.Expire(ctx, kv.MetricRoutedKey(sess.SessionID), 60*time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			l.logger.Error("task enqueue failed", slog.String("jobId", jobID), slog.Any("error", err))
			continue
		}
		routedCount++
	}

	_ = kv.PatchJob(ctx, l.rdb, jobID, map[string]any{
		"status":      domain.JobRouted,
		"routedAt":    now,
		"routedCount": routedCount,
	})
	l.routed.Add(1)
	observability.JobsRoutedTotal.WithLabelValues().Inc()
}

func (l *Loop) rescheduleNoSessions(ctx context.Context, jobID string) {
	due := float64(time.Now().Add(l.cfg.RetryDelay()).UnixMilli())
	pipe := l.rdb.TxPipeline()
	pipe.ZAdd(ctx, kv.RetryQueueKey, redis.Z{Score: due, Member: jobID})
	_, err := pipe.Exec(ctx)
	if err != nil {
		l.logger.Error("retry schedule failed", slog.String("jobId", jobID), slog.Any("error", err))
	}
	_ = kv.PatchJob(ctx, l.rdb, jobID, map[string]any{
		"status":    domain.JobQueued,
		"lastError": domain.ReasonNoSessionsAvailable,
	})
}

func (l *Loop) failJob(ctx context.Context, jobID, reason string) {
	if err := kv.PatchJob(ctx, l.rdb, jobID, map[string]any{
		"status":    domain.JobFailed,
		"lastError": reason,
	}); err != nil {
		l.logger.Error("job failure write failed", slog.String("jobId", jobID), slog.Any("error", err))
	}
	observability.JobsFailedTotal.WithLabelValues(reason).Inc()
}

// Stats is a snapshot of the loop's lifetime counters.
type Stats struct {
	Processed int64
	Routed    int64
	Failed    int64
}

// Stats returns the loop's lifetime counters.
func (l *Loop) Stats() Stats {
	return Stats{Processed: l.processed.Load(), Routed: l.routed.Load(), Failed: l.failed.Load()}
}
