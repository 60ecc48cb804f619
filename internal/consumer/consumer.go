// Package consumer implements the per-session consumer task (spec.md §4.F):
// one cooperative loop per connected session that blocking-pops its queue,
// paces sends through the Orchestrator, and performs exactly-once
// accounting on completion.
//
// Grounded on cmd/worker/main.go's goroutine-per-concern startup and
// internal/adapter/queue/asynq/worker.go's handleEvaluate status-transition
// shape, generalized from a single asynq task handler to a long-running
// per-session consumer loop with its own pacer and retry bookkeeping.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antiban/dispatcher/internal/adapter/kv"
	"github.com/antiban/dispatcher/internal/adapter/observability"
	"github.com/antiban/dispatcher/internal/config"
	"github.com/antiban/dispatcher/internal/domain"
	"github.com/antiban/dispatcher/internal/incidents"
	"github.com/antiban/dispatcher/internal/orchestrator"
	"github.com/antiban/dispatcher/internal/pacer"
)

const blockingPopTimeout = 2 * time.Second

// handle tracks one running consumer goroutine.
type handle struct {
	sessionID string
	phone     string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manager owns the set of running per-session consumers.
type Manager struct {
	cfg       config.Config
	shared    *redis.Client
	blocking  *redis.Client
	pacers    *pacer.Manager
	orch      *orchestrator.Client
	incidents *incidents.Sink
	logger    *slog.Logger

	mu        sync.Mutex
	consumers map[string]*handle
}

// New builds a Manager.
func New(cfg config.Config, shared, blocking *redis.Client, pacers *pacer.Manager, orch *orchestrator.Client, incidentSink *incidents.Sink, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		shared:    shared,
		blocking:  blocking,
		pacers:    pacers,
		orch:      orch,
		incidents: incidentSink,
		logger:    logger,
		consumers: make(map[string]*handle),
	}
}

// Reconcile starts consumers for newly connected sessions, applies or clears
// RPM overrides on existing ones, and stops consumers whose session has left
// the connected set (spec.md §4.F reconcile task).
func (m *Manager) Reconcile(ctx context.Context, sessions []domain.Session) {
	connected := make(map[string]domain.Session, len(sessions))
	for _, s := range sessions {
		if s.Status == domain.SessionConnected && s.Phone != "" {
			connected[s.SessionID] = s
		}
	}

	m.mu.Lock()
	toStop := make([]*handle, 0)
	for sid, h := range m.consumers {
		if _, ok := connected[sid]; !ok {
			toStop = append(toStop, h)
			delete(m.consumers, sid)
		}
	}
	m.mu.Unlock()

	for _, h := range toStop {
		h.cancel()
		<-h.done
	}

	for sid, sess := range connected {
		m.mu.Lock()
		_, exists := m.consumers[sid]
		m.mu.Unlock()
		if !exists {
			m.start(ctx, sess)
			continue
		}
		m.applyRPM(ctx, sess)
		m.reportQueueLength(ctx, sess)
	}

	observability.ActivePacers.Set(float64(m.pacers.Count()))
}

func (m *Manager) reportQueueLength(ctx context.Context, sess domain.Session) {
	queueKey := kv.SessionQueueKey(m.cfg.SessionQueuePrefix, sess.Phone)
	n, err := m.shared.LLen(ctx, queueKey).Result()
	if err != nil {
		return
	}
	observability.SessionQueueLength.WithLabelValues(sess.SessionID).Set(float64(n))
}

func (m *Manager) applyRPM(ctx context.Context, sess domain.Session) {
	p, ok := m.pacers.Get(sess.SessionID)
	if !ok {
		return
	}
	override, err := m.shared.Get(ctx, kv.ConfigSessionRPMKey(sess.SessionID)).Int()
	if err == redis.Nil {
		_ = p.SetRPM(nil)
		return
	}
	if err != nil {
		return
	}
	_ = p.SetRPM(&override)
}

func (m *Manager) start(ctx context.Context, sess domain.Session) {
	profile := pacer.ProfileForCreatedAt(sess.CreatedAt, time.Now())
	p := m.pacers.GetOrCreate(sess.SessionID, profile)
	m.applyRPM(ctx, sess)

	cctx, cancel := context.WithCancel(ctx)
	h := &handle{sessionID: sess.SessionID, phone: sess.Phone, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.consumers[sess.SessionID] = h
	m.mu.Unlock()

	go m.run(cctx, sess, p, h)
}

// Stop cancels and waits for every running consumer.
func (m *Manager) Stop() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.consumers))
	for sid, h := range m.consumers {
		handles = append(handles, h)
		delete(m.consumers, sid)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.cancel()
		<-h.done
	}
	observability.ActivePacers.Set(0)
}

// Count returns the number of running consumers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumers)
}

func (m *Manager) run(ctx context.Context, sess domain.Session, p *pacer.Pacer, h *handle) {
	defer close(h.done)
	queueKey := kv.SessionQueueKey(m.cfg.SessionQueuePrefix, sess.Phone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := m.popTask(ctx, queueKey)
		if err != nil {
			if err == redis.Nil {
				continue // blocking pop timed out, loop again
			}
			if ctx.Err() != nil {
				return
			}
			m.incidents.PushIncident(ctx, "SESSION_CONSUMER_ERROR", map[string]any{
				"sessionId": sess.SessionID, "error": err.Error(),
			})
			time.Sleep(250 * time.Millisecond)
			continue
		}
		if task == nil {
			continue
		}

		delay, err := p.WaitForSlot(ctx)
		if err != nil {
			return
		}
		observability.PacerDelay.WithLabelValues(sess.SessionID).Observe(float64(delay.Milliseconds()))

		result := m.orch.SendViaOrchestrator(ctx, sess.SessionID, *task)
		p.RecordSend()

		if result.Success {
			m.onSendSuccess(ctx, sess, *task)
		} else {
			m.onSendFailure(ctx, sess, *task, result.Error)
		}
	}
}

func (m *Manager) popTask(ctx context.Context, queueKey string) (*domain.Task, error) {
	res, err := m.blocking.BRPop(ctx, blockingPopTimeout, queueKey).Result()
	if err == redis.Nil {
		return nil, redis.Nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, nil
	}
	var task domain.Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (m *Manager) onSendSuccess(ctx context.Context, sess domain.Session, task domain.Task) {
	if task.JobID == "" {
		return
	}
	idx := taskIndex(task.TaskID)
	ttl := time.Duration(m.cfg.JobStatsTTLSeconds) * time.Second
	won, err := kv.MarkTaskStatus(ctx, m.shared, task.JobID, idx, "SENT", ttl)
	if err != nil {
		m.logger.Error("task status write failed", slog.String("taskId", task.TaskID), slog.Any("error", err))
		return
	}
	if won {
		m.shared.Incr(ctx, kv.JobStatsSentKey(task.JobID))
		m.finalizeIfDone(ctx, task.JobID, ttl)
	}
	m.bumpMetric(ctx, kv.MetricSentKey(sess.SessionID))
	observability.TasksSentTotal.WithLabelValues(sess.SessionID).Inc()
}

func (m *Manager) onSendFailure(ctx context.Context, sess domain.Session, task domain.Task, sendErr string) {
	if task.RetryCount < m.cfg.MaxRetries {
		task.RetryCount++
		m.scheduleSessionRetry(ctx, sess, task)
		return
	}

	if task.JobID == "" {
		return
	}
	idx := taskIndex(task.TaskID)
	ttl := time.Duration(m.cfg.JobStatsTTLSeconds) * time.Second
	won, err := kv.MarkTaskStatus(ctx, m.shared, task.JobID, idx, "FAILED", ttl)
	if err != nil {
		m.logger.Error("task status write failed", slog.String("taskId", task.TaskID), slog.Any("error", err))
		return
	}
	if won {
		m.shared.Incr(ctx, kv.JobStatsFailedKey(task.JobID))
		m.finalizeIfDone(ctx, task.JobID, ttl)
	}
	m.bumpMetric(ctx, kv.MetricFailedKey(sess.SessionID))
	observability.TasksFailedTotal.WithLabelValues(sess.SessionID).Inc()

	m.incidents.PushIncident(ctx, "SEND_FAILED", map[string]any{
		"sessionId": sess.SessionID, "taskId": task.TaskID, "jobId": task.JobID, "error": sendErr,
	})
	m.incidents.SendBrainEvent(ctx, map[string]any{
		"type": "SEND_FAILED", "sessionId": sess.SessionID, "taskId": task.TaskID, "jobId": task.JobID,
	})
}

func (m *Manager) scheduleSessionRetry(ctx context.Context, sess domain.Session, task domain.Task) {
	envelope := retryEnvelope{SessionID: sess.SessionID, Phone: sess.Phone, Task: task}
	body, err := json.Marshal(envelope)
	if err != nil {
		m.logger.Error("retry envelope marshal failed", slog.String("taskId", task.TaskID), slog.Any("error", err))
		return
	}
	due := float64(time.Now().Add(m.cfg.RetryDelay()).UnixMilli())
	if err := m.shared.ZAdd(ctx, kv.RetrySessionQueueKey, redis.Z{Score: due, Member: body}).Err(); err != nil {
		m.logger.Error("retry schedule failed", slog.String("taskId", task.TaskID), slog.Any("error", err))
	}
}

func (m *Manager) finalizeIfDone(ctx context.Context, jobID string, ttl time.Duration) {
	res, err := kv.TryFinalize(ctx, m.shared, jobID, ttl)
	if err != nil {
		m.logger.Error("finalize check failed", slog.String("jobId", jobID), slog.Any("error", err))
		return
	}
	if !res.ShouldEmit {
		return
	}

	status := domain.JobDone
	if res.Failed > 0 {
		status = domain.JobDoneWithErrors
	}
	now := time.Now().UnixMilli()
	_ = kv.PatchJob(ctx, m.shared, jobID, map[string]any{
		"status": status,
		"doneAt": now,
		"sentCount": res.Sent,
		"failedCount": res.Failed,
	})

	event, _ := json.Marshal(map[string]any{
		"type": string(status), "jobId": jobID, "ts": now, "sent": res.Sent, "failed": res.Failed, "total": res.Total,
	})
	pipe := m.shared.TxPipeline()
	pipe.LPush(ctx, kv.JobsEventsKey, event)
	pipe.LTrim(ctx, kv.JobsEventsKey, 0, 1999)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Error("job event append failed", slog.String("jobId", jobID), slog.Any("error", err))
	}
}

func (m *Manager) bumpMetric(ctx context.Context, key string) {
	pipe := m.shared.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 60*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Error("metric increment failed", slog.String("key", key), slog.Any("error", err))
	}
}

type retryEnvelope struct {
	SessionID string      `json:"sessionId"`
	Phone     string      `json:"phone"`
	Task      domain.Task `json:"task"`
}

func taskIndex(taskID string) int {
	var idx int
	if _, err := fmt.Sscanf(lastSegment(taskID), "%d", &idx); err == nil {
		return idx
	}
	return 0
}

// lastSegment returns the portion of taskId after the final ':' (taskId is
// formatted as "<jobId>:<index>").
func lastSegment(taskID string) string {
	for i := len(taskID) - 1; i >= 0; i-- {
		if taskID[i] == ':' {
			return taskID[i+1:]
		}
	}
	return taskID
}
