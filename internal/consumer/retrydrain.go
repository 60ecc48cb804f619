package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antiban/dispatcher/internal/adapter/kv"
)

const retryDrainBatchSize = 25

// DrainSessionRetries takes up to 25 due items from queue:retry:session and
// LPushes each task back onto its phone's queue (spec.md §4.F retry-drain
// task, run every second).
func (m *Manager) DrainSessionRetries(ctx context.Context) {
	now := time.Now().UnixMilli()
	due, err := m.shared.ZRangeByScore(ctx, kv.RetrySessionQueueKey, &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now, 10),
		Count: retryDrainBatchSize,
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}

	for _, raw := range due {
		var envelope retryEnvelope
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			m.logger.Error("retry envelope unmarshal failed", slog.Any("error", err))
			m.shared.ZRem(ctx, kv.RetrySessionQueueKey, raw)
			continue
		}

		body, err := json.Marshal(envelope.Task)
		if err != nil {
			m.logger.Error("retry task marshal failed", slog.Any("error", err))
			m.shared.ZRem(ctx, kv.RetrySessionQueueKey, raw)
			continue
		}

		queueKey := kv.SessionQueueKey(m.cfg.SessionQueuePrefix, envelope.Phone)
		pipe := m.shared.TxPipeline()
		pipe.ZRem(ctx, kv.RetrySessionQueueKey, raw)
		pipe.LPush(ctx, queueKey, body)
		pipe.Expire(ctx, queueKey, 24*time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			m.logger.Error("retry requeue failed", slog.Any("error", err))
		}
	}
}
