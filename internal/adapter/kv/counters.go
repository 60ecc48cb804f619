package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// CreateJobCounters initializes total/sent/failed counters with set-if-absent
// semantics and the configured TTL (spec.md §4.E: "Create counters with
// set-if-absent"). Re-running this for an already-counted job is a no-op.
func CreateJobCounters(ctx context.Context, rdb *redis.Client, jobID string, total int, ttl time.Duration) error {
	pipe := rdb.TxPipeline()
	pipe.SetNX(ctx, JobStatsTotalKey(jobID), total, ttl)
	pipe.SetNX(ctx, JobStatsSentKey(jobID), 0, ttl)
	pipe.SetNX(ctx, JobStatsFailedKey(jobID), 0, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkTaskStatus attempts to set the task's terminal status via set-if-absent.
// It returns true if this call won the race (i.e. the caller should count the
// task), false if some other caller already marked it.
func MarkTaskStatus(ctx context.Context, rdb *redis.Client, jobID string, idx int, status string, ttl time.Duration) (bool, error) {
	ok, err := rdb.SetNX(ctx, TaskStatusKey(jobID, idx), status, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// atomicFinalizeScript checks total == sent+failed and, if so, claims the
// doneEmitted guard exactly once. Generalizes the token-bucket Lua pattern in
// internal/service/ratelimiter/redis_lua_limiter.go from rate-limiter state to
// exactly-once job-finalization state.
var atomicFinalizeScript = redis.NewScript(`
local total = tonumber(redis.call("GET", KEYS[1]) or "0")
local sent = tonumber(redis.call("GET", KEYS[2]) or "0")
local failed = tonumber(redis.call("GET", KEYS[3]) or "0")
if total > 0 and (sent + failed) >= total then
  local claimed = redis.call("SETNX", KEYS[4], "1")
  if claimed == 1 then
    redis.call("EXPIRE", KEYS[4], ARGV[1])
    return {1, total, sent, failed}
  end
end
return {0, total, sent, failed}
`)

// FinalizeResult is the outcome of an atomic finalization attempt.
type FinalizeResult struct {
	ShouldEmit bool
	Total      int
	Sent       int
	Failed     int
}

// TryFinalize atomically checks whether a job's tasks are all terminal and,
// if so, claims the doneEmitted guard so JOB_DONE/JOB_DONE_WITH_ERRORS is
// appended exactly once even when two consumers race on the job's last two
// tasks (spec.md §8 property 2).
func TryFinalize(ctx context.Context, rdb *redis.Client, jobID string, ttl time.Duration) (FinalizeResult, error) {
	res, err := atomicFinalizeScript.Run(ctx, rdb,
		[]string{JobStatsTotalKey(jobID), JobStatsSentKey(jobID), JobStatsFailedKey(jobID), JobStatsDoneEmittedKey(jobID)},
		int(ttl.Seconds()),
	).Result()
	if err != nil {
		return FinalizeResult{}, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		return FinalizeResult{}, nil
	}
	return FinalizeResult{
		ShouldEmit: toInt64(vals[0]) == 1,
		Total:      int(toInt64(vals[1])),
		Sent:       int(toInt64(vals[2])),
		Failed:     int(toInt64(vals[3])),
	}, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return 0
	}
}
