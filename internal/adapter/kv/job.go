package kv

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/antiban/dispatcher/internal/domain"
)

// GetJob loads and decodes the job record at job:<jobId>. It returns
// (domain.Job{}, false, nil) if the key is missing.
func GetJob(ctx context.Context, rdb *redis.Client, jobID string) (domain.Job, bool, error) {
	raw, err := rdb.Get(ctx, JobKey(jobID)).Bytes()
	if err == redis.Nil {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	var j domain.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return domain.Job{}, false, err
	}
	return j, true, nil
}

// PatchJob merges patch into the job record's raw JSON and rewrites it,
// preserving any fields the Gateway wrote that this dispatcher doesn't model
// (spec.md §6: "Unknown fields MUST be preserved on rewrite").
func PatchJob(ctx context.Context, rdb *redis.Client, jobID string, patch map[string]any) error {
	raw, err := rdb.Get(ctx, JobKey(jobID)).Bytes()
	if err != nil {
		return err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	for k, v := range patch {
		doc[k] = v
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, JobKey(jobID), out, redis.KeepTTL).Err()
}
