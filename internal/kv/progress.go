package kv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/transchord/pkg/models"
)

// Tally is the outcome of recording one chunk result.
type Tally struct {
	// Recorded is false when a result for the chunk was already stored.
	Recorded  bool
	Completed int
	Total     int
}

// Finished reports whether every chunk of the job has a recorded result.
func (t Tally) Finished() bool {
	return t.Total > 0 && t.Completed >= t.Total
}

// recordResultScript stores a chunk result at most once and counts it at most once.
//
// KEYS: total, completed, results. ARGV: chunk index, result, ttl seconds.
var recordResultScript = redis.NewScript(`
local total = tonumber(redis.call('GET', KEYS[1]) or '0')
local completed = tonumber(redis.call('GET', KEYS[2]) or '0')
local stored = redis.call('HSETNX', KEYS[3], ARGV[1], ARGV[2])
if stored == 1 and completed < total then
  completed = redis.call('INCR', KEYS[2])
end
if redis.call('TTL', KEYS[3]) < 0 then
  redis.call('EXPIRE', KEYS[3], ARGV[3])
end
return {stored, completed, total}
`)

// InitProgress creates the job's counters. Existing counters are left untouched, so a
// redelivered dispatch cannot reset progress already made.
func (s *RedisStore) InitProgress(ctx context.Context, jobID string, total int, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.SetNX(ctx, ProgressTotalKey(jobID), total, ttl)
	pipe.SetNX(ctx, ProgressCompletedKey(jobID), 0, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("init progress %s: %w", jobID, err)
	}
	return nil
}

// RecordResult stores the result for chunk index and advances the completed counter,
// both only the first time that index reports. completed never passes total.
func (s *RedisStore) RecordResult(ctx context.Context, jobID string, index int, result []byte, ttl time.Duration) (Tally, error) {
	keys := []string{ProgressTotalKey(jobID), ProgressCompletedKey(jobID), ProgressResultsKey(jobID)}
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}

	vals, err := recordResultScript.Run(ctx, s.client, keys, index, result, secs).Int64Slice()
	if err != nil {
		return Tally{}, fmt.Errorf("record result %s/%d: %w", jobID, index, err)
	}
	if len(vals) != 3 {
		return Tally{}, fmt.Errorf("record result %s/%d: unexpected reply %v", jobID, index, vals)
	}
	return Tally{Recorded: vals[0] == 1, Completed: int(vals[1]), Total: int(vals[2])}, nil
}

// Progress reads the job's counters. found is false when the record is absent or expired.
func (s *RedisStore) Progress(ctx context.Context, jobID string) (models.Progress, bool, error) {
	vals, err := s.client.MGet(ctx, ProgressTotalKey(jobID), ProgressCompletedKey(jobID)).Result()
	if err != nil {
		return models.Progress{}, false, fmt.Errorf("read progress %s: %w", jobID, err)
	}
	if vals[0] == nil {
		return models.Progress{}, false, nil
	}

	total, err := toInt(vals[0])
	if err != nil {
		return models.Progress{}, false, fmt.Errorf("read progress %s: total: %w", jobID, err)
	}
	completed := 0
	if vals[1] != nil {
		if completed, err = toInt(vals[1]); err != nil {
			return models.Progress{}, false, fmt.Errorf("read progress %s: completed: %w", jobID, err)
		}
	}
	return models.NewProgress(jobID, total, completed), true, nil
}

// ChunkResults returns every result recorded for the job, in no particular order.
func (s *RedisStore) ChunkResults(ctx context.Context, jobID string) ([][]byte, error) {
	vals, err := s.client.HVals(ctx, ProgressResultsKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read results %s: %w", jobID, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// ShortenProgress resets the lifetime of all of the job's progress keys to ttl.
func (s *RedisStore) ShortenProgress(ctx context.Context, jobID string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Expire(ctx, ProgressTotalKey(jobID), ttl)
	pipe.Expire(ctx, ProgressCompletedKey(jobID), ttl)
	pipe.Expire(ctx, ProgressResultsKey(jobID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("shorten progress %s: %w", jobID, err)
	}
	return nil
}

func toInt(v any) (int, error) {
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected value type")
	}
	return strconv.Atoi(s)
}
