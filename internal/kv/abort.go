package kv

import (
	"context"
	"fmt"
	"time"
)

// SetAbort raises the job's abort flag.
func (s *RedisStore) SetAbort(ctx context.Context, jobID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, AbortKey(jobID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("set abort %s: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) IsAborted(ctx context.Context, jobID string) (bool, error) {
	n, err := s.client.Exists(ctx, AbortKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check abort %s: %w", jobID, err)
	}
	return n > 0, nil
}
