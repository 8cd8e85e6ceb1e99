package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RegisterCallback maps jobID to joinID unless a mapping already exists.
// It returns the join id that is in effect after the call.
func (s *RedisStore) RegisterCallback(ctx context.Context, jobID, joinID string, ttl time.Duration) (string, error) {
	key := CallbackKey(jobID)
	ok, err := s.client.SetNX(ctx, key, joinID, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("register callback %s: %w", jobID, err)
	}
	if ok {
		return joinID, nil
	}

	existing, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("register callback %s: %w", jobID, err)
	}
	return existing, nil
}

// ResolveCallback returns the join id for jobID, or jobID itself when no mapping exists.
func (s *RedisStore) ResolveCallback(ctx context.Context, jobID string) (string, error) {
	joinID, err := s.client.Get(ctx, CallbackKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return jobID, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve callback %s: %w", jobID, err)
	}
	return joinID, nil
}
