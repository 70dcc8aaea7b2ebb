package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares breaker state across workers. Failure counts and the
// open timestamp live under per-name keys; every key carries a TTL so stale
// breakers clean themselves up.
type RedisStore struct {
	client    *redis.Client
	threshold int
	reset     time.Duration
}

// NewRedisStore returns a Redis-backed Store. Zero values select the
// defaults.
func NewRedisStore(client *redis.Client, threshold int, reset time.Duration) *RedisStore {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if reset <= 0 {
		reset = DefaultResetTimeout
	}
	return &RedisStore{client: client, threshold: threshold, reset: reset}
}

func (s *RedisStore) failuresKey(name string) string {
	return fmt.Sprintf("breaker:%s:failures", name)
}

func (s *RedisStore) openedKey(name string) string {
	return fmt.Sprintf("breaker:%s:opened_at", name)
}

func (s *RedisStore) Allow(ctx context.Context, name string) error {
	failures, err := s.client.Get(ctx, s.failuresKey(name)).Int()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("breaker state read failed: %w", err)
	}
	if failures < s.threshold {
		return nil
	}

	openedUnix, err := s.client.Get(ctx, s.openedKey(name)).Int64()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("breaker state read failed: %w", err)
	}
	if time.Since(time.Unix(openedUnix, 0)) >= s.reset {
		s.client.Del(ctx, s.failuresKey(name), s.openedKey(name))
		return nil
	}
	return ErrCircuitOpen
}

func (s *RedisStore) RecordFailure(ctx context.Context, name string) error {
	failures, err := s.client.Incr(ctx, s.failuresKey(name)).Result()
	if err != nil {
		return fmt.Errorf("breaker failure record failed: %w", err)
	}
	// keep the key from outliving a breaker nobody trips again
	s.client.Expire(ctx, s.failuresKey(name), 2*s.reset)

	if failures >= int64(s.threshold) {
		now := strconv.FormatInt(time.Now().Unix(), 10)
		if err := s.client.SetNX(ctx, s.openedKey(name), now, 2*s.reset).Err(); err != nil {
			return fmt.Errorf("breaker open stamp failed: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) RecordSuccess(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.failuresKey(name), s.openedKey(name)).Err(); err != nil {
		return fmt.Errorf("breaker reset failed: %w", err)
	}
	return nil
}
