package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackoffStore shares unlock-failure backoff state across every
// container process behind the same Redis instance, the way the pack's
// auth rate limiter tracks failed logins with INCR+EXPIRE rather than an
// in-process map.
type RedisBackoffStore struct {
	client *redis.Client
	prefix string
}

func NewRedisBackoffStore(client *redis.Client) *RedisBackoffStore {
	return &RedisBackoffStore{client: client, prefix: "ocmt:backoff:"}
}

func (s *RedisBackoffStore) countKey(ip string) string { return s.prefix + ip + ":count" }
func (s *RedisBackoffStore) lastKey(ip string) string  { return s.prefix + ip + ":last" }

func (s *RedisBackoffStore) Check(ctx context.Context, ip string) (bool, time.Duration, error) {
	pipe := s.client.Pipeline()
	countCmd := pipe.Get(ctx, s.countKey(ip))
	lastCmd := pipe.Get(ctx, s.lastKey(ip))
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return false, 0, fmt.Errorf("session: redis backoff check: %w", err)
	}

	count, _ := strconv.Atoi(countCmd.Val())
	if count < gracePeriod {
		return true, 0, nil
	}
	lastUnix, _ := strconv.ParseInt(lastCmd.Val(), 10, 64)
	last := time.Unix(lastUnix, 0)

	required := backoffFor(count)
	elapsed := time.Since(last)
	if elapsed >= required {
		return true, 0, nil
	}
	return false, required - elapsed, nil
}

func (s *RedisBackoffStore) RecordFailure(ctx context.Context, ip string) error {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, s.countKey(ip))
	pipe.Expire(ctx, s.countKey(ip), ageOut)
	pipe.Set(ctx, s.lastKey(ip), time.Now().Unix(), ageOut)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: redis record failure: %w", err)
	}
	_ = incr
	return nil
}

func (s *RedisBackoffStore) Reset(ctx context.Context, ip string) error {
	if err := s.client.Del(ctx, s.countKey(ip), s.lastKey(ip)).Err(); err != nil {
		return fmt.Errorf("session: redis reset: %w", err)
	}
	return nil
}
