package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter is the multi-instance variant: a shared counter keyed by
// keyID and window id, incremented atomically with a TTL. Use this when
// the service runs more than one replica, since in-process counters
// diverge per replica.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, keyID string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	windowID := now.Unix() / int64(Window/time.Second)
	counterKey := fmt.Sprintf("ratelimit:%s:%d", keyID, windowID)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	pipe.Expire(ctx, counterKey, 2*Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	windowEnd := time.Unix((windowID+1)*int64(Window/time.Second), 0)
	return Decision{
		Allowed:   count <= limit,
		Remaining: remaining,
		ResetInMs: windowEnd.Sub(now).Milliseconds(),
	}, nil
}
