package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a fixed-window rate limiter over Redis counters.
type Limiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

func NewLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *Limiter {
	return &Limiter{client: client, prefix: prefix, limit: int64(limit), window: window}
}

func (l *Limiter) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

// Allow records an attempt under key and reports whether it is within the
// limit. The window starts at the first attempt and is not sliding.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	rk := l.redisKey(key)
	count, err := l.client.Incr(ctx, rk).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, rk, l.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= l.limit, nil
}

// Reset clears the counter for key, forgiving prior attempts.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.redisKey(key)).Err()
}
