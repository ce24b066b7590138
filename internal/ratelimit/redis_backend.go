package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBackend counts aggregate requests in Redis, per fixed window, so
// that a fleet of gateways sharing one cloud account can approximate a
// single global rate across processes. A request the in-process buckets
// allow is still refused once the shared count exceeds the limit; when
// Redis cannot be reached, the in-process buckets decide alone.
type RedisBackend struct {
	client *redis.Client
	window time.Duration
	logger *zap.Logger
}

func NewRedisBackend(client *redis.Client, window time.Duration, logger *zap.Logger) *RedisBackend {
	return &RedisBackend{client: client, window: window, logger: logger}
}

func (r *RedisBackend) IncrementAndCheck(key string, limit float64) (allowed bool, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		r.logger.Warn("redis rate limit increment failed, allowing request", zap.Error(err))
		return false, false
	}
	if count == 1 {
		r.client.Expire(ctx, key, r.window)
	}
	return float64(count) <= limit, true
}
