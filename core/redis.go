package core

import (
	"context"
	"fmt"
	"time"

	"lmsguard/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache wraps the Redis client shared by components that keep state across replicas.
type RedisCache struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisCache creates a new Redis cache instance
func NewRedisCache(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	return &RedisCache{
		client: client,
		logger: logger,
	}
}

// Ping tests the Redis connection
func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// IncrWindow increments the counter at key and returns the new count together with the
// time left in its window. The window (TTL) is set only by the first hit, giving
// fixed-window semantics. A counter that somehow lost its TTL gets one again.
func (rc *RedisCache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	pipe := rc.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.CacheErrors.WithLabelValues("redis", "incr").Inc()
		rc.logger.Debugw("Redis window increment failed", "key", key, "error", err)
		return 0, 0, fmt.Errorf("redis incr %s: %w", key, err)
	}

	count := incr.Val()
	remaining := ttl.Val()
	if count == 1 || remaining < 0 {
		if err := rc.client.PExpire(ctx, key, window).Err(); err != nil {
			metrics.CacheErrors.WithLabelValues("redis", "expire").Inc()
			rc.logger.Debugw("Redis window expiry failed", "key", key, "error", err)
			return 0, 0, fmt.Errorf("redis expire %s: %w", key, err)
		}
		remaining = window
	}
	return count, remaining, nil
}

// Cache key prefixes
const (
	CacheKeyRateLimitPrefix = "ratelimit:"
)

// GetRateLimitCacheKey generates a cache key for a rate limit counter
func GetRateLimitCacheKey(kind, value string) string {
	return CacheKeyRateLimitPrefix + kind + ":" + value
}
