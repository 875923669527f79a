package ratelimit

import (
	"context"
	"fmt"
	"time"

	"lmsguard/core"
	"lmsguard/metrics"

	"go.uber.org/zap"
)

// Counter is the remote operation a RedisLimiter needs. *core.RedisCache satisfies it.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// RedisLimiter shares windows across replicas through Redis. When Redis fails, or
// while its breaker is open, requests are counted by the in-memory fallback instead.
type RedisLimiter struct {
	config   Config
	counter  Counter
	fallback *MemoryLimiter
	breaker  *core.Breaker
	logger   *zap.SugaredLogger
}

// NewRedisLimiter wires a Redis-backed limiter. breaker may be nil.
func NewRedisLimiter(config Config, counter Counter, fallback *MemoryLimiter, breaker *core.Breaker, logger *zap.SugaredLogger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisLimiter{
		config:   config,
		counter:  counter,
		fallback: fallback,
		breaker:  breaker,
		logger:   logger,
	}
}

// Allow counts the request in Redis under ratelimit:ip:<key>.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	if l.breaker != nil {
		if err := l.breaker.Allow(); err != nil {
			metrics.RateLimitBackendFallbacks.WithLabelValues("circuit_open").Inc()
			return l.fallback.Allow(ctx, key)
		}
	}

	count, ttl, err := l.counter.IncrWindow(ctx, core.GetRateLimitCacheKey("ip", key), l.config.Window)
	if err != nil {
		l.recordFailure()
		metrics.RateLimitBackendFallbacks.WithLabelValues("incr").Inc()
		l.logger.Warnw("Redis rate limit check failed, using in-memory limiter",
			"key", key,
			"error", fmt.Errorf("%w: %v", ErrBackendUnavailable, err))
		return l.fallback.Allow(ctx, key)
	}
	l.recordSuccess()

	res := Result{
		Allowed:    count <= int64(l.config.Limit),
		Limit:      l.config.Limit,
		ResetAfter: ttl,
	}
	if res.Allowed {
		res.Remaining = l.config.Limit - int(count)
	}
	return res, nil
}

func (l *RedisLimiter) recordFailure() {
	if l.breaker == nil {
		return
	}
	if old, state := l.breaker.RecordFailure(); old != state && state == core.BreakerOpen {
		l.logger.Errorw("Redis rate limit backend circuit opened", "state", state)
	}
}

func (l *RedisLimiter) recordSuccess() {
	if l.breaker == nil {
		return
	}
	if old, state := l.breaker.RecordSuccess(); old != state {
		l.logger.Infow("Redis rate limit backend recovered", "previous_state", old)
	}
}
