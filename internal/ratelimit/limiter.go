// Package ratelimit counts attempts per key in fixed windows held in redis, so
// every API process shares one budget.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	ExpireNX(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the current window resets.
	RetryAfter time.Duration
}

type Limiter struct {
	client counter
	prefix string
}

func New(client counter, prefix string) *Limiter {
	return &Limiter{client: client, prefix: prefix}
}

// Allow records one attempt against key and reports whether it fits within
// limit per window. ExpireNX runs on every attempt so a key never outlives its
// window even if an earlier expiry call was lost.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	full := l.prefix + ":" + key

	count, err := l.client.Incr(ctx, full).Result()
	if err != nil {
		return Decision{}, oops.Code("RATE_LIMIT_UNAVAILABLE").With("key", full).Wrap(err)
	}
	if err := l.client.ExpireNX(ctx, full, window).Err(); err != nil {
		return Decision{}, oops.Code("RATE_LIMIT_UNAVAILABLE").With("key", full).Wrap(err)
	}

	retryAfter, err := l.client.PTTL(ctx, full).Result()
	if err != nil || retryAfter <= 0 {
		retryAfter = window
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    int(count) <= limit,
		Remaining:  remaining,
		RetryAfter: retryAfter,
	}, nil
}
