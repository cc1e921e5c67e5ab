package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaymesh/llm-dispatch/internal/catalog"
)

// fixedWindowScript atomically implements a fixed-window counter.
// KEYS[1] = counter key for one provider identity
// ARGV[1] = window length in milliseconds
// ARGV[2] = quota (max admissions per window)
// Returns: {1, pttl_ms} if admitted, {0, pttl_ms} if rejected.
// The counter is only incremented on admission, so it never exceeds quota.
var fixedWindowScript = redis.NewScript(`
		local window = tonumber(ARGV[1])
		local quota  = tonumber(ARGV[2])

		local count = tonumber(redis.call('GET', KEYS[1]) or '0')
		if count >= quota then
			return {0, redis.call('PTTL', KEYS[1])}
		end

		count = redis.call('INCR', KEYS[1])
		if count == 1 then
			-- First admission of the window starts the clock.
			redis.call('PEXPIRE', KEYS[1], window)
		end
		return {1, redis.call('PTTL', KEYS[1])}
`)

const redisKeyPrefix = "ratelimit:fw:"

// RedisLimiter is a Redis-backed fixed-window limiter for deployments where
// multiple gateway replicas must share one admission window. The window is
// keyed per provider identity; expiry of the key is the window reset.
type RedisLimiter struct {
	rdb    *redis.Client
	window time.Duration
	quotas map[catalog.Identity]int
}

// NewRedisLimiter creates a RedisLimiter with the given window and quotas.
// A window ≤ 0 falls back to DefaultWindow.
func NewRedisLimiter(rdb *redis.Client, window time.Duration, quotas map[catalog.Identity]int) *RedisLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisLimiter{rdb: rdb, window: window, quotas: quotas}
}

// Admit checks id's shared counter against its quota.
func (l *RedisLimiter) Admit(ctx context.Context, id catalog.Identity) Decision {
	if exempt(id) {
		return Decision{Allowed: true}
	}
	quota := l.quotas[id]
	if quota <= 0 {
		return Decision{Allowed: true}
	}

	res, err := fixedWindowScript.Run(ctx, l.rdb,
		[]string{redisKeyPrefix + id.String()},
		l.window.Milliseconds(), quota,
	).Int64Slice()
	if err != nil || len(res) != 2 {
		// Redis unavailable — admit rather than fail the request
		// (graceful degradation, same policy as an unreachable cache).
		return Decision{Allowed: true}
	}

	if res[0] == 1 {
		return Decision{Allowed: true}
	}

	retry := time.Duration(res[1]) * time.Millisecond
	if retry < 0 {
		retry = l.window
	}
	return Decision{Allowed: false, RetryAfter: retry}
}
