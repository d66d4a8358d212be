package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter atomically, setting the
// expiry only when the key is first created.
// KEYS[1] = window key
// ARGV[1] = max requests per window
// ARGV[2] = window length in milliseconds
// Returns {allowed, remaining, pttl}.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local count = redis.call("INCR", key)
if count == 1 then
    redis.call("PEXPIRE", key, window_ms)
end

local pttl = redis.call("PTTL", key)
if count > max then
    return {0, 0, pttl}
end
return {1, max - count, pttl}
`)

// RedisLimiter is a fixed-window limiter shared across instances.
type RedisLimiter struct {
	client *redis.Client
	max    int
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, max: max, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	res, err := fixedWindowScript.Run(ctx, l.client, []string{"ratelimit:" + key},
		l.max, l.window.Milliseconds()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("redis limiter: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, fmt.Errorf("redis limiter: unexpected script response %v", res)
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	pttl, _ := values[2].(int64)
	return Result{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetAt:   time.Now().Add(time.Duration(pttl) * time.Millisecond),
	}, nil
}
