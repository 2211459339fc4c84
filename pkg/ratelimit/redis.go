package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitScript bumps the window counter and arms its expiry in one
// round trip so concurrent gateways agree on the count.
var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares one fixed window across gateway instances. When
// redis misbehaves it defers to the in-memory fallback, and with no
// fallback it fails open rather than blocking writes.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "surety:rl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.degrade(key, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := rateLimitScript.Run(ctx, l.Client, []string{l.Prefix + key}, int(l.Window.Milliseconds())).Result()
	if err != nil {
		return l.degrade(key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.degrade(key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMs) * time.Millisecond),
	}
}

func (l *RedisLimiter) degrade(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		ResetAt:   time.Now().UTC().Add(l.Window),
	}
}
