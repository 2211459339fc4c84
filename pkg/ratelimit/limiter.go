// Package ratelimit bounds per-caller request rates on the gateway's write
// endpoints. Redis-backed when available, with an in-memory fallback.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports the outcome of a single Allow call. Count includes
// the request being decided.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is a fixed-window counter keyed by caller. It backs a
// single gateway process; multi-instance deployments go through redis.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		buckets: make(map[string]bucket),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = bucket{resetAt: now.Add(l.window)}
	}
	b.count++
	l.buckets[key] = b
	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   b.count <= limit,
		Count:     b.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   b.resetAt,
	}
}

func (l *InMemoryLimiter) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, k)
		}
	}
}
