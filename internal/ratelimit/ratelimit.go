// Package ratelimit implements the sliding-window per-actor throttle
// the spec requires for OTP generation/verification and other auth
// surfaces. A Redis backend is used when REDIS_URL is configured so the
// counter is shared across gateway replicas; otherwise an in-process
// fallback is correct only for a single-instance deployment.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// backend is the pluggable counter store behind Limiter.
type backend interface {
	allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Limiter enforces "at most limit events per window" per actor key.
type Limiter struct {
	backend backend
}

// NewRedis builds a Limiter backed by a Lua-scripted sliding window log
// in Redis, safe across multiple gateway replicas.
func NewRedis(client goredis.Cmdable) *Limiter {
	return &Limiter{backend: &redisBackend{client: client}}
}

// NewInProcess builds a Limiter backed by an in-process map. Only
// correct for a single-replica deployment — the spec calls this out
// explicitly (§4.12, Rate Limiter).
func NewInProcess() *Limiter {
	return &Limiter{backend: newMemoryBackend()}
}

// Allow reports whether the actor identified by key may proceed,
// consuming one unit of quota if so.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return l.backend.allow(ctx, key, limit, window)
}

// ── Redis backend ────────────────────────────────────────────

// slidingWindowScript trims entries older than the window, and admits
// the request iff the remaining count is under limit. Atomic so
// concurrent requests from the same actor across replicas can't both
// slip through a stale read.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]

local window_start = now - window_ms
redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window_ms)
    return 1
end
return 0
`)

type redisBackend struct {
	client goredis.Cmdable
}

func (b *redisBackend) allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	cacheKey := fmt.Sprintf("ratelimit:%s", key)
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%1_000_000)

	result, err := slidingWindowScript.Run(ctx, b.client, []string{cacheKey}, limit, window.Milliseconds(), now, member).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// ── In-process backend ───────────────────────────────────────

type memoryBackend struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{windows: make(map[string][]time.Time)}
}

func (b *memoryBackend) allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)

	events := b.windows[key]
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		b.windows[key] = kept
		return false, nil
	}

	b.windows[key] = append(kept, now)
	return true, nil
}
