package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MemoryRateLimitStore is a fixed-window counter for single-process
// deployments and tests.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryRateLimitStore returns an empty in-process store.
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

// IncrementAndCheck counts one request against key. Denied requests do not
// consume quota.
func (m *MemoryRateLimitStore) IncrementAndCheck(_ context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		m.windows[key] = w
	}

	if w.count >= limit {
		return RateLimitResult{Allowed: false, Remaining: 0, ResetAt: w.resetAt}, nil
	}
	w.count++
	return RateLimitResult{Allowed: true, Remaining: limit - w.count, ResetAt: w.resetAt}, nil
}

// slidingWindowScript trims entries older than the window, admits the request
// when the remaining count is under the limit and reports the time at which
// the oldest entry leaves the window. Scores are unix milliseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local current = redis.call('ZCARD', key)
local allowed = 0
if current < limit then
	redis.call('ZADD', key, now, member)
	current = current + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window)

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	reset = tonumber(oldest[2]) + window
end

return {allowed, current, reset}
`)

// RedisRateLimitStore is a sliding-window limiter shared by every API
// replica.
type RedisRateLimitStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisRateLimitStore stores counters under prefix+"ratelimit:"+key.
func NewRedisRateLimitStore(client redis.UniversalClient, prefix string) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: prefix, now: time.Now}
}

// IncrementAndCheck runs the sliding-window script atomically for key.
func (s *RedisRateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	now := s.now().UnixMilli()
	vals, err := slidingWindowScript.Run(ctx, s.client,
		[]string{s.prefix + "ratelimit:" + key},
		now, window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(vals) != 3 {
		return RateLimitResult{}, fmt.Errorf("rate limit script returned %d values", len(vals))
	}

	remaining := limit - int(vals[1])
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   vals[0] == 1,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(vals[2]),
	}, nil
}
