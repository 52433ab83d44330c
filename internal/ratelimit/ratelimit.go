// Package ratelimit enforces per-user upload byte budgets over fixed windows.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter reserves byte budget for a key within the current window.
type Limiter interface {
	// Allow reserves n units for key. When the reservation would exceed the
	// limit nothing is reserved and retryAfter is the time until the window resets.
	Allow(ctx context.Context, key string, n int64) (ok bool, retryAfter time.Duration, err error)
}

// Unlimited is a Limiter that always allows.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, int64) (bool, time.Duration, error) {
	return true, 0, nil
}

// New returns a Redis-backed limiter when client is non-nil, an in-memory
// limiter otherwise, or Unlimited when limit <= 0.
func New(client *redis.Client, limit int64, window time.Duration) Limiter {
	if limit <= 0 {
		return Unlimited{}
	}
	if client != nil {
		return NewRedis(client, limit, window)
	}
	return NewMemory(limit, window)
}

// Memory is a fixed-window limiter held in process memory. Suitable for a
// single node only.
type Memory struct {
	limit  int64
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	used  int64
}

// NewMemory creates an in-memory limiter.
func NewMemory(limit int64, window time.Duration) *Memory {
	return &Memory{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow implements Limiter. A reservation larger than the whole limit is
// allowed when the window is otherwise empty, so one oversized request
// cannot be locked out forever.
func (m *Memory) Allow(_ context.Context, key string, n int64) (bool, time.Duration, error) {
	now := m.now()
	start := now.Truncate(m.window)

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || !b.start.Equal(start) {
		b = &bucket{start: start}
		m.buckets[key] = b
		m.gc(start)
	}
	if b.used > 0 && b.used+n > m.limit {
		return false, start.Add(m.window).Sub(now), nil
	}
	b.used += n
	return true, 0, nil
}

// gc drops buckets from earlier windows. Caller holds mu.
func (m *Memory) gc(current time.Time) {
	for k, b := range m.buckets {
		if b.start.Before(current) {
			delete(m.buckets, k)
		}
	}
}

// Redis is a fixed-window limiter shared across nodes through Redis counters.
type Redis struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client *redis.Client, limit int64, window time.Duration) *Redis {
	return &Redis{
		client: client,
		limit:  limit,
		window: window,
		prefix: "transcriptd:ratelimit:",
		now:    time.Now,
	}
}

// Allow implements Limiter with INCRBY on a per-window key, rolling the
// increment back when it overshoots.
func (r *Redis) Allow(ctx context.Context, key string, n int64) (bool, time.Duration, error) {
	now := r.now()
	start := now.Truncate(r.window)
	k := fmt.Sprintf("%s%s:%d", r.prefix, key, start.Unix())

	used, err := r.client.IncrBy(ctx, k, n).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit incr: %w", err)
	}
	if used == n {
		// First reservation in this window owns the expiry.
		if err := r.client.Expire(ctx, k, r.window+time.Second).Err(); err != nil {
			return false, 0, fmt.Errorf("ratelimit expire: %w", err)
		}
	}
	if used > r.limit && used != n {
		if err := r.client.DecrBy(ctx, k, n).Err(); err != nil {
			return false, 0, fmt.Errorf("ratelimit rollback: %w", err)
		}
		return false, start.Add(r.window).Sub(now), nil
	}
	return true, 0, nil
}
