package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Window is the fixed rate-limit window length.
const Window = 60 * time.Second

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetInMs int64
}

// Limiter enforces a per-minute request ceiling per key.
type Limiter interface {
	Allow(ctx context.Context, keyID string, limit int) (Decision, error)
}

type window struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryLimiter is a fixed-window counter held in process memory,
// sharded by key so concurrent requests for different keys don't contend
// on one lock. Fixed windows admit up to 2x the limit across a window
// boundary; that trade is accepted to keep the hot path to a map lookup
// and an increment. Counters are per process: horizontally scaled
// deployments should use the Redis limiter instead.
type MemoryLimiter struct {
	shards [shardCount]shard
	now    func() time.Time
}

const shardCount = 32

func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{now: time.Now}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}
	return l
}

func (l *MemoryLimiter) shardFor(keyID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(keyID))
	return &l.shards[h.Sum32()%shardCount]
}

// Allow counts one request against the key's current window. A limit
// <= 0 means unlimited.
func (l *MemoryLimiter) Allow(_ context.Context, keyID string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	s := l.shardFor(keyID)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[keyID]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(Window)}
		s.windows[keyID] = w
	} else {
		w.count++
	}

	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.count <= limit,
		Remaining: remaining,
		ResetInMs: w.resetAt.Sub(now).Milliseconds(),
	}, nil
}
