package ratelimit

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"marketguard/internal/model"
)

// anonymousKey is the shared bucket for callers that supply no key. Keeping
// them in one conservative bucket means an unidentified caller can never
// bypass the limit.
const anonymousKey = "anonymous"

// Limiter is a sliding-window rate limiter. Keys are sharded to keep lock
// contention low; each key holds an ordered list of hit timestamps pruned
// on every check.
type Limiter struct {
	window     time.Duration
	max        int
	shards     []*shard
	violations atomic.Int64
	now        func() time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	hits     []time.Time
	head     int
	lastSeen time.Time
}

func New(window time.Duration, maxRequests, shards int) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if maxRequests <= 0 {
		maxRequests = 120
	}
	if shards <= 0 {
		shards = 16
	}
	l := &Limiter{
		window: window,
		max:    maxRequests,
		shards: make([]*shard, shards),
		now:    time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// Allow checks the key against the configured window and limit.
func (l *Limiter) Allow(key string) model.RateDecision {
	return l.AllowWithin(key, l.window, l.max)
}

// AllowWithin checks the key against an explicit window and limit. A record
// of the hit is kept only when the request is allowed; denied requests
// increment the violation counter.
func (l *Limiter) AllowWithin(key string, window time.Duration, maxRequests int) model.RateDecision {
	if key == "" {
		key = anonymousKey
	}
	if window <= 0 {
		window = l.window
	}
	if maxRequests <= 0 {
		maxRequests = l.max
	}
	now := l.now().UTC()
	sh := l.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok {
		b = &bucket{hits: make([]time.Time, 0, 16)}
		sh.buckets[key] = b
	}
	b.lastSeen = now
	b.prune(now.Add(-window))

	count := len(b.hits) - b.head
	if count >= maxRequests {
		l.violations.Add(1)
		return model.RateDecision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   b.hits[b.head].Add(window),
		}
	}
	b.hits = append(b.hits, now)
	remaining := maxRequests - count - 1
	if remaining < 0 {
		remaining = 0
	}
	return model.RateDecision{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   b.hits[b.head].Add(window),
	}
}

// Violations returns the total number of denied requests.
func (l *Limiter) Violations() int64 {
	return l.violations.Load()
}

// Sweep evicts keys idle for twice the window and returns the eviction
// count. Safe to call concurrently with Allow.
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.UTC().Add(-2 * l.window)
	evicted := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, b := range sh.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(sh.buckets, key)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

func (l *Limiter) shard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[int(h.Sum32())%len(l.shards)]
}

func (b *bucket) prune(cutoff time.Time) {
	for b.head < len(b.hits) && b.hits[b.head].Before(cutoff) {
		b.head++
	}
	if b.head > 0 && b.head*2 >= len(b.hits) {
		b.hits = append([]time.Time{}, b.hits[b.head:]...)
		b.head = 0
	}
}
