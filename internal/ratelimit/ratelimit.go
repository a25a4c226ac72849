// Package ratelimit provides per-tenant request rate limiting.
// It implements a token bucket whose parameters come from the tenant policy.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/habitusnet/llmgateway/internal/domain"
)

const defaultWindowSeconds = 60

// Decision is the outcome of one Allow call. Remaining is -1 when the tenant
// has no limit configured.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// RateLimiter defines the interface for rate limiting backends.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string, limit domain.RateLimit) (Decision, error)
}

// params is a RateLimit reduced to bucket terms: capacity in tokens, refilled
// at perWindow tokens every window seconds.
type params struct {
	capacity  float64
	perWindow int
	window    int
}

// epsilon absorbs float error accumulated over many small refills.
const epsilon = 1e-9

func bucketParams(limit domain.RateLimit) (params, bool) {
	if limit.RequestsPerWindow <= 0 {
		return params{}, false
	}
	window := limit.WindowSeconds
	if window <= 0 {
		window = defaultWindowSeconds
	}
	capacity := limit.RequestsPerWindow
	if limit.Burst > 0 {
		capacity = limit.Burst
	}
	return params{
		capacity:  float64(capacity),
		perWindow: limit.RequestsPerWindow,
		window:    window,
	}, true
}

func (p params) refill(elapsed time.Duration) float64 {
	return elapsed.Seconds() * float64(p.perWindow) / float64(p.window)
}

// durationFor is the time needed to refill tokens, rounded up to the
// millisecond.
func (p params) durationFor(tokens float64) time.Duration {
	if tokens <= epsilon {
		return 0
	}
	ms := tokens * float64(p.window) / float64(p.perWindow) * 1000
	return time.Duration(math.Ceil(ms-1e-6)) * time.Millisecond
}

func unlimited() Decision {
	return Decision{Allowed: true, Remaining: -1}
}

// take refills tokens for the elapsed time, clamps them to the capacity and
// spends one if available. It returns the new token count and the decision.
func take(p params, tokens float64, elapsed time.Duration, now time.Time) (float64, Decision) {
	if elapsed > 0 {
		tokens += p.refill(elapsed)
	}
	if tokens > p.capacity {
		tokens = p.capacity
	}

	d := Decision{}
	if tokens >= 1-epsilon {
		tokens = math.Max(tokens-1, 0)
		d.Allowed = true
	} else {
		d.RetryAfter = p.durationFor(1 - tokens)
	}
	d.Remaining = int(math.Floor(tokens + epsilon))
	d.ResetAt = now.Add(p.durationFor(p.capacity - tokens))
	return tokens, d
}

// InMemoryRateLimiter keeps one bucket per tenant in process memory.
// Suitable for single-instance deployments.
type InMemoryRateLimiter struct {
	now func() time.Time

	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	fresh  bool
}

type Option func(*InMemoryRateLimiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *InMemoryRateLimiter) { r.now = now }
}

func NewInMemoryRateLimiter(opts ...Option) *InMemoryRateLimiter {
	r := &InMemoryRateLimiter{
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *InMemoryRateLimiter) bucket(tenantID string) *bucket {
	r.mu.RLock()
	b, ok := r.buckets[tenantID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[tenantID]; ok {
		return b
	}
	b = &bucket{fresh: true}
	r.buckets[tenantID] = b
	return b
}

// Allow spends one token from the tenant's bucket. The bucket keeps its
// tokens when the limit changes between calls; they are only clamped to the
// new capacity.
func (r *InMemoryRateLimiter) Allow(ctx context.Context, tenantID string, limit domain.RateLimit) (Decision, error) {
	p, ok := bucketParams(limit)
	if !ok {
		return unlimited(), nil
	}

	b := r.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := r.now()
	if b.fresh {
		b.tokens = p.capacity
		b.last = now
		b.fresh = false
	}

	tokens, d := take(p, b.tokens, now.Sub(b.last), now)
	b.tokens = tokens
	b.last = now
	return d, nil
}
