// Package tenant resolves tenant policies through a bounded-staleness cache
// in front of a policy source, and checks requests against them.
package tenant

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/repository"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultMaxStale = time.Hour
)

type cached struct {
	policy    *domain.TenantPolicy
	fetchedAt time.Time
}

type Option func(*Resolver)

// WithTTL sets how long a fetched policy is served without asking the source.
func WithTTL(d time.Duration) Option {
	return func(r *Resolver) { r.ttl = d }
}

// WithMaxStale sets how old a policy may get while the source is failing
// before requests are rejected.
func WithMaxStale(d time.Duration) Option {
	return func(r *Resolver) { r.maxStale = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

type Resolver struct {
	source   repository.PolicySource
	ttl      time.Duration
	maxStale time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]cached
}

func NewResolver(source repository.PolicySource, opts ...Option) *Resolver {
	r := &Resolver{
		source:   source,
		ttl:      DefaultTTL,
		maxStale: DefaultMaxStale,
		now:      time.Now,
		cache:    make(map[string]cached),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxStale < r.ttl {
		r.maxStale = r.ttl
	}
	return r
}

// Resolve returns the tenant's policy. Policies younger than the TTL come
// from memory. When the source fails, a cached policy younger than the hard
// ceiling is served; past it the resolver fails closed with
// PolicyUnavailableError. Unknown tenants get PolicyViolationError.
//
// The returned policy is shared and must not be modified.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*domain.TenantPolicy, error) {
	if tenantID == "" {
		return nil, domain.InvalidRequest("tenant_id", "tenant id is required")
	}

	now := r.now()
	r.mu.RLock()
	c, ok := r.cache[tenantID]
	r.mu.RUnlock()

	if ok && now.Sub(c.fetchedAt) < r.ttl {
		return c.policy, nil
	}

	policy, err := r.source.Get(ctx, tenantID)
	if err == nil {
		r.mu.Lock()
		r.cache[tenantID] = cached{policy: policy, fetchedAt: now}
		r.mu.Unlock()
		return policy, nil
	}

	if errors.Is(err, domain.ErrTenantNotFound) {
		r.Invalidate(tenantID)
		return nil, domain.NewError(domain.KindPolicyViolation, "unknown tenant %s", tenantID).WithCause(err)
	}

	age := now.Sub(c.fetchedAt)
	if ok && age < r.maxStale {
		slog.Warn("tenant registry unavailable, serving cached policy",
			"tenant_id", tenantID,
			"age", age.Round(time.Second),
			"error", err,
		)
		return c.policy, nil
	}

	slog.Error("tenant registry unavailable and no usable policy cached",
		"tenant_id", tenantID,
		"error", err,
	)
	return nil, domain.NewError(domain.KindPolicyUnavailable, "policy for tenant %s is unavailable", tenantID).WithCause(err)
}

// Invalidate drops the cached policy so the next Resolve asks the source.
func (r *Resolver) Invalidate(tenantID string) {
	r.mu.Lock()
	delete(r.cache, tenantID)
	r.mu.Unlock()
}

// InvalidateMany is shaped to serve as a file source reload hook.
func (r *Resolver) InvalidateMany(tenantIDs []string) {
	r.mu.Lock()
	for _, id := range tenantIDs {
		delete(r.cache, id)
	}
	r.mu.Unlock()
}

// Authorize rejects a request naming a provider or model outside the
// policy's allowed sets.
func Authorize(policy *domain.TenantPolicy, req *domain.Request) error {
	if req.Provider != "" && !policy.AllowsProvider(req.Provider) {
		return domain.NewError(domain.KindPolicyViolation,
			"tenant %s may not use provider %s", policy.TenantID, req.Provider).WithParam("provider")
	}
	if req.Model != "" && !policy.AllowsModel(req.Model) {
		return domain.NewError(domain.KindPolicyViolation,
			"tenant %s may not use model %s", policy.TenantID, req.Model).WithParam("model")
	}
	return nil
}
