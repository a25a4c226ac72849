// Package repository holds the tenant policy sources the resolver reads from:
// the external tenant registry over HTTP, Postgres, a watched YAML file and an
// in-memory map.
package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/habitusnet/llmgateway/internal/domain"
)

// PolicySource looks up the current policy of one tenant. Implementations
// return domain.ErrTenantNotFound for unknown tenants and any other error
// when the source itself is unavailable.
type PolicySource interface {
	Get(ctx context.Context, tenantID string) (*domain.TenantPolicy, error)
}

// validatePolicy rejects policies a source cannot be trusted to have meant.
func validatePolicy(p *domain.TenantPolicy) error {
	if p.TenantID == "" {
		return fmt.Errorf("policy without tenant id")
	}
	switch p.Tier {
	case "":
		p.Tier = domain.TierStandard
	case domain.TierStandard, domain.TierPremium, domain.TierEnterprise:
	default:
		return fmt.Errorf("tenant %s: unknown tier %q", p.TenantID, p.Tier)
	}
	rl := p.RateLimit
	if rl.RequestsPerWindow < 0 || rl.WindowSeconds < 0 || rl.Burst < 0 {
		return fmt.Errorf("tenant %s: negative rate limit parameters", p.TenantID)
	}
	return nil
}

func clonePolicy(p *domain.TenantPolicy) *domain.TenantPolicy {
	c := *p
	c.AllowedProviders = append([]string(nil), p.AllowedProviders...)
	c.AllowedModels = append([]string(nil), p.AllowedModels...)
	return &c
}

type InMemoryPolicySource struct {
	mu       sync.RWMutex
	policies map[string]*domain.TenantPolicy
}

func NewInMemoryPolicySource(policies ...*domain.TenantPolicy) *InMemoryPolicySource {
	s := &InMemoryPolicySource{policies: make(map[string]*domain.TenantPolicy)}
	for _, p := range policies {
		s.policies[p.TenantID] = clonePolicy(p)
	}
	return s
}

func (s *InMemoryPolicySource) Get(ctx context.Context, tenantID string) (*domain.TenantPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[tenantID]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	return clonePolicy(p), nil
}

// Put replaces a tenant's policy.
func (s *InMemoryPolicySource) Put(p *domain.TenantPolicy) error {
	c := clonePolicy(p)
	if err := validatePolicy(c); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[c.TenantID] = c
	return nil
}

func (s *InMemoryPolicySource) Delete(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, tenantID)
}

// TenantIDs lists known tenants in sorted order.
func (s *InMemoryPolicySource) TenantIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.policies))
	for id := range s.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
