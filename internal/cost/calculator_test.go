package cost

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
)

const pricedCatalog = `
providers:
  - name: p1
    defaults:
      max_context_tokens: 1000
      pricing: {input_per_1k: 0.001, output_per_1k: 0.002}
    models:
      - id: m1
        max_context_tokens: 8000
        pricing: {input_per_1k: 0.03, output_per_1k: 0.06}
      - id: free
        max_context_tokens: 8000
`

func TestCalculator_Calculate(t *testing.T) {
	cat, err := capability.Parse([]byte(pricedCatalog))
	if err != nil {
		t.Fatal(err)
	}
	calc := NewCalculator(cat)

	tests := []struct {
		name     string
		provider string
		model    string
		usage    domain.Usage
		expected float64
	}{
		{"priced model", "p1", "m1", domain.Usage{PromptTokens: 1000, CompletionTokens: 500}, 0.03 + 0.03},
		{"provider defaults", "p1", "other", domain.Usage{PromptTokens: 2000, CompletionTokens: 1000}, 0.002 + 0.002},
		{"unpriced model", "p1", "free", domain.Usage{PromptTokens: 1000, CompletionTokens: 1000}, 0},
		{"unknown provider", "nope", "m1", domain.Usage{PromptTokens: 1000}, 0},
		{"zero usage", "p1", "m1", domain.Usage{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.Calculate(tt.provider, tt.model, tt.usage)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("Calculate() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestInMemoryTracker_Summary(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewInMemoryTracker(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	records := []UsageRecord{
		{TenantID: "acme", Provider: "p1", InputTokens: 100, OutputTokens: 50, CostUSD: 0.01, Timestamp: now.Add(-time.Hour)},
		{TenantID: "acme", Provider: "p2", InputTokens: 200, OutputTokens: 100, CostUSD: 0.02, Timestamp: now.Add(-30 * time.Minute)},
		{TenantID: "acme", Provider: "p1", InputTokens: 100, OutputTokens: 50, CostUSD: 0.01, Cached: true, Timestamp: now.Add(-10 * time.Minute)},
		{TenantID: "beta", Provider: "p1", InputTokens: 999, CostUSD: 9, Timestamp: now.Add(-10 * time.Minute)},
		{TenantID: "acme", Provider: "p1", InputTokens: 1, CostUSD: 1, Timestamp: now.Add(-3 * time.Hour)},
	}
	for _, r := range records {
		if err := tracker.Record(ctx, r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	s, err := tracker.Summary(ctx, "acme", now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Requests != 3 || s.CachedHits != 1 {
		t.Errorf("requests=%d cached=%d, want 3 and 1", s.Requests, s.CachedHits)
	}
	if s.InputTokens != 400 || s.OutputTokens != 200 {
		t.Errorf("tokens in=%d out=%d", s.InputTokens, s.OutputTokens)
	}
	if math.Abs(s.CostUSD-0.04) > 1e-9 {
		t.Errorf("cost = %v, want 0.04", s.CostUSD)
	}
	if math.Abs(s.ByProvider["p1"]-0.01) > 1e-9 || math.Abs(s.ByProvider["p2"]-0.02) > 1e-9 {
		t.Errorf("unexpected per-provider cost %v", s.ByProvider)
	}
}

func TestInMemoryTracker_Retention(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewInMemoryTracker(
		WithRetention(time.Hour),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	tracker.Record(ctx, UsageRecord{TenantID: "acme", Timestamp: now.Add(-2 * time.Hour)})
	tracker.Record(ctx, UsageRecord{TenantID: "acme", Timestamp: now.Add(-time.Minute)})
	tracker.Record(ctx, UsageRecord{TenantID: "acme"})

	if n := tracker.Len(); n != 2 {
		t.Errorf("expected 2 records inside retention, got %d", n)
	}
}
