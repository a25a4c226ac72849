package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/habitusnet/llmgateway/internal/domain"
)

const policiesV1 = `
tenants:
  - tenant_id: acme
    tier: premium
    allowed_providers: [openai]
    rate_limit: {requests_per_window: 100, window_seconds: 60}
  - tenant_id: beta
    rate_limit: {requests_per_window: 10, window_seconds: 60}
`

const policiesV2 = `
tenants:
  - tenant_id: acme
    tier: enterprise
    allowed_providers: [openai]
    rate_limit: {requests_per_window: 100, window_seconds: 60}
  - tenant_id: gamma
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestFilePolicySource_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	writeFile(t, path, policiesV1)

	src, err := NewFilePolicySource(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, err := src.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Tier != domain.TierPremium || p.RateLimit.RequestsPerWindow != 100 {
		t.Errorf("unexpected policy %+v", p)
	}

	beta, _ := src.Get(context.Background(), "beta")
	if beta.Tier != domain.TierStandard {
		t.Errorf("tier = %s, want standard default", beta.Tier)
	}

	if _, err := src.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestFilePolicySource_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "tenants: [\n"},
		{"duplicate", "tenants:\n  - tenant_id: a\n  - tenant_id: a\n"},
		{"bad tier", "tenants:\n  - tenant_id: a\n    tier: gold\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			writeFile(t, path, tt.content)
			if _, err := NewFilePolicySource(path); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := NewFilePolicySource(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFilePolicySource_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	writeFile(t, path, policiesV1)

	var mu sync.Mutex
	var changed []string
	src, err := NewFilePolicySource(path, WithReloadHook(func(ids []string) {
		mu.Lock()
		changed = append(changed, ids...)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "tenants: [\n")
	if err := src.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if _, err := src.Get(context.Background(), "acme"); err != nil {
		t.Errorf("previous policies should survive a failed reload: %v", err)
	}

	writeFile(t, path, policiesV2)
	if err := src.Reload(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	seen := map[string]bool{}
	for _, id := range changed {
		seen[id] = true
	}
	if len(seen) != 3 || !seen["acme"] || !seen["beta"] || !seen["gamma"] {
		t.Errorf("unexpected changed tenants %v", changed)
	}
}

func TestFilePolicySource_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	writeFile(t, path, policiesV1)

	src, err := NewFilePolicySource(path, WithDebounce(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx) }()

	// give the watcher time to register
	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, policiesV2)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if p, err := src.Get(context.Background(), "acme"); err == nil && p.Tier == domain.TierEnterprise {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("policy file change was not picked up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Watch did not return after cancel")
	}
}
