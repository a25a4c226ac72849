package repository

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/habitusnet/llmgateway/internal/domain"
)

func TestHTTPPolicySource_Get(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")

		switch r.URL.Path {
		case "/tenants/acme":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"tenant_id":"acme","tier":"premium","allowed_models":["gpt-4o"],
				"rate_limit":{"requests_per_window":10,"window_seconds":60,"burst":15}}`))
		case "/tenants/team a":
			w.Write([]byte(`{"tier":"standard"}`))
		case "/tenants/other":
			w.Write([]byte(`{"tenant_id":"acme"}`))
		case "/tenants/broken":
			w.Write([]byte(`{not json`))
		case "/tenants/down":
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewHTTPPolicySource(srv.URL+"/", WithBearerToken("s3cret"))
	ctx := context.Background()

	p, err := src.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/tenants/acme" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("authorization = %q", gotAuth)
	}
	want := domain.RateLimit{RequestsPerWindow: 10, WindowSeconds: 60, Burst: 15}
	if p.Tier != domain.TierPremium || p.RateLimit != want || len(p.AllowedModels) != 1 {
		t.Errorf("unexpected policy %+v", p)
	}

	p, err = src.Get(ctx, "team a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/tenants/team%20a" || p.TenantID != "team a" {
		t.Errorf("escaped path %s, tenant %q", gotPath, p.TenantID)
	}

	tests := []struct {
		tenant       string
		wantNotFound bool
	}{
		{"missing", true},
		{"other", false},
		{"broken", false},
		{"down", false},
	}
	for _, tt := range tests {
		t.Run(tt.tenant, func(t *testing.T) {
			_, err := src.Get(ctx, tt.tenant)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, domain.ErrTenantNotFound) != tt.wantNotFound {
				t.Errorf("ErrTenantNotFound = %v, want %v (%v)", !tt.wantNotFound, tt.wantNotFound, err)
			}
		})
	}
}

func TestHTTPPolicySource_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPPolicySource(url).Get(context.Background(), "acme")
	if err == nil || errors.Is(err, domain.ErrTenantNotFound) {
		t.Errorf("expected an availability error, got %v", err)
	}
}
