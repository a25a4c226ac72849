package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/httputil"
)

// HTTPPolicySource reads policies from the tenant registry service with
// GET {base}/tenants/{id}.
type HTTPPolicySource struct {
	baseURL string
	token   string
	client  *http.Client
}

type HTTPOption func(*HTTPPolicySource)

// WithBearerToken sends an Authorization header on every lookup.
func WithBearerToken(token string) HTTPOption {
	return func(s *HTTPPolicySource) { s.token = token }
}

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPPolicySource) { s.client = c }
}

func NewHTTPPolicySource(baseURL string, opts ...HTTPOption) *HTTPPolicySource {
	s := &HTTPPolicySource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httputil.NewClient(httputil.ControlPlaneConfig()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPPolicySource) Get(ctx context.Context, tenantID string) (*domain.TenantPolicy, error) {
	endpoint := s.baseURL + "/tenants/" + url.PathEscape(tenantID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tenant registry: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrTenantNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tenant registry: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p domain.TenantPolicy
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode tenant policy: %w", err)
	}
	if p.TenantID == "" {
		p.TenantID = tenantID
	}
	if p.TenantID != tenantID {
		return nil, fmt.Errorf("tenant registry returned policy for %q, asked for %q", p.TenantID, tenantID)
	}
	if err := validatePolicy(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
