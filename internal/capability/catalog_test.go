package capability

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/habitusnet/llmgateway/internal/domain"
)

const testCatalog = `
providers:
  - name: p1
    default_model: m1
    emulate: [json_mode]
    models:
      - id: m1
        streaming: true
        tool_calls: true
        max_context_tokens: 1000
        pricing: {input_per_1k: 1, output_per_1k: 2}
  - name: p2
    defaults:
      max_context_tokens: 500
    models:
      - id: m2
        max_context_tokens: 2000
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := c.Providers(); len(got) != 2 || got[0] != "p1" || got[1] != "p2" {
		t.Errorf("expected [p1 p2], got %v", got)
	}
	if got := c.DefaultModel("p2"); got != "m2" {
		t.Errorf("expected first model as default, got %q", got)
	}
	if !c.Emulations("p1").Has(FeatureJSONMode) {
		t.Error("expected json_mode emulation for p1")
	}
}

func TestLookup(t *testing.T) {
	c, _ := Parse([]byte(testCatalog))

	e, ok := c.Lookup("p1", "m1")
	if !ok || e.Defaulted {
		t.Fatalf("expected explicit entry, got ok=%v defaulted=%v", ok, e.Defaulted)
	}
	if !e.SupportsStreaming || e.MaxContextTokens != 1000 {
		t.Errorf("unexpected capabilities: %+v", e.Capabilities)
	}

	if _, ok := c.Lookup("p1", "unknown"); ok {
		t.Error("expected no entry for unknown model without defaults")
	}

	e, ok = c.Lookup("p2", "unknown")
	if !ok || !e.Defaulted {
		t.Fatalf("expected defaulted entry, got ok=%v defaulted=%v", ok, e.Defaulted)
	}
	if e.MaxContextTokens != 500 {
		t.Errorf("expected defaults context 500, got %d", e.MaxContextTokens)
	}
}

func TestVerify(t *testing.T) {
	c, _ := Parse([]byte(testCatalog))

	if err := c.Verify("p1", []string{"m1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := c.Verify("p2", []string{"anything"}); err != nil {
		t.Errorf("defaults should cover unknown models: %v", err)
	}
	err := c.Verify("p1", []string{"m1", "ghost"})
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"vision emulation", "providers:\n  - name: p\n    emulate: [vision]\n"},
		{"missing context", "providers:\n  - name: p\n    models:\n      - id: m\n"},
		{"duplicate provider", "providers:\n  - name: p\n  - name: p\n"},
		{"unnamed provider", "providers:\n  - default_model: m\n"},
		{"bad yaml", "providers: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps.yaml")
	if err := os.WriteFile(path, []byte(testCatalog), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.Provider("p1"); !ok {
		t.Error("expected p1 in loaded catalog")
	}
}

func TestDefault_EveryModelResolves(t *testing.T) {
	c := Default()
	for _, p := range c.Providers() {
		if err := c.Verify(p, c.Models(p)); err != nil {
			t.Errorf("provider %s: %v", p, err)
		}
		if c.DefaultModel(p) == "" {
			t.Errorf("provider %s has no default model", p)
		}
	}
}

func TestRequired(t *testing.T) {
	req := &domain.Request{
		Stream:         true,
		Tools:          []domain.Tool{{Name: "t"}},
		ResponseFormat: &domain.ResponseFormat{Type: domain.ResponseFormatJSON},
		Messages:       []domain.Message{{Role: domain.RoleUser, Images: []string{"x"}}},
	}

	fs := Required(req)
	for _, f := range []Feature{FeatureStreaming, FeatureTools, FeatureJSONMode, FeatureVision} {
		if !fs.Has(f) {
			t.Errorf("expected %s to be required", f)
		}
	}

	if len(Required(&domain.Request{Messages: []domain.Message{{Role: domain.RoleUser}}})) != 0 {
		t.Error("plain request should require nothing")
	}
}

func TestCapabilities_Cost(t *testing.T) {
	c := Capabilities{Pricing: Pricing{InputPer1K: 1, OutputPer1K: 2}}
	got := c.Cost(domain.Usage{PromptTokens: 1000, CompletionTokens: 500})
	if got != 2 {
		t.Errorf("expected 2, got %f", got)
	}
}
