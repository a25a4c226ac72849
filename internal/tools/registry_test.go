package tools

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/habitusnet/llmgateway/internal/domain"
)

const weatherSchema = `{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name    string
		schema  string
		wantErr bool
	}{
		{"valid", weatherSchema, false},
		{"no properties", `{"type":"object"}`, false},
		{"nested object", `{"type":"object","properties":{"loc":{"type":"object","properties":{"lat":{"type":"number"}},"required":["lat"]}}}`, false},
		{"array items", `{"type":"object","properties":{"tags":{"type":"array","items":{"type":"string"}}}}`, false},
		{"enum without type", `{"type":"object","properties":{"unit":{"enum":["c","f"]}}}`, false},
		{"empty", ``, true},
		{"not json", `{type: object}`, true},
		{"top level string", `{"type":"string"}`, true},
		{"properties not object", `{"type":"object","properties":[]}`, true},
		{"property not object", `{"type":"object","properties":{"city":"string"}}`, true},
		{"unknown type", `{"type":"object","properties":{"city":{"type":"text"}}}`, true},
		{"required undeclared", `{"type":"object","properties":{},"required":["city"]}`, true},
		{"required not array", `{"type":"object","required":"city"}`, true},
		{"bad nested required", `{"type":"object","properties":{"loc":{"type":"object","required":["lat"]}}}`, true},
		{"items not object", `{"type":"object","properties":{"tags":{"type":"array","items":"string"}}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchema(json.RawMessage(tt.schema))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(domain.Tool{Name: "get_weather", Parameters: json.RawMessage(weatherSchema)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(domain.Tool{Name: "get_weather", Parameters: json.RawMessage(weatherSchema)}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Register(domain.Tool{Name: "bad", Parameters: json.RawMessage(`{"type":"string"}`)}); err == nil {
		t.Error("expected invalid schema to fail")
	}
	if err := r.Register(domain.Tool{Parameters: json.RawMessage(weatherSchema)}); err == nil {
		t.Error("expected nameless tool to fail")
	}

	if got := r.Names(); len(got) != 1 || got[0] != "get_weather" {
		t.Errorf("unexpected names %v", got)
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	r.Register(domain.Tool{Name: "get_weather", Description: "weather", Parameters: json.RawMessage(weatherSchema)})

	tests := []struct {
		name      string
		tools     []domain.Tool
		wantErr   bool
		wantParam string
	}{
		{"none", nil, false, ""},
		{"reference", []domain.Tool{{Name: "get_weather"}}, false, ""},
		{"inline", []domain.Tool{{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)}}, false, ""},
		{"unknown reference", []domain.Tool{{Name: "missing"}}, true, "tools[0]"},
		{"malformed inline", []domain.Tool{{Name: "x"}, {Name: "lookup", Parameters: json.RawMessage(`[]`)}}, true, "tools[0]"},
		{"bad schema second", []domain.Tool{{Name: "get_weather"}, {Name: "lookup", Parameters: json.RawMessage(`{"type":"array"}`)}}, true, "tools[1].parameters"},
		{"nameless", []domain.Tool{{Parameters: json.RawMessage(`{"type":"object"}`)}}, true, "tools[0]"},
		{"duplicate", []domain.Tool{{Name: "get_weather"}, {Name: "get_weather"}}, true, "tools[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.tools)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidRequest) {
					t.Fatalf("expected InvalidRequest, got %v", err)
				}
				if p := domain.AsError(err).Param; p != tt.wantParam {
					t.Errorf("param = %q, want %q", p, tt.wantParam)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.tools) {
				t.Fatalf("expected %d tools, got %d", len(tt.tools), len(got))
			}
			for _, tool := range got {
				if len(tool.Parameters) == 0 {
					t.Errorf("tool %s left unresolved", tool.Name)
				}
			}
		})
	}
}

func TestRegistry_ResolveDoesNotMutateInput(t *testing.T) {
	r := NewRegistry()
	r.Register(domain.Tool{Name: "get_weather", Parameters: json.RawMessage(weatherSchema)})

	in := []domain.Tool{{Name: "get_weather"}}
	if _, err := r.Resolve(in); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in[0].Parameters != nil {
		t.Error("input tools were modified")
	}
}

func TestRegistry_ResolveUnknownWrapsNotFound(t *testing.T) {
	_, err := NewRegistry().Resolve([]domain.Tool{{Name: "missing"}})
	if !errors.Is(err, domain.ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound in chain, got %v", err)
	}
}

func TestValidateChoice(t *testing.T) {
	tools := []domain.Tool{{Name: "get_weather"}}

	tests := []struct {
		name    string
		choice  *domain.ToolChoice
		tools   []domain.Tool
		wantErr bool
	}{
		{"nil", nil, nil, false},
		{"auto", &domain.ToolChoice{Mode: domain.ToolChoiceAuto}, nil, false},
		{"none", &domain.ToolChoice{Mode: domain.ToolChoiceNone}, tools, false},
		{"required with tools", &domain.ToolChoice{Mode: domain.ToolChoiceRequired}, tools, false},
		{"required without tools", &domain.ToolChoice{Mode: domain.ToolChoiceRequired}, nil, true},
		{"named known", &domain.ToolChoice{Mode: domain.ToolChoiceTool, Name: "get_weather"}, tools, false},
		{"named unknown", &domain.ToolChoice{Mode: domain.ToolChoiceTool, Name: "other"}, tools, true},
		{"bad mode", &domain.ToolChoice{Mode: "sometimes"}, tools, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChoice(tt.choice, tt.tools)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChoice() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	content := `
tools:
  - name: get_weather
    description: Current weather for a city
    parameters:
      type: object
      properties:
        city: {type: string}
      required: [city]
  - name: get_time
    parameters:
      type: object
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tool, ok := r.Get("get_weather")
	if !ok {
		t.Fatal("get_weather not registered")
	}
	if err := ValidateSchema(tool.Parameters); err != nil {
		t.Errorf("loaded schema invalid: %v", err)
	}
	if len(r.Names()) != 2 {
		t.Errorf("expected 2 tools, got %v", r.Names())
	}

	if err := r.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
