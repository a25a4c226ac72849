package processor

import (
	"errors"
	"testing"

	"github.com/habitusnet/llmgateway/internal/domain"
)

func TestValidate(t *testing.T) {
	ptrF := func(v float64) *float64 { return &v }
	ptrI := func(v int) *int { return &v }

	tests := []struct {
		name      string
		mutate    func(r *domain.Request)
		wantParam string
	}{
		{"valid", func(r *domain.Request) {}, ""},
		{"missing tenant", func(r *domain.Request) { r.TenantID = "" }, "tenant_id"},
		{"no messages", func(r *domain.Request) { r.Messages = nil }, "messages"},
		{"bad role", func(r *domain.Request) { r.Messages[0].Role = "robot" }, "messages[0].role"},
		{"empty content", func(r *domain.Request) { r.Messages[0].Content = "" }, "messages[0].content"},
		{"image only", func(r *domain.Request) {
			r.Messages[0].Content = ""
			r.Messages[0].Images = []string{"https://example.com/cat.png"}
		}, ""},
		{"empty assistant turn", func(r *domain.Request) {
			r.Messages = append(r.Messages, domain.Message{Role: domain.RoleAssistant})
		}, ""},
		{"tool without call id", func(r *domain.Request) {
			r.Messages = append(r.Messages, domain.Message{Role: domain.RoleTool, Content: "42"})
		}, "messages[1].tool_call_id"},
		{"temperature low", func(r *domain.Request) { r.Temperature = ptrF(-0.1) }, "temperature"},
		{"temperature high", func(r *domain.Request) { r.Temperature = ptrF(2.1) }, "temperature"},
		{"temperature edge", func(r *domain.Request) { r.Temperature = ptrF(2) }, ""},
		{"zero max tokens", func(r *domain.Request) { r.MaxTokens = ptrI(0) }, "max_tokens"},
		{"json format", func(r *domain.Request) { r.ResponseFormat = &domain.ResponseFormat{Type: "json"} }, ""},
		{"unknown format", func(r *domain.Request) { r.ResponseFormat = &domain.ResponseFormat{Type: "xml"} }, "response_format.type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := userRequest("hello")
			tt.mutate(req)

			err := Validate(req)
			if tt.wantParam == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("Validate() error = %v, want InvalidRequestError", err)
			}
			if got := domain.AsError(err).Param; got != tt.wantParam {
				t.Errorf("param = %q, want %q", got, tt.wantParam)
			}
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	if err := Validate(nil); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("Validate(nil) error = %v", err)
	}
}
