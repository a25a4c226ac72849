// Package provider defines the adapter contract every upstream integration
// satisfies, plus the validation, error normalization and token estimation
// shared by all of them.
package provider

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/stream"
)

// Describer is the static, I/O-free part of an adapter.
type Describer interface {
	Name() string
	Models() []string
	DefaultModel() string
	Capabilities(model string) capability.Capabilities
}

// Adapter translates the neutral request shape to one provider's API.
// Generate and StreamGenerate return *domain.Error values only.
type Adapter interface {
	Describer
	ValidateRequest(req *domain.Request) Validation
	Generate(ctx context.Context, req *domain.Request) (*domain.Response, error)
	StreamGenerate(ctx context.Context, req *domain.Request) (stream.Stream, error)
	CheckHealth(ctx context.Context) error
}

// Emulating is implemented by adapters that approximate some features.
type Emulating interface {
	Emulated() capability.Features
}

func EmulatedFeatures(a Adapter) capability.Features {
	if e, ok := a.(Emulating); ok {
		return e.Emulated()
	}
	return nil
}

// Aliaser is implemented by adapters that accept short names for models.
type Aliaser interface {
	Canonical(model string) string
}

// ResolveModel returns the model a request runs on for adapter d.
func ResolveModel(d Describer, req *domain.Request) string {
	if req.Model == "" {
		return d.DefaultModel()
	}
	if a, ok := d.(Aliaser); ok {
		return a.Canonical(req.Model)
	}
	return req.Model
}

func HasModel(d Describer, model string) bool {
	for _, m := range d.Models() {
		if m == model {
			return true
		}
	}
	return false
}

func NewResponseID() string {
	return "resp-" + uuid.NewString()
}

func NewStreamID() string {
	return "stream-" + uuid.NewString()
}

// NewResponse builds a single-choice response.
func NewResponse(provider, model string, msg domain.Message, finish string, usage domain.Usage) *domain.Response {
	if msg.Role == "" {
		msg.Role = domain.RoleAssistant
	}
	if finish == "" {
		finish = domain.FinishReasonStop
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return &domain.Response{
		ID:       NewResponseID(),
		Model:    model,
		Provider: provider,
		Choices:  []domain.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:    usage,
		Metadata: domain.Metadata{ProviderSpecific: map[string]any{}},
	}
}

// SplitSystem separates system messages, joined by blank lines, from the
// conversation for APIs that take the system prompt as a separate field.
func SplitSystem(messages []domain.Message) (string, []domain.Message) {
	var system []string
	rest := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
