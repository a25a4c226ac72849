package processor

import (
	"context"
	"fmt"

	"github.com/habitusnet/llmgateway/internal/domain"
)

const (
	minTemperature = 0.0
	maxTemperature = 2.0
)

// Validate checks the shape of a request without any I/O.
func Validate(req *domain.Request) error {
	if req == nil {
		return domain.InvalidRequest("", "request body is required")
	}
	if req.TenantID == "" {
		return domain.InvalidRequest("tenant_id", "tenant id is required")
	}
	if len(req.Messages) == 0 {
		return domain.InvalidRequest("messages", "messages must not be empty")
	}
	for i, m := range req.Messages {
		param := fmt.Sprintf("messages[%d]", i)
		if !m.Role.Valid() {
			return domain.InvalidRequest(param+".role", "unknown role %q", m.Role)
		}
		// Every adapter needs the call id to pair a result with its call.
		if m.Role == domain.RoleTool && m.ToolCallID == "" {
			return domain.InvalidRequest(param+".tool_call_id", "tool messages must reference a tool call")
		}
		if m.Role != domain.RoleAssistant && m.Content == "" && len(m.Images) == 0 {
			return domain.InvalidRequest(param+".content", "message content must not be empty")
		}
	}
	if t := req.Temperature; t != nil && (*t < minTemperature || *t > maxTemperature) {
		return domain.InvalidRequest("temperature", "temperature must be between %g and %g", minTemperature, maxTemperature)
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return domain.InvalidRequest("max_tokens", "max_tokens must be positive")
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case domain.ResponseFormatText, domain.ResponseFormatJSON:
		default:
			return domain.InvalidRequest("response_format.type", "unknown response format %q", rf.Type)
		}
	}
	return nil
}

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
