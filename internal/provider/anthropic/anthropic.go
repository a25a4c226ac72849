// Package anthropic adapts the Anthropic Messages API through the official SDK.
// JSON mode is emulated; tools and streaming are native.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/provider"
	"github.com/habitusnet/llmgateway/internal/stream"
)

// defaultMaxTokens is sent when the request leaves max_tokens unset, since the
// Messages API requires it.
const defaultMaxTokens = 1024

type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

type Provider struct {
	capability.ProviderCatalog
	client anthropic.Client
}

func New(cat capability.ProviderCatalog, cfg Config) *Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Provider{
		ProviderCatalog: cat,
		client:          anthropic.NewClient(opts...),
	}
}

func (p *Provider) ValidateRequest(req *domain.Request) provider.Validation {
	return provider.Validate(p, req, nil)
}

func (p *Provider) Generate(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	model := provider.ResolveModel(p, req)

	params, err := buildParams(req, model)
	if err != nil {
		return nil, err
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.normalize(err)
	}

	msg := domain.Message{Role: domain.RoleAssistant}
	var text strings.Builder
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(variant.Input)
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				Index:     len(msg.ToolCalls),
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: string(args),
			})
		}
	}
	msg.Content = text.String()

	resp := provider.NewResponse(p.Name(), model, msg, mapStopReason(string(message.StopReason)), domain.Usage{
		PromptTokens:     int(message.Usage.InputTokens),
		CompletionTokens: int(message.Usage.OutputTokens),
	})
	resp.Metadata.ProviderSpecific["upstream_id"] = message.ID
	resp.Metadata.ProviderSpecific["stop_reason"] = string(message.StopReason)
	return resp, nil
}

// StreamGenerate reads the first event before returning so that a request
// rejected upstream surfaces as an error rather than as a terminal chunk.
func (p *Provider) StreamGenerate(ctx context.Context, req *domain.Request) (stream.Stream, error) {
	model := provider.ResolveModel(p, req)

	params, err := buildParams(req, model)
	if err != nil {
		return nil, err
	}

	upstreamCtx, cancel := context.WithCancel(ctx)
	upstream := p.client.Messages.NewStreaming(upstreamCtx, params)

	if !upstream.Next() {
		defer cancel()
		defer upstream.Close()
		if err := upstream.Err(); err != nil {
			return nil, p.normalize(err)
		}
		return stream.FromChunks(provider.NewStreamID(), nil), nil
	}

	return stream.New(ctx, provider.NewStreamID(), func(ctx context.Context, emit func(domain.StreamChunk) bool) error {
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		defer cancel()
		defer upstream.Close()

		finish := ""
		toolIndex := map[int64]int{}
		for {
			event := upstream.Current()

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if ev.ContentBlock.Type == "tool_use" {
					idx := len(toolIndex)
					toolIndex[ev.Index] = idx
					out := domain.StreamChunk{DeltaToolCalls: []domain.ToolCall{{
						Index: idx,
						ID:    ev.ContentBlock.ID,
						Name:  ev.ContentBlock.Name,
					}}}
					if !emit(out) {
						return nil
					}
				}

			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" && !emit(domain.ContentChunk(delta.Text)) {
						return nil
					}
				case anthropic.InputJSONDelta:
					if delta.PartialJSON == "" {
						break
					}
					out := domain.StreamChunk{DeltaToolCalls: []domain.ToolCall{{
						Index:     toolIndex[ev.Index],
						Arguments: delta.PartialJSON,
					}}}
					if !emit(out) {
						return nil
					}
				}

			case anthropic.MessageDeltaEvent:
				if ev.Delta.StopReason != "" {
					finish = mapStopReason(string(ev.Delta.StopReason))
				}
			}

			if !upstream.Next() {
				break
			}
		}

		if err := upstream.Err(); err != nil {
			return p.normalize(err)
		}
		if finish == "" {
			finish = domain.FinishReasonStop
		}
		emit(domain.FinishChunk(finish))
		return nil
	}), nil
}

func (p *Provider) CheckHealth(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		return p.normalize(err)
	}
	return nil
}

func buildParams(req *domain.Request, model string) (anthropic.MessageNewParams, error) {
	system, _ := provider.SplitSystem(req.Messages)
	messages, err := toMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages:  messages,
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if req.ToolChoice == nil || req.ToolChoice.Mode != domain.ToolChoiceNone {
		tools, err := toTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
		if len(tools) > 0 && req.ToolChoice != nil {
			params.ToolChoice = toToolChoice(req.ToolChoice)
		}
	}

	for k, v := range req.AdditionalParams {
		switch k {
		case "top_p":
			if f, ok := v.(float64); ok {
				params.TopP = anthropic.Float(f)
			}
		case "top_k":
			if f, ok := v.(float64); ok {
				params.TopK = anthropic.Int(int64(f))
			}
		case "stop":
			switch s := v.(type) {
			case string:
				params.StopSequences = []string{s}
			case []any:
				for _, x := range s {
					if str, ok := x.(string); ok {
						params.StopSequences = append(params.StopSequences, str)
					}
				}
			}
		}
	}

	return params, nil
}

// toMessages converts the conversation, skipping system turns which travel
// separately. Tool call arguments must be a JSON object.
func toMessages(messages []domain.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for i, m := range messages {
		switch m.Role {
		case domain.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case domain.RoleAssistant:
			msg := anthropic.MessageParam{Role: anthropic.MessageParamRoleAssistant}
			if m.Content != "" {
				msg.Content = append(msg.Content, anthropic.NewTextBlock(m.Content))
			}
			for j, tc := range m.ToolCalls {
				input := map[string]any{}
				if strings.TrimSpace(tc.Arguments) != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						return nil, domain.InvalidRequest(fmt.Sprintf("messages[%d].tool_calls[%d].arguments", i, j),
							"tool call %s arguments are not a JSON object: %v", tc.ID, err)
					}
					if input == nil {
						input = map[string]any{}
					}
				}
				msg.Content = append(msg.Content, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{ID: tc.ID, Name: tc.Name, Input: input},
				})
			}
			out = append(out, msg)

		case domain.RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	return out, nil
}

func toTools(tools []domain.Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, domain.InvalidRequest("tools", "tool %s has an invalid parameter schema: %v", t.Name, err)
			}
		}

		tool := anthropic.ToolParam{
			Name: t.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}

func toToolChoice(c *domain.ToolChoice) anthropic.ToolChoiceUnionParam {
	switch c.Mode {
	case domain.ToolChoiceRequired:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case domain.ToolChoiceTool:
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: c.Name}}
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
}

func mapStopReason(r string) string {
	switch r {
	case "max_tokens":
		return domain.FinishReasonLength
	case "tool_use":
		return domain.FinishReasonToolCalls
	case "refusal":
		return domain.FinishReasonContentFilter
	default:
		return domain.FinishReasonStop
	}
}

func (p *Provider) normalize(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		e := provider.FromStatus(p.Name(), apiErr.StatusCode, apiErr.Error(), err)
		if apiErr.Response != nil {
			provider.WithRetryAfter(e, apiErr.Response.Header)
		}
		return e
	}
	return provider.Normalize(p.Name(), err)
}
