// Package openai adapts the OpenAI Chat Completions API, and any endpoint
// compatible with it, through the go-openai client.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/provider"
	"github.com/habitusnet/llmgateway/internal/stream"
)

type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

type Provider struct {
	capability.ProviderCatalog
	client *goopenai.Client
}

func New(cat capability.ProviderCatalog, cfg Config) *Provider {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	return &Provider{
		ProviderCatalog: cat,
		client:          goopenai.NewClientWithConfig(clientCfg),
	}
}

func (p *Provider) ValidateRequest(req *domain.Request) provider.Validation {
	return provider.Validate(p, req, nil)
}

func (p *Provider) Generate(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	model := provider.ResolveModel(p, req)

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, model))
	if err != nil {
		return nil, p.normalize(err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.Transient(p.Name(), domain.ReasonServerError, errors.New("response has no choices"))
	}

	out := &domain.Response{
		ID:       provider.NewResponseID(),
		Model:    model,
		Provider: p.Name(),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Metadata: domain.Metadata{ProviderSpecific: map[string]any{
			"upstream_id":    resp.ID,
			"upstream_model": resp.Model,
		}},
	}
	if resp.SystemFingerprint != "" {
		out.Metadata.ProviderSpecific["system_fingerprint"] = resp.SystemFingerprint
	}

	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, domain.Choice{
			Index:        c.Index,
			Message:      fromMessage(c.Message),
			FinishReason: mapFinishReason(c.FinishReason),
		})
	}

	return out, nil
}

func (p *Provider) StreamGenerate(ctx context.Context, req *domain.Request) (stream.Stream, error) {
	model := provider.ResolveModel(p, req)

	creq := p.buildRequest(req, model)
	creq.Stream = true
	creq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	upstreamCtx, cancel := context.WithCancel(ctx)
	upstream, err := p.client.CreateChatCompletionStream(upstreamCtx, creq)
	if err != nil {
		cancel()
		return nil, p.normalize(err)
	}

	return stream.New(ctx, provider.NewStreamID(), func(ctx context.Context, emit func(domain.StreamChunk) bool) error {
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		defer cancel()
		defer upstream.Close()

		finish := ""
		for {
			chunk, err := upstream.Recv()
			if errors.Is(err, io.EOF) {
				if finish == "" {
					finish = domain.FinishReasonStop
				}
				emit(domain.FinishChunk(finish))
				return nil
			}
			if err != nil {
				return p.normalize(err)
			}

			for _, c := range chunk.Choices {
				if c.Delta.Content != "" || len(c.Delta.ToolCalls) > 0 {
					out := domain.ContentChunk(c.Delta.Content)
					for _, tc := range c.Delta.ToolCalls {
						out.DeltaToolCalls = append(out.DeltaToolCalls, fromToolCall(tc))
					}
					if !emit(out) {
						return nil
					}
				}
				if c.FinishReason != "" {
					finish = mapFinishReason(c.FinishReason)
				}
			}
		}
	}), nil
}

// CheckHealth lists models, which does not consume completion quota.
func (p *Provider) CheckHealth(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return p.normalize(err)
	}
	return nil
}

func (p *Provider) buildRequest(req *domain.Request, model string) goopenai.ChatCompletionRequest {
	creq := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: toMessages(req.Messages),
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil {
		creq.MaxTokens = *req.MaxTokens
	}

	for _, t := range req.Tools {
		def := &goopenai.FunctionDefinition{Name: t.Name, Description: t.Description}
		if len(t.Parameters) > 0 {
			def.Parameters = t.Parameters
		}
		creq.Tools = append(creq.Tools, goopenai.Tool{Type: goopenai.ToolTypeFunction, Function: def})
	}
	if req.ToolChoice != nil && len(req.Tools) > 0 {
		creq.ToolChoice = toToolChoice(req.ToolChoice)
	}

	if req.WantsJSON() {
		if len(req.ResponseFormat.Schema) > 0 {
			creq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
				Type: goopenai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &goopenai.ChatCompletionResponseFormatJSONSchema{
					Name:   "response",
					Schema: json.RawMessage(req.ResponseFormat.Schema),
				},
			}
		} else {
			creq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
				Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
			}
		}
	}

	applyParams(&creq, req.AdditionalParams)
	return creq
}

// applyParams copies the recognised escape-hatch parameters onto the request.
func applyParams(creq *goopenai.ChatCompletionRequest, params map[string]any) {
	for k, v := range params {
		switch k {
		case "top_p":
			if f, ok := toFloat(v); ok {
				creq.TopP = float32(f)
			}
		case "presence_penalty":
			if f, ok := toFloat(v); ok {
				creq.PresencePenalty = float32(f)
			}
		case "frequency_penalty":
			if f, ok := toFloat(v); ok {
				creq.FrequencyPenalty = float32(f)
			}
		case "seed":
			if f, ok := toFloat(v); ok {
				seed := int(f)
				creq.Seed = &seed
			}
		case "user":
			if s, ok := v.(string); ok {
				creq.User = s
			}
		case "stop":
			switch s := v.(type) {
			case string:
				creq.Stop = []string{s}
			case []any:
				for _, x := range s {
					if str, ok := x.(string); ok {
						creq.Stop = append(creq.Stop, str)
					}
				}
			}
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toToolChoice(c *domain.ToolChoice) any {
	if c.Mode == domain.ToolChoiceTool && c.Name != "" {
		return goopenai.ToolChoice{
			Type:     goopenai.ToolTypeFunction,
			Function: goopenai.ToolFunction{Name: c.Name},
		}
	}
	return c.Mode
}

func toMessages(messages []domain.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := goopenai.ChatCompletionMessage{
			Role:       string(m.Role),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}

		if len(m.Images) > 0 {
			if m.Content != "" {
				msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
					Type: goopenai.ChatMessagePartTypeText,
					Text: m.Content,
				})
			}
			for _, url := range m.Images {
				msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
					Type:     goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{URL: url, Detail: goopenai.ImageURLDetailAuto},
				})
			}
		} else {
			msg.Content = m.Content
		}

		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
				ID:       tc.ID,
				Type:     goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, msg)
	}
	return out
}

func fromMessage(m goopenai.ChatCompletionMessage) domain.Message {
	msg := domain.Message{Role: domain.RoleAssistant, Content: m.Content}
	for i, tc := range m.ToolCalls {
		call := fromToolCall(tc)
		call.Index = i
		msg.ToolCalls = append(msg.ToolCalls, call)
	}
	return msg
}

func fromToolCall(tc goopenai.ToolCall) domain.ToolCall {
	call := domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
	if tc.Index != nil {
		call.Index = *tc.Index
	}
	return call
}

func mapFinishReason(r goopenai.FinishReason) string {
	switch r {
	case goopenai.FinishReasonLength:
		return domain.FinishReasonLength
	case goopenai.FinishReasonToolCalls, goopenai.FinishReasonFunctionCall:
		return domain.FinishReasonToolCalls
	case goopenai.FinishReasonContentFilter:
		return domain.FinishReasonContentFilter
	case "":
		return domain.FinishReasonStop
	default:
		return string(r)
	}
}

func (p *Provider) normalize(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if code, ok := apiErr.Code.(string); ok && code != "" {
			msg = code + ": " + msg
		}
		return provider.FromStatus(p.Name(), apiErr.HTTPStatusCode, msg, err)
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return provider.FromStatus(p.Name(), reqErr.HTTPStatusCode, reqErr.Error(), err)
	}

	return provider.Normalize(p.Name(), err)
}
