// Package bedrock adapts Anthropic models hosted on AWS Bedrock through the
// InvokeModel APIs. Tools and JSON mode are emulated.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/provider"
	"github.com/habitusnet/llmgateway/internal/stream"
)

const (
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 4096
)

// aliases maps short model names onto Bedrock model IDs.
var aliases = map[string]string{
	"claude-3-haiku":  "anthropic.claude-3-haiku-20240307-v1:0",
	"claude-3-sonnet": "anthropic.claude-3-sonnet-20240229-v1:0",
}

// Client is the subset of the Bedrock runtime client the adapter calls.
type Client interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
	InvokeModelWithResponseStream(ctx context.Context, in *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// EventSource is satisfied by the Bedrock response event stream.
type EventSource interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

type Provider struct {
	capability.ProviderCatalog
	client      Client
	credentials aws.CredentialsProvider
	openStream  func(ctx context.Context, in *bedrockruntime.InvokeModelWithResponseStreamInput) (EventSource, error)
}

func New(ctx context.Context, cat capability.ProviderCatalog, region string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(cat, bedrockruntime.NewFromConfig(cfg), cfg.Credentials), nil
}

func NewWithClient(cat capability.ProviderCatalog, client Client, creds aws.CredentialsProvider) *Provider {
	p := &Provider{ProviderCatalog: cat, client: client, credentials: creds}
	p.openStream = func(ctx context.Context, in *bedrockruntime.InvokeModelWithResponseStreamInput) (EventSource, error) {
		out, err := p.client.InvokeModelWithResponseStream(ctx, in)
		if err != nil {
			return nil, err
		}
		return out.GetStream(), nil
	}
	return p
}

func (p *Provider) ValidateRequest(req *domain.Request) provider.Validation {
	return provider.Validate(p, req, nil)
}

// Canonical resolves short aliases to Bedrock model IDs.
func (p *Provider) Canonical(model string) string {
	if id, ok := aliases[model]; ok {
		return id
	}
	return model
}

func (p *Provider) Generate(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	model := provider.ResolveModel(p, req)

	body, err := json.Marshal(toInvokeRequest(req))
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "marshal request: %v", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, p.normalize(err)
	}

	var resp invokeResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, domain.Transient(p.Name(), domain.ReasonServerError, fmt.Errorf("unmarshal response: %w", err))
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	result := provider.NewResponse(p.Name(), model, domain.Message{Content: text.String()}, mapStopReason(resp.StopReason), domain.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	})
	if resp.ID != "" {
		result.Metadata.ProviderSpecific["upstream_id"] = resp.ID
	}
	return result, nil
}

func (p *Provider) StreamGenerate(ctx context.Context, req *domain.Request) (stream.Stream, error) {
	model := provider.ResolveModel(p, req)

	body, err := json.Marshal(toInvokeRequest(req))
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "marshal request: %v", err)
	}

	upstreamCtx, cancel := context.WithCancel(ctx)
	events, err := p.openStream(upstreamCtx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		cancel()
		return nil, p.normalize(err)
	}

	return stream.New(ctx, provider.NewStreamID(), func(ctx context.Context, emit func(domain.StreamChunk) bool) error {
		stop := context.AfterFunc(ctx, func() {
			cancel()
			events.Close()
		})
		defer stop()
		defer cancel()
		defer events.Close()

		finish := domain.FinishReasonStop
		for event := range events.Events() {
			v, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var chunk streamEvent
			if err := json.Unmarshal(v.Value.Bytes, &chunk); err != nil {
				continue
			}

			switch chunk.Type {
			case "content_block_delta":
				if chunk.Delta != nil && chunk.Delta.Text != "" && !emit(domain.ContentChunk(chunk.Delta.Text)) {
					return nil
				}
			case "message_delta":
				if chunk.Delta != nil && chunk.Delta.StopReason != "" {
					finish = mapStopReason(chunk.Delta.StopReason)
				}
			case "message_stop":
				emit(domain.FinishChunk(finish))
				return nil
			}
		}

		if err := events.Err(); err != nil {
			return p.normalize(err)
		}
		emit(domain.FinishChunk(finish))
		return nil
	}), nil
}

// CheckHealth verifies that AWS credentials can be resolved. The runtime API
// has no free endpoint to probe.
func (p *Provider) CheckHealth(ctx context.Context) error {
	if p.credentials == nil {
		return nil
	}
	if _, err := p.credentials.Retrieve(ctx); err != nil {
		return domain.ProviderAuth(p.Name(), err)
	}
	return nil
}

type invokeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Messages         []invokeMessage `json:"messages"`
	System           string          `json:"system,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
}

type invokeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
}

// toInvokeRequest builds the Anthropic-on-Bedrock body. Emulation has already
// flattened tool turns into plain text by the time a request gets here.
func toInvokeRequest(req *domain.Request) invokeRequest {
	system, rest := provider.SplitSystem(req.Messages)

	out := invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        defaultMaxTokens,
		System:           system,
		Temperature:      req.Temperature,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	for _, m := range rest {
		role := string(m.Role)
		if m.Role == domain.RoleTool {
			role = string(domain.RoleUser)
		}
		out.Messages = append(out.Messages, invokeMessage{Role: role, Content: m.Content})
	}

	if v, ok := req.AdditionalParams["top_p"].(float64); ok {
		out.TopP = &v
	}
	if v, ok := req.AdditionalParams["stop"].(string); ok {
		out.StopSequences = []string{v}
	}
	return out
}

func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return domain.FinishReasonLength
	case "tool_use":
		return domain.FinishReasonToolCalls
	default:
		return domain.FinishReasonStop
	}
}

func (p *Provider) normalize(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.ErrorMessage()
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			return domain.ProviderAuth(p.Name(), err)
		case "ThrottlingException", "ServiceQuotaExceededException":
			return domain.Transient(p.Name(), domain.ReasonRateLimit, err)
		case "ModelTimeoutException":
			return domain.Transient(p.Name(), domain.ReasonTimeout, err)
		case "InternalServerException", "ServiceUnavailableException", "ModelNotReadyException", "ModelErrorException":
			return domain.Transient(p.Name(), domain.ReasonServerError, err)
		case "ValidationException":
			return provider.FromStatus(p.Name(), 400, msg, err)
		case "ResourceNotFoundException":
			return &domain.Error{Kind: domain.KindInvalidRequest, Message: "model not available: " + msg, Provider: p.Name(), Err: err}
		}
	}
	return provider.Normalize(p.Name(), err)
}
