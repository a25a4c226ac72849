// Package gemini adapts the Google Gemini API through the genai SDK. Tool
// calling is emulated; JSON mode maps to the response MIME type and schema.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"iter"
	"mime"
	"net/http"
	"path"
	"strings"

	"google.golang.org/genai"

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
	client *genai.Client
}

// New fails only when the SDK rejects the client configuration.
func New(ctx context.Context, cat capability.ProviderCatalog, cfg Config) (*Provider, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Provider{ProviderCatalog: cat, client: client}, nil
}

func (p *Provider) ValidateRequest(req *domain.Request) provider.Validation {
	return provider.Validate(p, req, nil)
}

func (p *Provider) Generate(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	model := provider.ResolveModel(p, req)

	contents, config, err := buildRequest(req)
	if err != nil {
		return nil, err
	}

	result, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, p.normalize(err)
	}

	finish := domain.FinishReasonStop
	if len(result.Candidates) > 0 {
		finish = mapFinishReason(result.Candidates[0].FinishReason)
	}

	resp := provider.NewResponse(p.Name(), model, domain.Message{Content: result.Text()}, finish, usageOf(result))
	if result.ResponseID != "" {
		resp.Metadata.ProviderSpecific["upstream_id"] = result.ResponseID
	}
	if result.ModelVersion != "" {
		resp.Metadata.ProviderSpecific["model_version"] = result.ModelVersion
	}
	return resp, nil
}

// StreamGenerate pulls the first response before returning so that upstream
// rejections are reported as errors.
func (p *Provider) StreamGenerate(ctx context.Context, req *domain.Request) (stream.Stream, error) {
	model := provider.ResolveModel(p, req)

	contents, config, err := buildRequest(req)
	if err != nil {
		return nil, err
	}

	upstreamCtx, cancel := context.WithCancel(ctx)
	next, stopPull := iter.Pull2(p.client.Models.GenerateContentStream(upstreamCtx, model, contents, config))

	first, err, ok := next()
	if ok && err != nil {
		stopPull()
		cancel()
		return nil, p.normalize(err)
	}

	return stream.New(ctx, provider.NewStreamID(), func(ctx context.Context, emit func(domain.StreamChunk) bool) error {
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		defer cancel()
		defer stopPull()

		finish := domain.FinishReasonStop
		for result := first; ok; result, err, ok = next() {
			if err != nil {
				return p.normalize(err)
			}
			if result == nil {
				continue
			}
			if text := result.Text(); text != "" && !emit(domain.ContentChunk(text)) {
				return nil
			}
			if len(result.Candidates) > 0 && result.Candidates[0].FinishReason != "" {
				finish = mapFinishReason(result.Candidates[0].FinishReason)
			}
		}

		emit(domain.FinishChunk(finish))
		return nil
	}), nil
}

func (p *Provider) CheckHealth(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return p.normalize(err)
	}
	return nil
}

func buildRequest(req *domain.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	system, rest := provider.SplitSystem(req.Messages)

	config := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens != nil {
		config.MaxOutputTokens = int32(*req.MaxTokens)
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	if req.WantsJSON() {
		config.ResponseMIMEType = "application/json"
		if len(req.ResponseFormat.Schema) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(req.ResponseFormat.Schema, &schema); err != nil {
				return nil, nil, domain.InvalidRequest("response_format", "schema is not a JSON object: %v", err)
			}
			config.ResponseSchema = toSchema(schema)
		}
	}

	for k, v := range req.AdditionalParams {
		f, isNum := v.(float64)
		switch k {
		case "top_p":
			if isNum {
				config.TopP = genai.Ptr(float32(f))
			}
		case "top_k":
			if isNum {
				config.TopK = genai.Ptr(float32(f))
			}
		case "seed":
			if isNum {
				config.Seed = genai.Ptr(int32(f))
			}
		}
	}

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.RoleUser
		if m.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}

		content := &genai.Content{Role: string(role)}
		if m.Content != "" {
			content.Parts = append(content.Parts, genai.NewPartFromText(m.Content))
		}
		for _, img := range m.Images {
			part, err := imagePart(img)
			if err != nil {
				return nil, nil, err
			}
			content.Parts = append(content.Parts, part)
		}
		if len(content.Parts) == 0 {
			content.Parts = append(content.Parts, genai.NewPartFromText(""))
		}
		contents = append(contents, content)
	}

	return contents, config, nil
}

// imagePart accepts data URLs and remote URIs.
func imagePart(ref string) (*genai.Part, error) {
	if rest, ok := strings.CutPrefix(ref, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, domain.InvalidRequest("messages", "image data URL must be base64 encoded")
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, domain.InvalidRequest("messages", "image data URL: %v", err)
		}
		return genai.NewPartFromBytes(raw, strings.TrimSuffix(meta, ";base64")), nil
	}

	mimeType := mime.TypeByExtension(path.Ext(ref))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return genai.NewPartFromURI(ref, mimeType), nil
}

func toSchema(s map[string]any) *genai.Schema {
	schema := &genai.Schema{}
	if t, ok := s["type"].(string); ok {
		schema.Type = toType(t)
	}
	if d, ok := s["description"].(string); ok {
		schema.Description = d
	}
	if req, ok := s["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				schema.Required = append(schema.Required, name)
			}
		}
	}
	if enum, ok := s["enum"].([]any); ok {
		for _, e := range enum {
			if v, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, v)
			}
		}
	}
	if props, ok := s["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if m, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toSchema(m)
			}
		}
	}
	if schema.Type == genai.TypeArray {
		if items, ok := s["items"].(map[string]any); ok {
			schema.Items = toSchema(items)
		} else {
			schema.Items = &genai.Schema{Type: genai.TypeString}
		}
	}
	return schema
}

func toType(t string) genai.Type {
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func usageOf(result *genai.GenerateContentResponse) domain.Usage {
	if result.UsageMetadata == nil {
		return domain.Usage{}
	}
	return domain.Usage{
		PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
		CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
		TotalTokens:      int(result.UsageMetadata.TotalTokenCount),
	}
}

func mapFinishReason(r genai.FinishReason) string {
	switch string(r) {
	case "MAX_TOKENS":
		return domain.FinishReasonLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return domain.FinishReasonContentFilter
	default:
		return domain.FinishReasonStop
	}
}

func (p *Provider) normalize(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return provider.FromStatus(p.Name(), apiErr.Code, apiErr.Message, err)
	}
	return provider.Normalize(p.Name(), err)
}
