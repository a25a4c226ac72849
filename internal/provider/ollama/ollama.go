// Package ollama adapts a local Ollama server over its native chat API, which
// streams newline-delimited JSON. Tools and JSON mode are emulated.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/provider"
	"github.com/habitusnet/llmgateway/internal/stream"
)

type Provider struct {
	capability.ProviderCatalog
	baseURL string
	client  *http.Client
	extra   []string
}

// New serves the catalog's models plus extraModels, which resolve to the
// catalog's ollama defaults.
func New(cat capability.ProviderCatalog, baseURL string, client *http.Client, extraModels ...string) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{
		ProviderCatalog: cat,
		baseURL:         strings.TrimRight(baseURL, "/"),
		client:          client,
		extra:           extraModels,
	}
}

func (p *Provider) Models() []string {
	models := p.ProviderCatalog.Models()
	for _, m := range p.extra {
		if !contains(models, m) {
			models = append(models, m)
		}
	}
	return models
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (p *Provider) ValidateRequest(req *domain.Request) provider.Validation {
	return provider.Validate(p, req, nil)
}

func (p *Provider) Generate(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	model := provider.ResolveModel(p, req)

	resp, err := p.post(ctx, toChatRequest(req, model, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.Transient(p.Name(), domain.ReasonServerError, fmt.Errorf("decode response: %w", err))
	}

	result := provider.NewResponse(p.Name(), model, domain.Message{Content: out.Message.Content}, mapDoneReason(out.DoneReason), domain.Usage{
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	})
	if out.TotalDuration > 0 {
		result.Metadata.ProviderSpecific["total_duration_ns"] = out.TotalDuration
	}
	return result, nil
}

func (p *Provider) StreamGenerate(ctx context.Context, req *domain.Request) (stream.Stream, error) {
	model := provider.ResolveModel(p, req)

	upstreamCtx, cancel := context.WithCancel(ctx)
	resp, err := p.post(upstreamCtx, toChatRequest(req, model, true))
	if err != nil {
		cancel()
		return nil, err
	}

	return stream.New(ctx, provider.NewStreamID(), func(ctx context.Context, emit func(domain.StreamChunk) bool) error {
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		defer cancel()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				return domain.Transient(p.Name(), domain.ReasonServerError, errors.New(chunk.Error))
			}

			if chunk.Message.Content != "" && !emit(domain.ContentChunk(chunk.Message.Content)) {
				return nil
			}
			if chunk.Done {
				emit(domain.FinishChunk(mapDoneReason(chunk.DoneReason)))
				return nil
			}
		}

		if err := scanner.Err(); err != nil {
			return provider.Normalize(p.Name(), err)
		}
		return domain.Transient(p.Name(), domain.ReasonNetwork, io.ErrUnexpectedEOF)
	}), nil
}

func (p *Provider) CheckHealth(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return domain.NewError(domain.KindInternal, "create request: %v", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.Normalize(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.FromStatus(p.Name(), resp.StatusCode, "", nil)
	}
	return nil
}

// Installed lists the models the server has pulled.
func (p *Provider) Installed(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.Normalize(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.FromStatus(p.Name(), resp.StatusCode, "", nil)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

func (p *Provider) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, domain.NewError(domain.KindInternal, "create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.Normalize(p.Name(), err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		var e struct {
			Error string `json:"error"`
		}
		msg := string(raw)
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, &domain.Error{Kind: domain.KindInvalidRequest, Message: "model not installed: " + msg, Provider: p.Name()}
		}
		return nil, provider.WithRetryAfter(provider.FromStatus(p.Name(), resp.StatusCode, msg, errors.New(msg)), resp.Header)
	}

	return resp, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *options      `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Seed        int      `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	TotalDuration   int64       `json:"total_duration,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	Error           string      `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func toChatRequest(req *domain.Request, model string, streaming bool) chatRequest {
	out := chatRequest{Model: model, Stream: streaming}
	for _, m := range req.Messages {
		role := string(m.Role)
		if m.Role == domain.RoleTool {
			role = string(domain.RoleUser)
		}
		out.Messages = append(out.Messages, chatMessage{Role: role, Content: m.Content})
	}

	opts := &options{Temperature: req.Temperature}
	if req.MaxTokens != nil {
		opts.NumPredict = *req.MaxTokens
	}
	if v, ok := req.AdditionalParams["top_p"].(float64); ok {
		opts.TopP = v
	}
	if v, ok := req.AdditionalParams["seed"].(float64); ok {
		opts.Seed = int(v)
	}
	if v, ok := req.AdditionalParams["stop"].(string); ok {
		opts.Stop = []string{v}
	}
	if opts.Temperature != nil || opts.NumPredict > 0 || opts.TopP > 0 || opts.Seed != 0 || len(opts.Stop) > 0 {
		out.Options = opts
	}
	return out
}

func mapDoneReason(reason string) string {
	if reason == "length" {
		return domain.FinishReasonLength
	}
	return domain.FinishReasonStop
}
