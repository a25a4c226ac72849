// Package emulate approximates JSON mode, tool calls and streaming for models
// that lack them natively, by rewriting the request into plain prompting and
// post-processing the text that comes back. Results are best effort and are
// always flagged in the response metadata.
package emulate

import (
	"context"
	"sort"

	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/provider"
	"github.com/habitusnet/llmgateway/internal/stream"
)

const (
	MetaEmulated         = "emulated"
	MetaEmulatedFeatures = "emulated_features"
	MetaJSONValid        = "json_valid"
)

// Adapter decorates an adapter with emulation for the registered features.
// Capabilities still report native support only.
type Adapter struct {
	inner    provider.Adapter
	features capability.Features
}

// Wrap returns inner unchanged when no feature is registered.
func Wrap(inner provider.Adapter, features capability.Features) provider.Adapter {
	var fs capability.Features
	for _, f := range features {
		if f.Emulatable() && !fs.Has(f) {
			fs = append(fs, f)
		}
	}
	if len(fs) == 0 {
		return inner
	}
	return &Adapter{inner: inner, features: fs}
}

func (a *Adapter) Name() string         { return a.inner.Name() }
func (a *Adapter) Models() []string     { return a.inner.Models() }
func (a *Adapter) DefaultModel() string { return a.inner.DefaultModel() }

func (a *Adapter) Capabilities(model string) capability.Capabilities {
	return a.inner.Capabilities(model)
}

func (a *Adapter) Emulated() capability.Features {
	return append(capability.Features(nil), a.features...)
}

func (a *Adapter) Canonical(model string) string {
	if al, ok := a.inner.(provider.Aliaser); ok {
		return al.Canonical(model)
	}
	return model
}

func (a *Adapter) Unwrap() provider.Adapter {
	return a.inner
}

func (a *Adapter) ValidateRequest(req *domain.Request) provider.Validation {
	return provider.Validate(a.inner, req, a.features)
}

func (a *Adapter) CheckHealth(ctx context.Context) error {
	return a.inner.CheckHealth(ctx)
}

// active lists the features this request needs that the model lacks and
// that are registered for emulation.
func (a *Adapter) active(req *domain.Request) capability.Features {
	caps := a.inner.Capabilities(provider.ResolveModel(a.inner, req))
	var out capability.Features
	for _, f := range capability.Required(req) {
		if !caps.Supports(f) && a.features.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// ActiveFeatures names the features a would emulate for req, sorted. It is
// empty for adapters without emulation and for requests served natively.
func ActiveFeatures(a provider.Adapter, req *domain.Request) []string {
	ea, ok := a.(*Adapter)
	if !ok {
		return nil
	}
	return featureNames(ea.active(req))
}

func featureNames(fs capability.Features) []string {
	if len(fs) == 0 {
		return nil
	}
	names := make([]string, 0, len(fs))
	for _, f := range fs {
		names = append(names, string(f))
	}
	sort.Strings(names)
	return names
}

func (a *Adapter) Generate(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	active := a.active(req)
	if len(active) == 0 {
		return a.inner.Generate(ctx, req)
	}

	resp, err := a.inner.Generate(ctx, rewrite(req, active))
	if err != nil {
		return nil, err
	}
	return postProcess(resp, req, active), nil
}

func (a *Adapter) StreamGenerate(ctx context.Context, req *domain.Request) (stream.Stream, error) {
	active := a.active(req)
	if len(active) == 0 {
		return a.inner.StreamGenerate(ctx, req)
	}

	// Tool extraction needs the whole completion, as does a model that cannot
	// stream at all, so both are served from a blocking call and replayed.
	if active.Has(capability.FeatureStreaming) || active.Has(capability.FeatureTools) {
		blocking := req.Clone()
		blocking.Stream = false

		resp, err := a.Generate(ctx, blocking)
		if err != nil {
			return nil, err
		}
		return replay(resp), nil
	}

	// JSON instructions can be applied to a live stream, but the output
	// cannot be post-parsed.
	return a.inner.StreamGenerate(ctx, rewrite(req, active))
}

func rewrite(req *domain.Request, active capability.Features) *domain.Request {
	out := req.Clone()

	var instructions []string
	if active.Has(capability.FeatureTools) {
		if s := toolInstruction(req.Tools, req.ToolChoice); s != "" {
			instructions = append(instructions, s)
		}
		out.Messages = flattenToolHistory(out.Messages)
		out.Tools = nil
		out.ToolChoice = nil
	}
	if active.Has(capability.FeatureJSONMode) {
		instructions = append(instructions, jsonInstruction(req.ResponseFormat))
		out.ResponseFormat = nil
	}
	if active.Has(capability.FeatureStreaming) {
		out.Stream = false
	}

	for i := len(instructions) - 1; i >= 0; i-- {
		out.Messages = append([]domain.Message{{Role: domain.RoleSystem, Content: instructions[i]}}, out.Messages...)
	}
	return out
}

func postProcess(resp *domain.Response, req *domain.Request, active capability.Features) *domain.Response {
	out := resp.Clone()

	for i := range out.Choices {
		msg := &out.Choices[i].Message

		if active.Has(capability.FeatureTools) && !(req.ToolChoice != nil && req.ToolChoice.Mode == domain.ToolChoiceNone) {
			calls, rest := ExtractToolCalls(msg.Content, req.Tools)
			if len(calls) > 0 {
				msg.ToolCalls = calls
				msg.Content = rest
				out.Choices[i].FinishReason = domain.FinishReasonToolCalls
			}
		}

		if active.Has(capability.FeatureJSONMode) && len(msg.ToolCalls) == 0 {
			if js, ok := ExtractJSON(msg.Content); ok {
				msg.Content = js
				out.Metadata.ProviderSpecific[MetaJSONValid] = true
			} else {
				out.Metadata.ProviderSpecific[MetaJSONValid] = false
			}
		}
	}

	out.Metadata.ProviderSpecific[MetaEmulated] = true
	out.Metadata.ProviderSpecific[MetaEmulatedFeatures] = featureNames(active)
	return out
}

func replay(resp *domain.Response) stream.Stream {
	var chunks []domain.StreamChunk
	finish := domain.FinishReasonStop
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			chunks = append(chunks, domain.ContentChunk(choice.Message.Content))
		}
		if len(choice.Message.ToolCalls) > 0 {
			calls := make([]domain.ToolCall, len(choice.Message.ToolCalls))
			for i, tc := range choice.Message.ToolCalls {
				tc.Index = i
				calls[i] = tc
			}
			chunks = append(chunks, domain.StreamChunk{DeltaToolCalls: calls})
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	chunks = append(chunks, domain.FinishChunk(finish))
	return stream.FromChunks(provider.NewStreamID(), chunks)
}
