// Package synthetic is an in-process provider that answers deterministically.
// It backs local development and tests, and can be told to fail or stall.
package synthetic

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/habitusnet/llmgateway/internal/capability"
	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/provider"
	"github.com/habitusnet/llmgateway/internal/stream"
)

var ErrUnhealthy = errors.New("synthetic provider marked unhealthy")

type Option func(*Provider)

// WithReply sets the completion text for a request.
func WithReply(fn func(req *domain.Request) string) Option {
	return func(p *Provider) { p.reply = fn }
}

// WithChunks fixes the content chunks emitted by StreamGenerate.
func WithChunks(chunks ...string) Option {
	return func(p *Provider) { p.chunks = chunks }
}

// WithFailure makes every call return the error produced by fn, if any.
func WithFailure(fn func(req *domain.Request) error) Option {
	return func(p *Provider) { p.failure = fn }
}

// WithChunkDelay pauses between streamed chunks.
func WithChunkDelay(d time.Duration) Option {
	return func(p *Provider) { p.chunkDelay = d }
}

// WithLatency delays Generate.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

type Provider struct {
	capability.ProviderCatalog

	reply      func(req *domain.Request) string
	chunks     []string
	failure    func(req *domain.Request) error
	chunkDelay time.Duration
	latency    time.Duration

	unhealthy atomic.Bool
	calls     atomic.Int64
	streams   atomic.Int64
	open      atomic.Int64
}

func New(cat capability.ProviderCatalog, opts ...Option) *Provider {
	p := &Provider{ProviderCatalog: cat, reply: echo}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func echo(req *domain.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			return "echo: " + req.Messages[i].Content
		}
	}
	return "echo"
}

// Calls counts Generate and StreamGenerate invocations.
func (p *Provider) Calls() int64 { return p.calls.Load() }

// OpenStreams reports streams whose producer has not yet exited.
func (p *Provider) OpenStreams() int64 { return p.open.Load() }

func (p *Provider) SetHealthy(ok bool) { p.unhealthy.Store(!ok) }

func (p *Provider) ValidateRequest(req *domain.Request) provider.Validation {
	return provider.Validate(p, req, nil)
}

func (p *Provider) fail(req *domain.Request) error {
	if p.failure == nil {
		return nil
	}
	if err := p.failure(req); err != nil {
		return provider.Normalize(p.Name(), err)
	}
	return nil
}

func (p *Provider) Generate(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	p.calls.Add(1)
	if err := p.fail(req); err != nil {
		return nil, err
	}

	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return nil, provider.Normalize(p.Name(), ctx.Err())
		}
	}

	model := provider.ResolveModel(p, req)
	text := p.reply(req)
	return provider.NewResponse(p.Name(), model, domain.Message{Role: domain.RoleAssistant, Content: text},
		domain.FinishReasonStop, provider.EstimateUsage(req, text)), nil
}

func (p *Provider) StreamGenerate(ctx context.Context, req *domain.Request) (stream.Stream, error) {
	p.calls.Add(1)
	if err := p.fail(req); err != nil {
		return nil, err
	}

	chunks := p.chunks
	if chunks == nil {
		chunks = splitWords(p.reply(req))
	}

	p.streams.Add(1)
	p.open.Add(1)
	return stream.New(ctx, provider.NewStreamID(), func(ctx context.Context, emit func(domain.StreamChunk) bool) error {
		defer p.open.Add(-1)

		for _, c := range chunks {
			if p.chunkDelay > 0 {
				select {
				case <-time.After(p.chunkDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if !emit(domain.ContentChunk(c)) {
				return nil
			}
		}
		emit(domain.FinishChunk(domain.FinishReasonStop))
		return nil
	}), nil
}

func (p *Provider) CheckHealth(ctx context.Context) error {
	if p.unhealthy.Load() {
		return ErrUnhealthy
	}
	return nil
}

// splitWords cuts text into word chunks, keeping the separating spaces so the
// chunks concatenate back to the original.
func splitWords(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	for _, w := range strings.SplitAfter(text, " ") {
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
