package processor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/habitusnet/llmgateway/internal/domain"
	"github.com/habitusnet/llmgateway/internal/metrics"
	"github.com/habitusnet/llmgateway/internal/provider"
	"github.com/habitusnet/llmgateway/internal/provider/emulate"
	"github.com/habitusnet/llmgateway/internal/registry"
	"github.com/habitusnet/llmgateway/internal/stream"
	"github.com/habitusnet/llmgateway/internal/telemetry"
)

// HandleStream opens a stream for req. A transient failure to open may fall
// back once; after the stream is handed out no further fallback happens.
// Streams are never cached.
func (p *Processor) HandleStream(ctx context.Context, req *domain.Request) (*StreamResult, error) {
	spanCtx, span := telemetry.StartSpan(ctx, "processor.HandleStream")
	defer span.End()
	telemetry.SetRequestAttributes(span, RequestID(ctx), req)

	start := p.now()
	a, err := p.admit(spanCtx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, p.fail(ctx, req, "", "", start, err)
	}
	a.req.Stream = true

	ranking, err := p.registry.Select(a.req, a.policy)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, p.fail(ctx, req, "", req.Model, start, err)
	}

	c := ranking.Primary()
	s, err := p.open(ctx, a, c)
	if err != nil {
		next, ok := ranking.Fallback()
		if !ok || !domain.AsError(err).Transient() || ctx.Err() != nil {
			telemetry.RecordError(span, err)
			return nil, p.fail(ctx, req, c.Name(), c.Model, start, err)
		}

		slog.Warn("provider failed to open stream, falling back",
			"request_id", a.requestID,
			"tenant_id", req.TenantID,
			"provider", c.Name(),
			"fallback", next.Name(),
			"error", err,
		)
		metrics.RecordFallback(c.Name(), next.Name())

		c = next
		s, err = p.open(ctx, a, c)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, p.fail(ctx, req, c.Name(), c.Model, start, err)
		}
	}

	served := a.req.Clone()
	served.Model = c.Model
	emulated := emulate.ActiveFeatures(c.Adapter, served)
	if len(emulated) > 0 {
		metrics.RecordEmulated(c.Name(), emulated)
	}

	telemetry.SetProviderAttributes(span, c.Name(), c.Model, 1)
	metrics.IncrementActiveStreams()
	return &StreamResult{
		Stream:    p.account(ctx, a, c, s, start),
		Provider:  c.Name(),
		Model:     c.Model,
		RateLimit: a.decision,
		Emulated:  emulated,
	}, nil
}

func (p *Processor) open(ctx context.Context, a *admitted, c registry.Candidate) (stream.Stream, error) {
	req := a.req.Clone()
	req.Model = c.Model

	start := p.now()
	s, err := c.Adapter.StreamGenerate(ctx, req)
	if err != nil {
		if cerr := callerCancelled(ctx); cerr != nil {
			return nil, cerr
		}
		p.registry.RecordOutcome(c.Name(), p.now().Sub(start), false)
		p.providerFailed(c.Name(), err)
		return nil, err
	}
	return s, nil
}

// transcript accumulates streamed text so usage can be estimated once the
// stream ends.
type transcript struct {
	stream.Stream
	text strings.Builder
}

func (t *transcript) Recv() (domain.StreamChunk, error) {
	c, err := t.Stream.Recv()
	if err == nil {
		t.text.WriteString(c.DeltaContent)
	}
	return c, err
}

// account wraps s so that provider statistics, metrics and usage are
// recorded exactly once when the stream ends, with end-to-end latency.
func (p *Processor) account(ctx context.Context, a *admitted, c registry.Candidate, s stream.Stream, start time.Time) stream.Stream {
	t := &transcript{Stream: s}
	tenantID := a.req.TenantID
	name := c.Name()

	return stream.Observe(t, func(last domain.StreamChunk, completed bool) {
		metrics.DecrementActiveStreams()
		elapsed := p.now().Sub(start)

		if !completed {
			metrics.RecordRequest(tenantID, name, c.Model, "cancelled", elapsed.Seconds())
			slog.Info("stream closed before completion",
				"request_id", a.requestID,
				"tenant_id", tenantID,
				"provider", name,
				"model", c.Model,
			)
			return
		}

		p.registry.RecordOutcome(name, elapsed, last.Error == nil)
		if last.Error != nil {
			err := &domain.Error{Kind: last.Error.Code, Message: last.Error.Message, Provider: name}
			if err.Kind == domain.KindStreamStalled {
				metrics.RecordStreamStall(name)
			}
			p.providerFailed(name, err)
			metrics.RecordRequest(tenantID, name, c.Model, "error", elapsed.Seconds())
			slog.Error("stream ended with error",
				"request_id", a.requestID,
				"tenant_id", tenantID,
				"provider", name,
				"model", c.Model,
				"error", err,
			)
			return
		}

		req := a.req.Clone()
		req.Model = c.Model
		usage := provider.EstimateUsage(req, t.text.String())
		costUSD := p.price(tenantID, name, c.Model, usage)
		metrics.RecordRequest(tenantID, name, c.Model, "success", elapsed.Seconds())
		p.track(context.WithoutCancel(ctx), a, name, c.Model, usage, costUSD, false, true, elapsed)

		slog.Info("stream completed",
			"request_id", a.requestID,
			"tenant_id", tenantID,
			"provider", name,
			"model", c.Model,
			"latency_ms", elapsed.Milliseconds(),
		)
	})
}
