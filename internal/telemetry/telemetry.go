// Package telemetry configures OpenTelemetry tracing for the gateway.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/habitusnet/llmgateway/internal/domain"
)

const instrumentation = "github.com/habitusnet/llmgateway"

type Config struct {
	ServiceName  string
	Version      string
	OTLPEndpoint string
	// SampleRatio is the fraction of root traces kept. Zero keeps all.
	SampleRatio float64
}

// Init installs the global tracer provider. Without an endpoint the global
// no-op provider stays in place and spans cost nothing.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		slog.Info("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("tracing initialized", "endpoint", cfg.OTLPEndpoint)
	return tp.Shutdown, nil
}

// Tracer is looked up on every call so that providers installed after package
// init, including test providers, are honoured.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

func SetRequestAttributes(span trace.Span, requestID string, req *domain.Request) {
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("tenant.id", req.TenantID),
		attribute.String("request.model", req.Model),
		attribute.String("request.provider", req.Provider),
		attribute.Bool("request.stream", req.Stream),
		attribute.Int("request.messages", len(req.Messages)),
		attribute.Int("request.tools", len(req.Tools)),
	)
}

func SetProviderAttributes(span trace.Span, provider, model string, attempt int) {
	span.SetAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.Int("attempt", attempt),
	)
}

func SetResponseAttributes(span trace.Span, resp *domain.Response, costUSD float64, cacheHit bool) {
	span.SetAttributes(
		attribute.String("response.id", resp.ID),
		attribute.Int("tokens.input", resp.Usage.PromptTokens),
		attribute.Int("tokens.output", resp.Usage.CompletionTokens),
		attribute.Float64("cost.usd", costUSD),
		attribute.Bool("cache.hit", cacheHit),
	)
}

// RecordError marks the span failed with the gateway error kind attached.
func RecordError(span trace.Span, err error) {
	e := domain.AsError(err)
	span.SetAttributes(attribute.String("error.kind", string(e.Kind)))
	if e.Reason != "" {
		span.SetAttributes(attribute.String("error.reason", e.Reason))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(e.Kind))
}

func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
