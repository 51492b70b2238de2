// Package observability wires distributed tracing around the core runtime
// using OpenTelemetry. It deliberately stays exporter-agnostic: callers
// supply an sdktrace.SpanExporter (OTLP, stdout, Jaeger, whatever their
// deployment uses) and this package handles resource attribution, sampling,
// and the span-naming conventions the rest of the module relies on.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures a Tracer.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// SamplingRate controls what fraction of traces are recorded (0.0-1.0).
	// Defaults to 1.0 if zero.
	SamplingRate float64

	// Exporter receives finished spans. A nil Exporter produces a Tracer
	// that creates real spans (so span/trace IDs and parent-child
	// relationships are still usable in-process) but never ships them
	// anywhere.
	Exporter sdktrace.SpanExporter

	Attributes map[string]string
}

// Tracer wraps an OpenTelemetry tracer with the conventions the runtime
// uses for cycle, tool, and transport spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// SpanOptions configures span creation.
type SpanOptions struct {
	Kind       trace.SpanKind
	Attributes []attribute.KeyValue
}

// NewTracer builds a Tracer and a shutdown function that flushes and closes
// the underlying provider. The returned shutdown must be called on exit.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}
	if config.ServiceName == "" {
		config.ServiceName = "agentkit-core"
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", config.ServiceName),
	}
	if config.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", config.ServiceVersion))
	}
	if config.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if config.Exporter != nil {
		providerOpts = append(providerOpts, sdktrace.WithBatcher(config.Exporter))
	}
	provider := sdktrace.NewTracerProvider(providerOpts...)

	t := &Tracer{provider: provider, tracer: provider.Tracer(config.ServiceName)}
	return t, provider.Shutdown
}

// NoopTracer returns a Tracer backed by the global no-op provider, for
// callers that want tracing plumbed through but not configured.
func NoopTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer("agentkit-core")}
}

// Start creates a new span as a child of any span already in ctx.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOptions) (context.Context, trace.Span) {
	var start []trace.SpanStartOption
	if len(opts) > 0 {
		if opts[0].Kind != 0 {
			start = append(start, trace.WithSpanKind(opts[0].Kind))
		}
		if len(opts[0].Attributes) > 0 {
			start = append(start, trace.WithAttributes(opts[0].Attributes...))
		}
	}
	return t.tracer.Start(ctx, name, start...)
}

// RecordError records err on span and marks the span as errored. A nil err
// is a no-op.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
