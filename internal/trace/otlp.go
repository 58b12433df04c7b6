// Package trace sets up OpenTelemetry tracing for prpflow runs.
//
// Each run, run cycle and action is a span. When no OTLP endpoint is
// configured a no-op tracer is returned so callers never branch on it.
package trace

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer.
const InstrumentationName = "prpflow/orchestrator"

// Span attribute keys.
const (
	ProjectKey  = attribute.Key("prpflow.project")
	ItemKey     = attribute.Key("prpflow.item.id")
	ActionKey   = attribute.Key("prpflow.action")
	BranchKey   = attribute.Key("prpflow.branch")
	PRKey       = attribute.Key("prpflow.pr.number")
	OutcomeKey  = attribute.Key("prpflow.outcome")
	RunIDKey    = attribute.Key("prpflow.run.id")
	IterKey     = attribute.Key("prpflow.iteration")
	StopKey     = attribute.Key("prpflow.stop_reason")
	ExitCodeKey = attribute.Key("prpflow.agent.exit_code")
)

// Config selects the exporter.
type Config struct {
	// Endpoint is host:port of an OTLP/HTTP collector. Empty disables export;
	// OTEL_EXPORTER_OTLP_ENDPOINT is used as a fallback.
	Endpoint    string
	ServiceName string
	Insecure    bool
}

// Provider owns the tracer and its exporter.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// Setup builds a Provider. With no endpoint the returned Provider hands out
// a no-op tracer and Shutdown does nothing.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(InstrumentationName)}, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return NewProvider(sdktrace.WithBatcher(exporter), cfg.ServiceName), nil
}

// NewProvider builds a Provider around an arbitrary span processor option,
// e.g. a tracetest.SpanRecorder in tests.
func NewProvider(processor sdktrace.TracerProviderOption, serviceName string) *Provider {
	if serviceName == "" {
		serviceName = "prpflow"
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)
	provider := sdktrace.NewTracerProvider(processor, sdktrace.WithResource(res))
	return &Provider{provider: provider, tracer: provider.Tracer(InstrumentationName)}
}

// Tracer returns the tracer. Safe on a nil Provider.
func (p *Provider) Tracer() oteltrace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(InstrumentationName)
	}
	return p.tracer
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.provider != nil
}

// Shutdown flushes and closes the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// End records err on span, if any, and ends it.
func End(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
