// Package observability installs the optional OpenTelemetry tracer. Tracing
// is off unless an OTLP endpoint is configured; everything else in the runner
// reports through Prometheus metrics and stderr events.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "sprintd"

// TracerProvider wraps the OpenTelemetry tracer lifecycle.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider builds a tracer provider. An empty endpoint yields a noop
// tracer so call sites never branch on whether tracing is configured.
func NewTracerProvider(ctx context.Context, otlpEndpoint string) (*TracerProvider, error) {
	if otlpEndpoint == "" {
		return &TracerProvider{tracer: noop.NewTracerProvider().Tracer(serviceName)}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(otlpEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// Shutdown flushes and stops the provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartRunSpan opens a span for one agent run dispatch.
func (tp *TracerProvider) StartRunSpan(ctx context.Context, role, runID string, issueNumber int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("sprintd.role", role),
		attribute.String("sprintd.run_id", runID),
	}
	if issueNumber > 0 {
		attrs = append(attrs, attribute.Int("sprintd.issue_number", issueNumber))
	}
	return tp.tracer.Start(ctx, "sprintd.run.dispatch", trace.WithAttributes(attrs...))
}
