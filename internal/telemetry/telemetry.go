// Package telemetry wires OpenTelemetry tracing for the server.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/tanglenomicon/tangle-jobs"

// Config controls trace export. Tracing is a no-op unless Enabled.
type Config struct {
	Enabled        bool
	Endpoint       string
	Insecure       bool
	ServiceName    string
	ServiceVersion string
}

// Init installs a global tracer provider exporting over OTLP/gRPC. The
// returned func flushes and stops it.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("telemetry enabled without an endpoint")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartJobSpan starts a span for an operation on one job.
func StartJobSpan(ctx context.Context, op, jobID string, kind string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "job."+op, trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.kind", kind),
	))
}

// SetJobID records the job a span ended up operating on.
func SetJobID(span trace.Span, jobID string) {
	span.SetAttributes(attribute.String("job.id", jobID))
}

// StartStencilSpan starts a span for work on a stencil.
func StartStencilSpan(ctx context.Context, op, stencilID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "stencil."+op, trace.WithAttributes(
		attribute.String("stencil.id", stencilID),
	))
}

// StartStorageSpan starts a client span against a store backend.
func StartStorageSpan(ctx context.Context, op, backend string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "storage."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", backend)),
	)
}

// RecordError marks span failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
