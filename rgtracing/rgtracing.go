// Package rgtracing provides per-attempt span instrumentation and exporter
// bootstrap, grounded on middleware/tracing.go's span start/attribute/
// error-recording sequence — generalized from a server-side unary
// interceptor span to a client-side call-attempt span — and
// pkg/tracing/config.go's Jaeger exporter setup.
package rgtracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
)

// Config holds the tracer used to start attempt spans.
type Config struct {
	Tracer     trace.Tracer
	TracerName string
	ExtraAttrs []attribute.KeyValue
}

// Option configures a Config.
type Option func(*Config)

// WithTracer sets a custom tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Config) { c.Tracer = tracer }
}

// WithTracerName sets the tracer name used when no explicit Tracer is set.
func WithTracerName(name string) Option {
	return func(c *Config) { c.TracerName = name }
}

// WithExtraAttributes adds attributes to every span this Config starts.
func WithExtraAttributes(attrs ...attribute.KeyValue) Option {
	return func(c *Config) { c.ExtraAttrs = append(c.ExtraAttrs, attrs...) }
}

// NewConfig builds a Config, defaulting to the global tracer provider
// under the name "retryengine" the way middleware/tracing.go's Tracing
// defaults TracerName to "grpc-guardian".
func NewConfig(opts ...Option) *Config {
	c := &Config{TracerName: "retryengine"}
	for _, opt := range opts {
		opt(c)
	}
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(c.TracerName)
	}
	return c
}

// StartAttemptSpan starts a span for one call attempt, attributed with
// the method and attempt number, mirroring middleware/tracing.go's
// rpc.system/rpc.service/rpc.method attribute set.
func (c *Config) StartAttemptSpan(ctx context.Context, method string, attempt int) (context.Context, trace.Span) {
	ctx, span := c.Tracer.Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(c.ExtraAttrs...),
	)
	span.SetAttributes(
		attribute.String("rpc.system", "grpc"),
		attribute.String("rpc.method", method),
		attribute.Int("retry.attempt", attempt),
	)
	return ctx, span
}

// EndAttemptSpan records the attempt's outcome on span and ends it,
// mirroring middleware/tracing.go's error/status handling.
func EndAttemptSpan(span trace.Span, code codes.Code, retryable bool) {
	span.SetAttributes(
		attribute.String("rpc.grpc.status_code", code.String()),
		attribute.Bool("retry.retryable", retryable),
	)
	if code == codes.OK {
		span.SetStatus(otelcodes.Ok, "")
	} else {
		span.SetStatus(otelcodes.Error, code.String())
	}
	span.End()
}
