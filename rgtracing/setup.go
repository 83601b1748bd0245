package rgtracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// ExporterConfig configures the Jaeger exporter and resource attributes
// for the process running the retry engine, mirroring
// pkg/tracing/config.go's Config/DefaultConfig pair.
type ExporterConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	SamplingRate   float64
}

// DefaultExporterConfig mirrors pkg/tracing/config.go's DefaultConfig,
// retargeted at this module's service name and env-var prefix.
func DefaultExporterConfig() *ExporterConfig {
	return &ExporterConfig{
		Enabled:        true,
		ServiceName:    "retryengine-client",
		ServiceVersion: "1.0.0",
		Environment:    getEnvOrDefault("RETRYENGINE_ENVIRONMENT", "development"),
		Endpoint:       getEnvOrDefault("RETRYENGINE_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		SamplingRate:   1.0,
	}
}

// Setup initializes the global tracer provider from cfg, registering a
// Jaeger exporter and the W3C propagators. Returns (nil, nil) when
// cfg.Enabled is false.
func Setup(cfg *ExporterConfig) (*sdktrace.TracerProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return tp, nil
}

// Shutdown gracefully flushes and stops tp. A nil tp is a no-op.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
