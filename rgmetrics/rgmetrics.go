// Package rgmetrics provides the Collector interface and Config options for
// retry-attempt metrics, grounded on pkg/metrics/types.go. The teacher's
// collector is shaped around a finished unary server call (method, code,
// duration); this one is retargeted at a call attempt within a retried
// stream (method, attempt number, terminal outcome), since that is the unit
// streamproxy actually observes.
package rgmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
)

// Collector records the lifecycle of retried call attempts.
type Collector interface {
	// RecordAttempt records one completed call attempt.
	RecordAttempt(method string, attempt int, code codes.Code, duration time.Duration)

	// RecordRetry records that an attempt failed with a retryable error and
	// another attempt was scheduled.
	RecordRetry(method string, code codes.Code)

	// RecordActiveStreams updates the active-stream gauge.
	RecordActiveStreams(method string, delta int)

	// GetRegistry returns the Prometheus registry backing this collector.
	GetRegistry() *prometheus.Registry
}

// Config holds configuration for a Collector.
type Config struct {
	Namespace              string
	Subsystem              string
	EnableHistogram        bool
	HistogramBuckets       []float64
	EnablePerMethodMetrics bool
	ConstLabels            map[string]string
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() *Config {
	return &Config{
		Namespace:              "retryengine",
		Subsystem:              "client",
		EnableHistogram:        true,
		EnablePerMethodMetrics: true,
		HistogramBuckets: []float64{
			0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
		},
		ConstLabels: make(map[string]string),
	}
}

// ConfigOption configures a Config.
type ConfigOption func(*Config)

// WithNamespace sets the namespace for metrics.
func WithNamespace(namespace string) ConfigOption {
	return func(c *Config) { c.Namespace = namespace }
}

// WithSubsystem sets the subsystem for metrics.
func WithSubsystem(subsystem string) ConfigOption {
	return func(c *Config) { c.Subsystem = subsystem }
}

// WithHistogramBuckets sets custom histogram buckets.
func WithHistogramBuckets(buckets []float64) ConfigOption {
	return func(c *Config) { c.HistogramBuckets = buckets }
}

// WithConstLabels sets constant labels applied to every metric.
func WithConstLabels(labels map[string]string) ConfigOption {
	return func(c *Config) { c.ConstLabels = labels }
}

// WithoutHistogram disables the attempt-duration histogram.
func WithoutHistogram() ConfigOption {
	return func(c *Config) { c.EnableHistogram = false }
}

// WithoutPerMethodMetrics collapses the method label out of every metric.
func WithoutPerMethodMetrics() ConfigOption {
	return func(c *Config) { c.EnablePerMethodMetrics = false }
}
