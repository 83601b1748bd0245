package rgmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
)

// PrometheusCollector implements Collector on top of a dedicated registry,
// grounded on pkg/metrics/prometheus.go's initMetrics/Record* shape.
type PrometheusCollector struct {
	config   *Config
	registry *prometheus.Registry

	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	activeStreams   *prometheus.GaugeVec
}

// NewPrometheusCollector builds a Collector and registers its metrics.
func NewPrometheusCollector(opts ...ConfigOption) (*PrometheusCollector, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	c := &PrometheusCollector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	if err := c.initMetrics(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *PrometheusCollector) initMetrics() error {
	labels := []string{"method", "code"}
	if !c.config.EnablePerMethodMetrics {
		labels = []string{"code"}
	}

	c.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "attempts_total",
			Help:        "Total number of call attempts made by the retry engine",
			ConstLabels: c.config.ConstLabels,
		},
		labels,
	)

	if c.config.EnableHistogram {
		c.attemptDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   c.config.Namespace,
				Subsystem:   c.config.Subsystem,
				Name:        "attempt_duration_seconds",
				Help:        "Histogram of call attempt duration in seconds",
				Buckets:     c.config.HistogramBuckets,
				ConstLabels: c.config.ConstLabels,
			},
			labels,
		)
	}

	retryLabels := []string{"method", "code"}
	if !c.config.EnablePerMethodMetrics {
		retryLabels = []string{"code"}
	}
	c.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "retries_total",
			Help:        "Total number of retries scheduled after a transient error",
			ConstLabels: c.config.ConstLabels,
		},
		retryLabels,
	)

	gaugeLabels := []string{"method"}
	if !c.config.EnablePerMethodMetrics {
		gaugeLabels = []string{}
	}
	c.activeStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "active_streams",
			Help:        "Number of retry streams currently in flight",
			ConstLabels: c.config.ConstLabels,
		},
		gaugeLabels,
	)

	c.registry.MustRegister(c.attemptsTotal, c.retriesTotal, c.activeStreams)
	if c.config.EnableHistogram {
		c.registry.MustRegister(c.attemptDuration)
	}
	return nil
}

// RecordAttempt records one completed call attempt.
func (c *PrometheusCollector) RecordAttempt(method string, attempt int, code codes.Code, duration time.Duration) {
	labels := []string{method, code.String()}
	if !c.config.EnablePerMethodMetrics {
		labels = []string{code.String()}
	}
	c.attemptsTotal.WithLabelValues(labels...).Inc()
	if c.config.EnableHistogram {
		c.attemptDuration.WithLabelValues(labels...).Observe(duration.Seconds())
	}
}

// RecordRetry records a scheduled retry after a transient error.
func (c *PrometheusCollector) RecordRetry(method string, code codes.Code) {
	labels := []string{method, code.String()}
	if !c.config.EnablePerMethodMetrics {
		labels = []string{code.String()}
	}
	c.retriesTotal.WithLabelValues(labels...).Inc()
}

// RecordActiveStreams updates the active-stream gauge.
func (c *PrometheusCollector) RecordActiveStreams(method string, delta int) {
	if c.config.EnablePerMethodMetrics {
		c.activeStreams.WithLabelValues(method).Add(float64(delta))
	} else {
		c.activeStreams.WithLabelValues().Add(float64(delta))
	}
}

// GetRegistry returns the Prometheus registry backing this collector.
func (c *PrometheusCollector) GetRegistry() *prometheus.Registry {
	return c.registry
}

// MustRegister registers an additional custom collector on the same registry.
func (c *PrometheusCollector) MustRegister(collectors ...prometheus.Collector) {
	c.registry.MustRegister(collectors...)
}

// Unregister removes a previously registered collector.
func (c *PrometheusCollector) Unregister(collector prometheus.Collector) bool {
	return c.registry.Unregister(collector)
}
