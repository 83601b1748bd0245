// Package rgconfig builds the default retry configuration for a call,
// combining the teacher's functional-option pattern
// (middleware/retry.go's RetryOption over a Retry struct) with its
// env-var loader (pkg/tracing/config.go's getEnvOrDefault idiom), so a
// deployment can override defaults without recompiling.
package rgconfig

import (
	"os"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
)

// Config holds the defaults applied to a call's backoff settings before
// any per-call Option overrides run.
type Config struct {
	MaxAttempts          int
	InitialRetryDelay    time.Duration
	MaxRetryDelay        time.Duration
	RetryDelayMultiplier float64
	InitialRPCTimeout    time.Duration
	MaxRPCTimeout        time.Duration
	RPCTimeoutMultiplier float64
	TotalTimeout         time.Duration
	RetryCodes           []codes.Code
}

// DefaultConfig mirrors middleware/retry.go's NewRetry defaults (3
// attempts, 100ms initial backoff, 10s max backoff, 2x multiplier,
// Unavailable/ResourceExhausted/Aborted/DeadlineExceeded retryable),
// generalized with per-attempt RPC timeout fields the server-side
// middleware never needed.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:          3,
		InitialRetryDelay:    100 * time.Millisecond,
		MaxRetryDelay:        10 * time.Second,
		RetryDelayMultiplier: 2.0,
		InitialRPCTimeout:    0,
		MaxRPCTimeout:        0,
		RPCTimeoutMultiplier: 1.0,
		TotalTimeout:         0,
		RetryCodes: []codes.Code{
			codes.Unavailable,
			codes.ResourceExhausted,
			codes.Aborted,
			codes.DeadlineExceeded,
		},
	}
}

// Option configures a Config.
type Option func(*Config)

// WithMaxAttempts sets the maximum number of attempts, counting the first
// attempt as well as its retries.
func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.MaxAttempts = n
		}
	}
}

// WithInitialRetryDelay sets the first retry's backoff delay.
func WithInitialRetryDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.InitialRetryDelay = d
		}
	}
}

// WithMaxRetryDelay caps the backoff delay.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.MaxRetryDelay = d
		}
	}
}

// WithRetryDelayMultiplier sets the exponential backoff multiplier.
func WithRetryDelayMultiplier(m float64) Option {
	return func(c *Config) {
		if m > 1.0 {
			c.RetryDelayMultiplier = m
		}
	}
}

// WithTotalTimeout sets the absolute deadline across every attempt.
// Mutually exclusive with MaxAttempts as a retry budget, per
// gaxbackoff.Settings' invariant.
func WithTotalTimeout(d time.Duration) Option {
	return func(c *Config) { c.TotalTimeout = d }
}

// WithRetryCodes replaces the set of gRPC codes treated as retryable.
func WithRetryCodes(cs ...codes.Code) Option {
	return func(c *Config) { c.RetryCodes = cs }
}

// Load builds a Config from DefaultConfig, environment variable
// overrides, then opts, in that precedence order — the same layering
// pkg/tracing/config.go's DefaultConfig/getEnvOrDefault pair uses.
func Load(opts ...Option) *Config {
	c := DefaultConfig()
	applyEnv(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func applyEnv(c *Config) {
	if v, ok := envInt("RETRYENGINE_MAX_ATTEMPTS"); ok {
		c.MaxAttempts = v
	}
	if v, ok := envDuration("RETRYENGINE_INITIAL_RETRY_DELAY"); ok {
		c.InitialRetryDelay = v
	}
	if v, ok := envDuration("RETRYENGINE_MAX_RETRY_DELAY"); ok {
		c.MaxRetryDelay = v
	}
	if v, ok := envFloat("RETRYENGINE_RETRY_DELAY_MULTIPLIER"); ok {
		c.RetryDelayMultiplier = v
	}
	if v, ok := envDuration("RETRYENGINE_TOTAL_TIMEOUT"); ok {
		c.TotalTimeout = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
