package rgtracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
)

// Observer satisfies streamproxy.AttemptObserver, starting and ending one
// span per call attempt. It is defined without importing streamproxy, the
// same structural-typing seam rgmetrics.Observer uses.
type Observer struct {
	cfg    *Config
	ctx    context.Context
	method string

	mu    sync.Mutex
	spans map[int]trace.Span
}

// NewObserver builds an Observer that starts attempt spans against ctx
// (the parent context the caller supplies to the retried call).
func NewObserver(ctx context.Context, cfg *Config, method string) *Observer {
	return &Observer{
		cfg:    cfg,
		ctx:    ctx,
		method: method,
		spans:  make(map[int]trace.Span),
	}
}

// OnAttemptStart starts a span for attempt.
func (o *Observer) OnAttemptStart(attempt int) {
	_, span := o.cfg.StartAttemptSpan(o.ctx, o.method, attempt)
	o.mu.Lock()
	o.spans[attempt] = span
	o.mu.Unlock()
}

// OnAttemptEnd records the outcome on attempt's span and ends it.
func (o *Observer) OnAttemptEnd(attempt int, code codes.Code, retryable bool) {
	o.mu.Lock()
	span, ok := o.spans[attempt]
	delete(o.spans, attempt)
	o.mu.Unlock()
	if !ok {
		return
	}
	EndAttemptSpan(span, code, retryable)
}
