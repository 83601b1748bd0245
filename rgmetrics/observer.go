package rgmetrics

import (
	"sync"
	"time"

	"google.golang.org/grpc/codes"
)

// Observer satisfies streamproxy.AttemptObserver, recording every attempt's
// duration and outcome into a Collector. It is defined without importing
// streamproxy so the dependency runs metrics -> collector only.
type Observer struct {
	method    string
	collector Collector

	mu     sync.Mutex
	starts map[int]time.Time
}

// NewObserver builds an Observer that reports attempts for method against
// collector.
func NewObserver(method string, collector Collector) *Observer {
	return &Observer{
		method:    method,
		collector: collector,
		starts:    make(map[int]time.Time),
	}
}

// OnAttemptStart records the attempt's start time and bumps the
// active-stream gauge on the first attempt.
func (o *Observer) OnAttemptStart(attempt int) {
	o.mu.Lock()
	o.starts[attempt] = time.Now()
	o.mu.Unlock()

	if attempt == 1 {
		o.collector.RecordActiveStreams(o.method, 1)
	}
}

// OnAttemptEnd records the attempt's duration and outcome, and a retry
// counter when the attempt is retryable.
func (o *Observer) OnAttemptEnd(attempt int, code codes.Code, retryable bool) {
	o.mu.Lock()
	start, ok := o.starts[attempt]
	delete(o.starts, attempt)
	o.mu.Unlock()

	var duration time.Duration
	if ok {
		duration = time.Since(start)
	}

	o.collector.RecordAttempt(o.method, attempt, code, duration)
	if retryable {
		o.collector.RecordRetry(o.method, code)
		return
	}
	o.collector.RecordActiveStreams(o.method, -1)
}
