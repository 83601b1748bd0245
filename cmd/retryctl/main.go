// Command retryctl demonstrates the retry engine end to end, adapted from
// the teacher's examples/retry-demo: an unstable in-process service that
// fails transiently, driven first with no retries and then through the
// gax streaming retry state machine under a few configurations, with
// logging, metrics and tracing wired in.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/grpc-guardian/retryengine/errdetail"
	"github.com/grpc-guardian/retryengine/rgconfig"
	"github.com/grpc-guardian/retryengine/rgmetrics"
	"github.com/grpc-guardian/retryengine/rgtracing"
	"github.com/grpc-guardian/retryengine/rpcstub"
	"github.com/grpc-guardian/retryengine/streamproxy"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const demoMethod = "demo.UnstableService/Call"

// unstableService simulates a server that fails 60% of the time, the same
// failure rate as the teacher's UnstableService.UnaryMethod.
type unstableService struct {
	requestCount int
}

func (s *unstableService) call(_ context.Context, _ any) (rpcstub.RequestStream, error) {
	s.requestCount++
	n := s.requestCount

	events := make(chan rpcstub.Event, 3)
	if rand.Float32() < 0.6 {
		fmt.Printf("[Server] Request #%d: Returning Unavailable error\n", n)
		events <- rpcstub.Event{
			Kind: rpcstub.EventError,
			Err:  errdetail.New(status.Error(codes.Unavailable, "service temporarily unavailable"), nil),
		}
	} else {
		fmt.Printf("[Server] Request #%d: Success!\n", n)
		events <- rpcstub.Event{Kind: rpcstub.EventData, Data: fmt.Sprintf("Success! Request #%d", n)}
		events <- rpcstub.Event{Kind: rpcstub.EventStatus, Status: rpcstub.Status{Code: 0, Message: "OK"}}
		events <- rpcstub.Event{Kind: rpcstub.EventEnd}
	}
	close(events)
	return &unstableStream{events: events}, nil
}

// unstableStream is the server-streaming RequestStream for one attempt.
// It never receives Send calls and ignores Cancel, since every attempt's
// events are queued up front.
type unstableStream struct {
	events chan rpcstub.Event
}

func (s *unstableStream) Events() <-chan rpcstub.Event { return s.events }
func (s *unstableStream) Send(any) error               { return nil }
func (s *unstableStream) CloseSend() error             { return nil }
func (s *unstableStream) Cancel()                      {}

// dispatchCounter counts every attempt dispatched through the
// rpcstub.StubCall boundary, independent of and underneath streamproxy's
// own per-attempt observers.
type dispatchCounter struct {
	mu sync.Mutex
	n  int
}

func (c *dispatchCounter) interceptor() rpcstub.Interceptor {
	return func(next rpcstub.StubCall) rpcstub.StubCall {
		return func(ctx context.Context, request any) (rpcstub.RequestStream, error) {
			c.mu.Lock()
			c.n++
			c.mu.Unlock()
			return next(ctx, request)
		}
	}
}

func (c *dispatchCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// loggingInterceptor logs each stub call dispatch at the rpcstub
// boundary, ahead of and separate from streamproxy's own attempt
// logging — the outermost layer of the chain guardian.go's
// Middleware/Chain pattern was adapted into.
func loggingInterceptor(logger *zap.Logger) rpcstub.Interceptor {
	return func(next rpcstub.StubCall) rpcstub.StubCall {
		return func(ctx context.Context, request any) (rpcstub.RequestStream, error) {
			logger.Debug("dispatching stub call", zap.String("method", demoMethod))
			return next(ctx, request)
		}
	}
}

// drain consumes a Proxy's events to completion and reports whether the
// call ultimately succeeded.
func drain(p *streamproxy.Proxy) (ok bool, err error) {
	for ev := range p.Events() {
		switch ev.Kind {
		case rpcstub.EventEnd:
			ok = true
		case rpcstub.EventError:
			err = ev.Err
		}
	}
	return ok, err
}

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	metrics, err := rgmetrics.NewPrometheusCollector()
	if err != nil {
		logger.Fatal("failed to build metrics collector", zap.Error(err))
	}
	tracing := rgtracing.NewConfig()
	dispatches := &dispatchCounter{}
	chain := rpcstub.NewChain(loggingInterceptor(logger)).Append(dispatches.interceptor())

	fmt.Println("=== Retry Engine Demo ===")
	fmt.Println()

	demoWithoutRetry(logger, chain)
	demoWithDefaultRetry(logger, metrics, tracing, chain)
	demoWithCustomConfiguration(logger, metrics, tracing, chain)
	demoWithTotalTimeout(logger, metrics, tracing, chain)

	printMetricsSummary(metrics)
	fmt.Printf("Total stub calls dispatched through the interceptor chain: %d\n", dispatches.count())
}

// demoWithoutRetry shows the bare single-attempt path (spec's REST
// passthrough / no-retry bypass mode), mirroring the teacher's Demo 1.
func demoWithoutRetry(logger *zap.Logger, chain *rpcstub.Chain) {
	fmt.Println("Demo 1: Without Retry")
	fmt.Println("======================")

	svc := &unstableService{}
	call := chain.Wrap(svc.call)
	successCount := 0
	for i := 1; i <= 5; i++ {
		p := streamproxy.New(context.Background(), streamproxy.ServerStreaming, call, nil, nil,
			streamproxy.WithRESTTransport(),
			streamproxy.WithLogger(logger),
			streamproxy.WithMethod(demoMethod),
		)
		ok, err := drain(p)
		if ok {
			successCount++
			fmt.Printf("[Client] Request %d: SUCCESS\n", i)
		} else {
			fmt.Printf("[Client] Request %d: FAILED - %v\n", i, err)
		}
	}
	fmt.Printf("\nResult: %d/5 requests succeeded\n\n", successCount)
}

// demoWithDefaultRetry runs the same unstable service through the retry
// state machine under rgconfig's defaults, mirroring the teacher's Demo 2.
func demoWithDefaultRetry(logger *zap.Logger, metrics *rgmetrics.PrometheusCollector, tracing *rgtracing.Config, chain *rpcstub.Chain) {
	fmt.Println("Demo 2: With Retry (Default Config)")
	fmt.Println("====================================")

	cfg := rgconfig.Load()
	runRetryDemo(logger, metrics, tracing, chain, cfg, 5)
}

// demoWithCustomConfiguration widens the retry budget and narrows the
// retryable code set, mirroring the teacher's Demo 3.
func demoWithCustomConfiguration(logger *zap.Logger, metrics *rgmetrics.PrometheusCollector, tracing *rgtracing.Config, chain *rpcstub.Chain) {
	fmt.Println("Demo 3: Custom Retry Configuration")
	fmt.Println("===================================")
	fmt.Println("Config: max 5 attempts, 50ms initial delay, 2x multiplier")

	cfg := rgconfig.Load(
		rgconfig.WithMaxAttempts(5),
		rgconfig.WithInitialRetryDelay(50*time.Millisecond),
		rgconfig.WithRetryDelayMultiplier(2.0),
		rgconfig.WithRetryCodes(codes.Unavailable, codes.ResourceExhausted),
	)
	runRetryDemo(logger, metrics, tracing, chain, cfg, 3)
}

// demoWithTotalTimeout bounds the whole retry budget by wall-clock time
// instead of attempt count, exercising the TotalTimeout/MaxAttempts
// mutual-exclusion Policy() enforces.
func demoWithTotalTimeout(logger *zap.Logger, metrics *rgmetrics.PrometheusCollector, tracing *rgtracing.Config, chain *rpcstub.Chain) {
	fmt.Println("Demo 4: Total Timeout Budget")
	fmt.Println("============================")
	fmt.Println("Config: 300ms total timeout across all attempts")

	cfg := rgconfig.Load(
		rgconfig.WithTotalTimeout(300 * time.Millisecond),
		rgconfig.WithInitialRetryDelay(50*time.Millisecond),
	)
	runRetryDemo(logger, metrics, tracing, chain, cfg, 3)
}

func runRetryDemo(logger *zap.Logger, metrics *rgmetrics.PrometheusCollector, tracing *rgtracing.Config, chain *rpcstub.Chain, cfg *rgconfig.Config, requests int) {
	svc := &unstableService{}
	call := chain.Wrap(svc.call)
	successCount := 0
	for i := 1; i <= requests; i++ {
		metricsObs := rgmetrics.NewObserver(demoMethod, metrics)
		tracingObs := rgtracing.NewObserver(context.Background(), tracing, demoMethod)

		start := time.Now()
		p := streamproxy.New(context.Background(), streamproxy.ServerStreaming, call, nil, cfg.Policy(),
			streamproxy.WithGAXStreamingRetries(),
			streamproxy.WithLogger(logger),
			streamproxy.WithMethod(demoMethod),
			streamproxy.WithObserver(streamproxy.MultiObserver{metricsObs, tracingObs}),
		)
		ok, err := drain(p)
		duration := time.Since(start)

		if ok {
			successCount++
			fmt.Printf("[Client] Request %d: SUCCESS after %s\n", i, duration.Round(time.Millisecond))
		} else {
			fmt.Printf("[Client] Request %d: FAILED after %s - %v\n", i, duration.Round(time.Millisecond), err)
		}
	}
	fmt.Printf("\nResult: %d/%d requests succeeded\n\n", successCount, requests)
}

func printMetricsSummary(metrics *rgmetrics.PrometheusCollector) {
	families, err := metrics.GetRegistry().Gather()
	if err != nil {
		fmt.Printf("failed to gather metrics: %v\n", err)
		return
	}

	fmt.Println("=== Metrics Summary ===")
	for _, f := range families {
		fmt.Printf("%s: %d series\n", f.GetName(), len(f.GetMetric()))
	}
}
