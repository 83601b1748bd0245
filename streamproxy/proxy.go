// Package streamproxy implements the duplex stream proxy and retry state
// machine described in spec §4.4 — the core of the retry engine. It
// presents one logical stream to a consumer across one or more upstream
// attempts, synthesizing a response event, retrying retryable failures
// with backoff, and rebuilding the request via the retry policy.
//
// Grounded on the teacher's middleware/retry.go StreamClientInterceptor
// (attempt loop, backoff-then-retry shape) and middleware/timeout.go's
// goroutine+select-on-done idiom, generalized from a gRPC server
// interceptor chain to a client-side attempt pump.
package streamproxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grpc-guardian/retryengine/errdetail"
	"github.com/grpc-guardian/retryengine/gaxbackoff"
	"github.com/grpc-guardian/retryengine/retrypolicy"
	"github.com/grpc-guardian/retryengine/rglog"
	"github.com/grpc-guardian/retryengine/rpcstub"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// CallType selects how a Proxy relays and retries a call.
type CallType int

const (
	ServerStreaming CallType = iota
	ClientStreaming
	BidiStreaming
)

const noteNotTransient = "Exception occurred in retry method that was not classified as transient"

// Option configures a Proxy, in the teacher's functional-option idiom
// (RetryOption/TimeoutOption/CircuitBreakerOption).
type Option func(*Proxy)

// WithRESTTransport marks the call as REST-transport server streaming:
// single attempt, piped through unchanged, never retried (spec §4.4 mode
// selection).
func WithRESTTransport() Option {
	return func(p *Proxy) { p.restTransport = true }
}

// WithGAXStreamingRetries enables the new retry state machine (spec
// §4.4.2) for server-streaming calls, instead of the legacy pass-through
// retry helper.
func WithGAXStreamingRetries() Option {
	return func(p *Proxy) { p.gaxStreamingRetries = true }
}

// WithLogger sets the zap logger used for attempt/retry/terminal
// diagnostics (ambient stack, SPEC_FULL.md §5).
func WithLogger(logger *zap.Logger) Option {
	return func(p *Proxy) { p.logger = rglog.New(logger) }
}

// WithMethod names the call in attempt/retry/terminal log entries.
// Defaults to "", which is logged as an empty method field.
func WithMethod(method string) Option {
	return func(p *Proxy) { p.method = method }
}

// WithLegacyMaxRetries sets the bound used by the legacy ("no response")
// retry wrapper when gaxStreamingRetries is not enabled. Defaults to 2.
func WithLegacyMaxRetries(n int) Option {
	return func(p *Proxy) { p.legacyMaxRetries = n }
}

// AttemptObserver receives lifecycle notifications for each attempt, used
// to wire tracing/metrics without streamproxy importing those packages
// directly.
type AttemptObserver interface {
	OnAttemptStart(attempt int)
	OnAttemptEnd(attempt int, code codes.Code, retryable bool)
}

// WithObserver registers an AttemptObserver.
func WithObserver(o AttemptObserver) Option {
	return func(p *Proxy) { p.observer = o }
}

// MultiObserver fans an attempt's lifecycle notifications out to several
// observers, in order — used to wire both rgmetrics.Observer and
// rgtracing.Observer onto the same Proxy via one WithObserver call.
type MultiObserver []AttemptObserver

func (m MultiObserver) OnAttemptStart(attempt int) {
	for _, o := range m {
		o.OnAttemptStart(attempt)
	}
}

func (m MultiObserver) OnAttemptEnd(attempt int, code codes.Code, retryable bool) {
	for _, o := range m {
		o.OnAttemptEnd(attempt, code, retryable)
	}
}

// Proxy is the duplex stream proxy: a single logical stream over one or
// more upstream attempts.
type Proxy struct {
	callType            CallType
	call                rpcstub.StubCall
	policy              *retrypolicy.Policy
	restTransport       bool
	gaxStreamingRetries bool
	legacyMaxRetries    int
	logger              *rglog.Logger
	method              string
	observer            AttemptObserver

	parentCtx context.Context
	out       chan rpcstub.Event

	mu              sync.Mutex
	cancelRequested bool
	current         rpcstub.RequestStream
	cancelSignal    chan struct{}

	// retry state, owned exclusively by the pump goroutine
	retryCount        int
	deadline          *time.Time
	currentRPCTimeout time.Duration
}

// New creates a Proxy and starts its attempt pump in the background. The
// consumer reads from Events() and may call Cancel() at any time.
func New(ctx context.Context, callType CallType, call rpcstub.StubCall, request any, policy *retrypolicy.Policy, opts ...Option) *Proxy {
	p := &Proxy{
		callType:         callType,
		call:             call,
		policy:           policy,
		legacyMaxRetries: 2,
		logger:           rglog.New(nil),
		parentCtx:        ctx,
		out:              make(chan rpcstub.Event, 16),
		cancelSignal:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.run(request)

	return p
}

// Events returns the consumer-facing event channel. It is closed after
// the terminal event (end or error) has been sent.
func (p *Proxy) Events() <-chan rpcstub.Event {
	return p.out
}

// Cancel cancels the live upstream attempt (if any) and prevents any
// pending retry from starting. A Cancel after terminal completion is a
// no-op.
func (p *Proxy) Cancel() {
	p.mu.Lock()
	if p.cancelRequested {
		p.mu.Unlock()
		return
	}
	p.cancelRequested = true
	current := p.current
	close(p.cancelSignal)
	p.mu.Unlock()

	if current != nil {
		current.Cancel()
	}
}

func (p *Proxy) isCancelRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelRequested
}

func (p *Proxy) setCurrent(s rpcstub.RequestStream) {
	p.mu.Lock()
	p.current = s
	p.mu.Unlock()
}

// run is the pump goroutine: it owns all retry state and is the sole
// writer to p.out, which is what makes the strict consumer ordering
// guarantee (spec §5) fall out of single-writer sequencing.
func (p *Proxy) run(request any) {
	defer close(p.out)

	if err := retrypolicy.RequireNewEngineForResumption(p.policy, p.gaxStreamingRetries); err != nil {
		p.out <- rpcstub.Event{Kind: rpcstub.EventError, Err: err}
		p.logger.Terminal(p.method, 1, codes.Unknown, err.Error())
		return
	}

	switch {
	case p.callType == ServerStreaming && p.restTransport:
		p.runRESTPassthrough(request)
	case p.callType == ServerStreaming && p.gaxStreamingRetries:
		p.runRetryStateMachine(request)
	case p.callType == ServerStreaming:
		p.runLegacyWrapper(request)
	default: // ClientStreaming, BidiStreaming
		p.runNoRetryBypass(request)
	}
}

// runRESTPassthrough forwards a single attempt's events verbatim, with
// no response synthesis and no retry — a REST-native transport parses
// its own lifecycle and this proxy must not reinterpret it.
func (p *Proxy) runRESTPassthrough(request any) {
	p.logger.AttemptStart(p.method, 1)
	stream, err := p.call(p.parentCtx, request)
	if err != nil {
		p.out <- rpcstub.Event{Kind: rpcstub.EventError, Err: err}
		p.logger.Terminal(p.method, 1, statusCode(err), "")
		return
	}
	p.setCurrent(stream)

	for ev := range stream.Events() {
		p.out <- ev
		if ev.Kind == rpcstub.EventError {
			p.logger.Terminal(p.method, 1, statusCode(ev.Err), "")
			return
		}
		if ev.Kind == rpcstub.EventEnd {
			p.logger.Terminal(p.method, 1, codes.OK, "")
			return
		}
	}
}

// runNoRetryBypass handles client-streaming and bidi-streaming: one
// upstream attempt, standard event forwarding/synthesis, cancel
// propagated, no retry regardless of policy.
func (p *Proxy) runNoRetryBypass(request any) {
	p.logger.AttemptStart(p.method, 1)
	stream, err := p.call(p.parentCtx, request)
	if err != nil {
		p.out <- rpcstub.Event{Kind: rpcstub.EventError, Err: err}
		p.logger.Terminal(p.method, 1, statusCode(err), "")
		return
	}
	p.setCurrent(stream)
	outcome := p.forwardAttempt(stream, nil)
	switch outcome.terminal {
	case terminalEnd:
		p.logger.Terminal(p.method, 1, codes.OK, "")
	case terminalCanceled:
		p.out <- *outcome.errEvent
		p.logger.Canceled(p.method, 1)
	case terminalError:
		p.out <- *outcome.errEvent
		p.logger.Terminal(p.method, 1, statusCode(outcome.errEvent.Err), "")
	}
}

// runLegacyWrapper implements the pre-gaxStreamingRetries server
// streaming behavior: retries only on transport-level "no response"
// errors (Unavailable), bounded by legacyMaxRetries (default 2), and
// does not preserve already-delivered-data semantics across a retry —
// each retried attempt restarts from the original request.
func (p *Proxy) runLegacyWrapper(request any) {
	attempts := 0
	for {
		if p.isCancelRequested() {
			p.emitCanceled()
			return
		}

		p.logger.AttemptStart(p.method, attempts+1)
		stream, err := p.call(p.parentCtx, request)
		if err != nil {
			if attempts < p.legacyMaxRetries && statusCode(err) == codes.Unavailable {
				p.logger.RetryScheduled(p.method, attempts+1, codes.Unavailable, 0)
				attempts++
				continue
			}
			p.out <- rpcstub.Event{Kind: rpcstub.EventError, Err: err}
			p.logger.Terminal(p.method, attempts+1, statusCode(err), "")
			return
		}
		p.setCurrent(stream)

		outcome := p.forwardAttempt(stream, nil)
		if outcome.terminal == terminalEnd {
			p.logger.Terminal(p.method, attempts+1, codes.OK, "")
			return
		}
		if outcome.terminal == terminalCanceled {
			p.out <- *outcome.errEvent
			p.logger.Canceled(p.method, attempts+1)
			return
		}
		// terminalError: retry only if it's a bare "no response" error
		// and we haven't exceeded the bound.
		if p.isCancelRequested() {
			p.out <- *outcome.errEvent
			return
		}
		if attempts < p.legacyMaxRetries && outcome.errEvent.Err != nil && codes.Code(statusCode(outcome.errEvent.Err)) == codes.Unavailable {
			p.logger.RetryScheduled(p.method, attempts+1, codes.Unavailable, 0)
			attempts++
			continue
		}
		p.out <- *outcome.errEvent
		p.logger.Terminal(p.method, attempts+1, statusCode(outcome.errEvent.Err), "")
		return
	}
}

func (p *Proxy) emitCanceled() {
	p.out <- rpcstub.Event{
		Kind: rpcstub.EventError,
		Err:  errdetail.New(canceledErr{}, nil),
	}
	p.logger.Canceled(p.method, p.retryCount+1)
}

type canceledErr struct{}

func (canceledErr) Error() string { return "context canceled" }

func statusCode(err error) codes.Code {
	e, ok := err.(*errdetail.Error)
	if ok {
		return e.Code
	}
	return codes.Unknown
}

// terminalKind describes how forwardAttempt's event loop ended.
type terminalKind int

const (
	terminalEnd terminalKind = iota
	terminalError
	terminalCanceled
)

type forwardOutcome struct {
	terminal terminalKind
	errEvent *rpcstub.Event
}

// forwardAttempt runs spec §4.4.1's event forwarding for one attempt:
// relays metadata/response/status by identity, synthesizes exactly one
// response event before any data, and buffers end until status has also
// arrived. onData, if non-nil, is invoked for every data event (used by
// the retry state machine to reset retryCount).
func (p *Proxy) forwardAttempt(stream rpcstub.RequestStream, onData func()) forwardOutcome {
	responseEmitted := false
	statusReceived := false
	dataEnd := false

	for ev := range stream.Events() {
		switch ev.Kind {
		case rpcstub.EventMetadata:
			p.out <- ev
			if !responseEmitted {
				p.out <- synthesizeResponse(ev.Metadata)
				responseEmitted = true
			}
		case rpcstub.EventResponse:
			p.out <- ev
			responseEmitted = true
		case rpcstub.EventData:
			if !responseEmitted {
				p.out <- synthesizeResponse(nil)
				responseEmitted = true
			}
			p.out <- ev
			if onData != nil {
				onData()
			}
		case rpcstub.EventStatus:
			if !responseEmitted {
				p.out <- synthesizeResponse(nil)
				responseEmitted = true
			}
			p.out <- ev
			statusReceived = true
			if dataEnd {
				p.out <- rpcstub.Event{Kind: rpcstub.EventEnd}
				return forwardOutcome{terminal: terminalEnd}
			}
		case rpcstub.EventEnd:
			dataEnd = true
			if statusReceived {
				p.out <- rpcstub.Event{Kind: rpcstub.EventEnd}
				return forwardOutcome{terminal: terminalEnd}
			}
		case rpcstub.EventError:
			if p.isCancelRequested() {
				evCopy := ev
				return forwardOutcome{terminal: terminalCanceled, errEvent: &evCopy}
			}
			evCopy := ev
			return forwardOutcome{terminal: terminalError, errEvent: &evCopy}
		}
	}
	// Upstream closed its event channel without a terminal event; treat
	// as end for robustness against misbehaving fakes/transports.
	return forwardOutcome{terminal: terminalEnd}
}

func synthesizeResponse(md rpcstub.Metadata) rpcstub.Event {
	return rpcstub.Event{
		Kind: rpcstub.EventResponse,
		Response: rpcstub.ResponseEnvelope{
			Code:     200,
			Message:  "OK",
			Metadata: md,
		},
	}
}

// runRetryStateMachine implements spec §4.4.2 in full: classification of
// terminal errors via the policy, exponential backoff between attempts,
// per-attempt RPC timeouts bounded by the total deadline, retryCount
// reset on data, the exceeded-budget checks, and the three ways an
// attempt can end in a non-retryable terminal note.
func (p *Proxy) runRetryStateMachine(request any) {
	now := time.Now()
	if p.policy.Backoff.TotalTimeout != nil {
		d := now.Add(*p.policy.Backoff.TotalTimeout)
		p.deadline = &d
	}
	p.currentRPCTimeout = p.policy.Backoff.InitialRPCTimeout

	currentRequest := request

	for {
		if p.isCancelRequested() {
			p.emitCanceled()
			return
		}

		attemptCtx := p.parentCtx
		var cancelAttempt context.CancelFunc
		if p.currentRPCTimeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(p.parentCtx, p.currentRPCTimeout)
		}

		p.logger.AttemptStart(p.method, p.retryCount+1)
		if p.observer != nil {
			p.observer.OnAttemptStart(p.retryCount + 1)
		}

		stream, err := p.call(attemptCtx, currentRequest)
		if err != nil {
			if cancelAttempt != nil {
				cancelAttempt()
			}
			if p.handleAttemptError(errdetail.New(err, nil), &currentRequest) {
				continue
			}
			return
		}
		p.setCurrent(stream)

		outcome := p.forwardAttempt(stream, func() {
			p.retryCount = 0
		})
		if cancelAttempt != nil {
			cancelAttempt()
		}

		switch outcome.terminal {
		case terminalEnd:
			p.logger.Terminal(p.method, p.retryCount+1, codes.OK, "")
			if p.observer != nil {
				p.observer.OnAttemptEnd(p.retryCount+1, codes.OK, false)
			}
			return
		case terminalCanceled:
			p.out <- *outcome.errEvent
			p.logger.Canceled(p.method, p.retryCount+1)
			return
		case terminalError:
			gaxErr := toErrdetailError(outcome.errEvent.Err)
			if p.handleAttemptError(gaxErr, &currentRequest) {
				continue
			}
			return
		}
	}
}

func toErrdetailError(err error) *errdetail.Error {
	if e, ok := err.(*errdetail.Error); ok {
		return e
	}
	return errdetail.New(err, nil)
}

// handleAttemptError classifies one attempt's terminal error and either
// arms the next attempt (returning true after sleeping out the backoff
// delay) or emits the final terminal error event (returning false).
func (p *Proxy) handleAttemptError(err *errdetail.Error, currentRequest *any) bool {
	decoded := errdetail.DecodeStatusDetails(err)

	if !p.policy.Backoff.HasBudget() {
		decoded = decoded.WithNote(noteNotTransient)
		p.emitTerminalError(decoded)
		return false
	}
	if p.policy.Backoff.Validate() {
		p.emitTerminalError(&errdetail.Error{
			Code:    codes.InvalidArgument,
			Message: "Cannot set both totalTimeoutMillis and maxRetries in backoffSettings.",
		})
		return false
	}
	if retrypolicy.Classify(decoded, p.policy) != retrypolicy.Retry {
		decoded = decoded.WithNote(noteNotTransient)
		p.emitTerminalError(decoded)
		return false
	}
	if mr := p.policy.Backoff.MaxRetries; mr != nil && *mr == 0 {
		decoded = decoded.WithNote("Max retries is set to zero.")
		p.emitTerminalError(decoded)
		return false
	}

	reason := gaxbackoff.Exceeded(p.retryCount, time.Now(), p.deadline, p.policy.Backoff.MaxRetries)
	switch reason {
	case gaxbackoff.MaxRetriesExceeded:
		note := fmt.Sprintf("Exceeded maximum number of retries retrying error %v before any response was received", decoded)
		p.emitTerminalError(deadlineExceeded(note))
		return false
	case gaxbackoff.DeadlineExceeded:
		totalMs := int64(0)
		if p.policy.Backoff.TotalTimeout != nil {
			totalMs = p.policy.Backoff.TotalTimeout.Milliseconds()
		}
		note := fmt.Sprintf("Total timeout of API exceeded %d milliseconds retrying error %v before any response was received.", totalMs, decoded)
		p.emitTerminalError(deadlineExceeded(note))
		return false
	}

	delays := gaxbackoff.NextDelay(p.retryCount, p.policy.Backoff, time.Now(), p.deadline)
	p.retryCount++
	p.currentRPCTimeout = delays.Timeout

	p.logger.RetryScheduled(p.method, p.retryCount, decoded.Code, delays.Delay)
	if p.observer != nil {
		p.observer.OnAttemptEnd(p.retryCount, decoded.Code, true)
	}

	if p.isCancelRequested() {
		p.emitCanceled()
		return false
	}

	waitCh := make(chan struct{})
	timer := time.AfterFunc(gaxbackoff.Sleep(delays.Delay), func() { close(waitCh) })
	select {
	case <-waitCh:
	case <-p.cancelSignal:
		timer.Stop()
		p.emitCanceled()
		return false
	}

	*currentRequest = retrypolicy.NextRequest(*currentRequest, p.policy)
	return true
}

// emitTerminalError writes the final error event and records it through
// the logger and observer, keeping every non-retryable exit of
// handleAttemptError consistent.
func (p *Proxy) emitTerminalError(err *errdetail.Error) {
	p.out <- rpcstub.Event{Kind: rpcstub.EventError, Err: err}
	p.logger.Terminal(p.method, p.retryCount+1, err.Code, err.Note)
	if p.observer != nil {
		p.observer.OnAttemptEnd(p.retryCount+1, err.Code, false)
	}
}

func deadlineExceeded(message string) *errdetail.Error {
	return &errdetail.Error{Code: codes.DeadlineExceeded, Message: message}
}
