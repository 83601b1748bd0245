// Package fakestub is an in-memory rpcstub.RequestStream used by this
// module's tests, grounded on the teacher's style of hand-rolling a fake
// grpc.UnaryHandler/grpc.ClientStream in its own *_test.go files
// (middleware/retry_test.go, middleware/circuit_breaker_test.go) rather
// than pulling in a mocking library.
package fakestub

import (
	"context"
	"sync"

	"github.com/grpc-guardian/retryengine/rpcstub"
)

// Stream is a scriptable fake rpcstub.RequestStream: a test queues up the
// events one attempt should emit, and Stream delivers them in order over
// its Events channel.
type Stream struct {
	events   chan rpcstub.Event
	sent     []any
	mu       sync.Mutex
	canceled bool
	onCancel func()
}

// New creates a fake stream that will emit script, in order, then close
// its channel. If onCancel is non-nil it is invoked synchronously when
// Cancel is called, before any cancellation event is queued — tests use
// it to push a synthetic cancellation Event onto the stream.
func New(script []rpcstub.Event, onCancel func()) *Stream {
	s := &Stream{
		events:   make(chan rpcstub.Event, len(script)+1),
		onCancel: onCancel,
	}
	for _, e := range script {
		s.events <- e
	}
	return s
}

// Events implements rpcstub.RequestStream.
func (s *Stream) Events() <-chan rpcstub.Event { return s.events }

// Send implements rpcstub.RequestStream.
func (s *Stream) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

// CloseSend implements rpcstub.RequestStream.
func (s *Stream) CloseSend() error { return nil }

// Cancel implements rpcstub.RequestStream.
func (s *Stream) Cancel() {
	s.mu.Lock()
	already := s.canceled
	s.canceled = true
	s.mu.Unlock()
	if already {
		return
	}
	if s.onCancel != nil {
		s.onCancel()
	}
}

// Canceled reports whether Cancel has been called.
func (s *Stream) Canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// Sent returns the messages passed to Send, in order.
func (s *Stream) Sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.sent))
	copy(out, s.sent)
	return out
}

// Push delivers one more event on the stream, useful for scripts that
// need to emit an event in reaction to Cancel.
func (s *Stream) Push(e rpcstub.Event) {
	s.events <- e
}

// Close closes the underlying channel, signaling no further events.
func (s *Stream) Close() {
	close(s.events)
}

// Script is a queue of attempts: each call to the fake StubCall pops the
// next attempt's event script; once the scripts run out, the last one is
// reused for every further call.
type Script struct {
	mu       sync.Mutex
	attempts [][]rpcstub.Event
	Calls    []any // requests the StubCall was invoked with, in order
}

// NewScript builds a Script from per-attempt event lists.
func NewScript(attempts ...[]rpcstub.Event) *Script {
	return &Script{attempts: attempts}
}

// Call is an rpcstub.StubCall backed by the script: each invocation
// consumes the next attempt's events (looping the last entry forever if
// the script is shorter than the number of calls, so "infinite retry"
// tests don't need to pre-script every attempt).
func (s *Script) Call(ctx context.Context, request any) (rpcstub.RequestStream, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, request)
	idx := len(s.Calls) - 1
	if idx >= len(s.attempts) {
		idx = len(s.attempts) - 1
	}
	script := s.attempts[idx]
	s.mu.Unlock()

	stream := New(script, nil)
	stream.Close()
	return stream, nil
}

// StubCall adapts Call to rpcstub.StubCall's exact signature.
func (s *Script) StubCall() rpcstub.StubCall {
	return s.Call
}
