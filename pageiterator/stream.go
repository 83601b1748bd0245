package pageiterator

import (
	"context"
	"sync"

	"github.com/grpc-guardian/retryengine/rpcstub"
	"golang.org/x/time/rate"
)

// StreamEventKind identifies which lifecycle event a StreamEvent carries.
type StreamEventKind int

const (
	StreamEventResponse StreamEventKind = iota
	StreamEventData
	StreamEventEnd
	StreamEventError
)

// StreamEvent is one lifecycle event emitted by a Stream.
type StreamEvent struct {
	Kind     StreamEventKind
	Response any // set when Kind == StreamEventResponse: the raw page response
	Data     any // set when Kind == StreamEventData: one resource (nil resources are skipped)
	Err      error
}

// Stream is the event-driven page consumption surface (spec §4.6
// createStream): it emits one response event per page, one data event
// per resource, and a terminal end event. Pagination does not begin at
// construction — only once the consumer first calls Events(), which
// stands in for the spec's "begins paginating on first resume". The event
// channel is unbuffered, so the pump waits at each send until the
// consumer reads, which stands in for pause/resume backpressure.
type Stream struct {
	ctx         context.Context
	descriptor  Descriptor
	call        rpcstub.UnaryStubCall
	rateLimiter *rate.Limiter
	maxResults  int
	request     any

	out       chan StreamEvent
	startOnce sync.Once
}

// CreateStream constructs a lazily-started Stream over request.
func CreateStream(ctx context.Context, d Descriptor, call rpcstub.UnaryStubCall, request any, opts ...Option) *Stream {
	c := applyOptions(opts)
	warnIfAutoPaginate(c)

	initial := request
	if c.pageToken != "" {
		initial = withStringField(request, d.RequestPageTokenField, c.pageToken)
	}

	return &Stream{
		ctx:         ctx,
		descriptor:  d,
		call:        call,
		rateLimiter: c.rateLimiter,
		maxResults:  c.maxResults,
		request:     initial,
		out:         make(chan StreamEvent),
	}
}

// Events returns the stream's event channel, starting the pagination
// pump on first call. The channel is closed after the terminal (end or
// error) event has been sent.
func (s *Stream) Events() <-chan StreamEvent {
	s.startOnce.Do(func() { go s.pump() })
	return s.out
}

func (s *Stream) pump() {
	defer close(s.out)

	nextRequest := s.request
	delivered := 0
	emptyStreak := 0

	for nextRequest != nil {
		if s.maxResults > 0 && delivered >= s.maxResults {
			s.out <- StreamEvent{Kind: StreamEventEnd}
			return
		}
		if s.rateLimiter != nil {
			if err := s.rateLimiter.Wait(s.ctx); err != nil {
				s.out <- StreamEvent{Kind: StreamEventError, Err: err}
				return
			}
		}

		resp, _, err := s.call(s.ctx, nextRequest)
		if err != nil {
			s.out <- StreamEvent{Kind: StreamEventError, Err: err}
			return
		}
		s.out <- StreamEvent{Kind: StreamEventResponse, Response: resp}

		resources := extractResources(resp, s.descriptor.ResourceField)
		token := getStringField(resp, s.descriptor.ResponsePageTokenField)
		if token == "" {
			nextRequest = nil
		} else {
			nextRequest = withStringField(nextRequest, s.descriptor.RequestPageTokenField, token)
		}

		if len(resources) == 0 {
			emptyStreak++
			if emptyStreak > maxConsecutiveEmptyPages {
				s.out <- StreamEvent{Kind: StreamEventEnd}
				return
			}
			continue
		}
		emptyStreak = 0

		for _, res := range resources {
			if res == nil {
				continue
			}
			if s.maxResults > 0 && delivered >= s.maxResults {
				break
			}
			s.out <- StreamEvent{Kind: StreamEventData, Data: res}
			delivered++
		}
	}

	s.out <- StreamEvent{Kind: StreamEventEnd}
}
