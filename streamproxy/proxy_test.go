package streamproxy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/grpc-guardian/retryengine/errdetail"
	"github.com/grpc-guardian/retryengine/gaxbackoff"
	"github.com/grpc-guardian/retryengine/retrypolicy"
	"github.com/grpc-guardian/retryengine/rpcstub"
	"github.com/grpc-guardian/retryengine/rpcstub/fakestub"
	"google.golang.org/grpc/codes"
)

func collect(t *testing.T, p *Proxy) []rpcstub.Event {
	t.Helper()
	var got []rpcstub.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func kinds(events []rpcstub.Event) []rpcstub.EventKind {
	out := make([]rpcstub.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestForwardAttempt_SynthesizesResponseFromMetadata(t *testing.T) {
	script := fakestub.NewScript([]rpcstub.Event{
		{Kind: rpcstub.EventMetadata, Metadata: rpcstub.Metadata{"x": {"1"}}},
		{Kind: rpcstub.EventData, Data: "d1"},
		{Kind: rpcstub.EventStatus, Status: rpcstub.Status{Code: 0}},
		{Kind: rpcstub.EventEnd},
	})

	policy := &retrypolicy.Policy{}
	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy, WithGAXStreamingRetries())

	got := collect(t, p)
	want := []rpcstub.EventKind{
		rpcstub.EventMetadata, rpcstub.EventResponse, rpcstub.EventData,
		rpcstub.EventStatus, rpcstub.EventEnd,
	}
	if k := kinds(got); !equalKinds(k, want) {
		t.Fatalf("kinds = %v, want %v", k, want)
	}
	if got[1].Response.Code != 200 || got[1].Response.Message != "OK" {
		t.Errorf("synthesized response = %+v, want code 200 / OK", got[1].Response)
	}
}

func TestForwardAttempt_SynthesizesResponseFromStatusWhenNoMetadata(t *testing.T) {
	script := fakestub.NewScript([]rpcstub.Event{
		{Kind: rpcstub.EventEnd},
		{Kind: rpcstub.EventStatus, Status: rpcstub.Status{Code: 0}},
	})

	policy := &retrypolicy.Policy{}
	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy, WithGAXStreamingRetries())

	got := collect(t, p)
	want := []rpcstub.EventKind{rpcstub.EventResponse, rpcstub.EventStatus, rpcstub.EventEnd}
	if k := kinds(got); !equalKinds(k, want) {
		t.Fatalf("kinds = %v, want %v", k, want)
	}
}

func TestRetryStateMachine_RetriesThenSucceeds(t *testing.T) {
	script := fakestub.NewScript(
		[]rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}},
		[]rpcstub.Event{
			{Kind: rpcstub.EventMetadata},
			{Kind: rpcstub.EventStatus, Status: rpcstub.Status{Code: 0}},
			{Kind: rpcstub.EventEnd},
		},
	)

	maxRetries := 3
	policy := &retrypolicy.Policy{
		RetryCodes: map[codes.Code]bool{codes.Unavailable: true},
		Backoff: gaxbackoff.Settings{
			InitialRetryDelay:    time.Millisecond,
			RetryDelayMultiplier: 2,
			MaxRetryDelay:        10 * time.Millisecond,
			MaxRetries:           &maxRetries,
		},
	}

	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy, WithGAXStreamingRetries())
	got := collect(t, p)

	if len(script.Calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(script.Calls))
	}
	want := []rpcstub.EventKind{rpcstub.EventMetadata, rpcstub.EventResponse, rpcstub.EventStatus, rpcstub.EventEnd}
	if k := kinds(got); !equalKinds(k, want) {
		t.Fatalf("kinds = %v, want %v", k, want)
	}
}

func TestRetryStateMachine_MaxRetriesExceeded(t *testing.T) {
	down := []rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}}
	script := fakestub.NewScript(down, down)

	one := 1
	policy := &retrypolicy.Policy{
		RetryCodes: map[codes.Code]bool{codes.Unavailable: true},
		Backoff: gaxbackoff.Settings{
			InitialRetryDelay:    time.Millisecond,
			RetryDelayMultiplier: 2,
			MaxRetryDelay:        10 * time.Millisecond,
			MaxRetries:           &one,
		},
	}

	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy, WithGAXStreamingRetries())
	got := collect(t, p)

	if len(script.Calls) != 2 {
		t.Fatalf("got %d calls, want 2 (1 initial + 1 retry before exceeding)", len(script.Calls))
	}
	if len(got) != 1 || got[0].Kind != rpcstub.EventError {
		t.Fatalf("got %v, want single error event", got)
	}
	e, ok := got[0].Err.(*errdetail.Error)
	if !ok {
		t.Fatalf("err type = %T, want *errdetail.Error", got[0].Err)
	}
	if e.Code != codes.DeadlineExceeded {
		t.Errorf("code = %v, want DeadlineExceeded", e.Code)
	}
	if !strings.HasPrefix(e.Message, "Exceeded maximum number of retries") {
		t.Errorf("message = %q, want prefix 'Exceeded maximum number of retries'", e.Message)
	}
}

func TestRetryStateMachine_MaxRetriesZeroAttachesNote(t *testing.T) {
	script := fakestub.NewScript(
		[]rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}},
	)

	zero := 0
	policy := &retrypolicy.Policy{
		RetryCodes: map[codes.Code]bool{codes.Unavailable: true},
		Backoff:    gaxbackoff.Settings{MaxRetries: &zero},
	}

	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy, WithGAXStreamingRetries())
	got := collect(t, p)

	if len(script.Calls) != 1 {
		t.Fatalf("got %d calls, want 1 (maxRetries=0 never retries)", len(script.Calls))
	}
	if len(got) != 1 || got[0].Kind != rpcstub.EventError {
		t.Fatalf("got %v, want single error event", got)
	}
	e := got[0].Err.(*errdetail.Error)
	if e.Code != codes.Unavailable {
		t.Errorf("code = %v, want the original Unavailable code", e.Code)
	}
	if e.Note != "Max retries is set to zero." {
		t.Errorf("note = %q, want %q", e.Note, "Max retries is set to zero.")
	}
}

func TestRetryStateMachine_NoBudgetConfiguredIsTerminal(t *testing.T) {
	script := fakestub.NewScript(
		[]rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}},
	)

	policy := &retrypolicy.Policy{RetryCodes: map[codes.Code]bool{codes.Unavailable: true}}
	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy, WithGAXStreamingRetries())
	got := collect(t, p)

	if len(script.Calls) != 1 {
		t.Fatalf("got %d calls, want 1 (no retry budget configured)", len(script.Calls))
	}
	e := got[0].Err.(*errdetail.Error)
	if e.Note != noteNotTransient {
		t.Errorf("note = %q, want %q", e.Note, noteNotTransient)
	}
}

func TestRetryStateMachine_BothBudgetsIsInvalidArgument(t *testing.T) {
	script := fakestub.NewScript(
		[]rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}},
	)

	maxRetries := 3
	total := 5 * time.Second
	policy := &retrypolicy.Policy{
		RetryCodes: map[codes.Code]bool{codes.Unavailable: true},
		Backoff: gaxbackoff.Settings{
			MaxRetries:   &maxRetries,
			TotalTimeout: &total,
		},
	}

	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy, WithGAXStreamingRetries())
	got := collect(t, p)

	if len(got) != 1 {
		t.Fatalf("got %v, want single error event", got)
	}
	e := got[0].Err.(*errdetail.Error)
	if e.Code != codes.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", e.Code)
	}
	if e.Message != "Cannot set both totalTimeoutMillis and maxRetries in backoffSettings." {
		t.Errorf("message = %q", e.Message)
	}
}

func TestRetryStateMachine_NonRetryableErrorIsTerminal(t *testing.T) {
	script := fakestub.NewScript(
		[]rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.InvalidArgument, Message: "bad"}}},
	)

	maxRetries := 5
	policy := &retrypolicy.Policy{
		RetryCodes: map[codes.Code]bool{codes.Unavailable: true},
		Backoff:    gaxbackoff.Settings{MaxRetries: &maxRetries},
	}

	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy, WithGAXStreamingRetries())
	got := collect(t, p)

	if len(script.Calls) != 1 {
		t.Fatalf("got %d calls, want 1 (no retry)", len(script.Calls))
	}
	if len(got) != 1 || got[0].Kind != rpcstub.EventError {
		t.Fatalf("got %v, want single error event", got)
	}
	e := got[0].Err.(*errdetail.Error)
	if e.Note != noteNotTransient {
		t.Errorf("note = %q, want %q", e.Note, noteNotTransient)
	}
}

func TestRetryStateMachine_CancelMidStream(t *testing.T) {
	events := make(chan rpcstub.Event, 4)
	events <- rpcstub.Event{Kind: rpcstub.EventMetadata}
	events <- rpcstub.Event{Kind: rpcstub.EventData, Data: "d1"}

	fed := &fedStream{events: events}

	call := func(ctx context.Context, req any) (rpcstub.RequestStream, error) {
		return fed, nil
	}

	policy := &retrypolicy.Policy{}
	p := New(context.Background(), ServerStreaming, call, "req", policy, WithGAXStreamingRetries())

	// Drain metadata + synthesized response + data before cancelling.
	ev1 := <-p.Events()
	ev2 := <-p.Events()
	ev3 := <-p.Events()
	if ev1.Kind != rpcstub.EventMetadata || ev2.Kind != rpcstub.EventResponse || ev3.Kind != rpcstub.EventData {
		t.Fatalf("pre-cancel kinds = %v", []rpcstub.EventKind{ev1.Kind, ev2.Kind, ev3.Kind})
	}

	p.Cancel()
	events <- rpcstub.Event{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Canceled, Message: "canceled"}}
	close(events)

	rest := collect(t, p)
	if len(rest) != 1 || rest[0].Kind != rpcstub.EventError {
		t.Fatalf("post-cancel events = %v, want single error event", rest)
	}
}

type fedStream struct {
	events   chan rpcstub.Event
	canceled bool
}

func (f *fedStream) Events() <-chan rpcstub.Event { return f.events }
func (f *fedStream) Send(msg any) error           { return nil }
func (f *fedStream) CloseSend() error             { return nil }
func (f *fedStream) Cancel()                      { f.canceled = true }

func TestLegacyWrapper_RetriesOnUnavailableBoundedByDefault(t *testing.T) {
	script := fakestub.NewScript(
		[]rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}},
		[]rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}},
		[]rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}},
	)

	policy := &retrypolicy.Policy{}
	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy)

	got := collect(t, p)
	if len(script.Calls) != 3 {
		t.Fatalf("got %d calls, want 3 (1 initial + 2 legacy retries)", len(script.Calls))
	}
	if len(got) != 1 || got[0].Kind != rpcstub.EventError {
		t.Fatalf("got %v, want single terminal error event", got)
	}
}

func TestRESTPassthrough_NoRetryNoSynthesis(t *testing.T) {
	script := fakestub.NewScript(
		[]rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}},
	)

	policy := &retrypolicy.Policy{RetryCodes: map[codes.Code]bool{codes.Unavailable: true}}
	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy, WithRESTTransport())

	got := collect(t, p)
	if len(script.Calls) != 1 {
		t.Fatalf("got %d calls, want 1 (REST is never retried)", len(script.Calls))
	}
	if len(got) != 1 || got[0].Kind != rpcstub.EventError {
		t.Fatalf("got %v, want the raw error event unchanged", got)
	}
}

func TestNoRetryBypass_ClientStreamingNeverRetries(t *testing.T) {
	script := fakestub.NewScript(
		[]rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}},
	)

	maxRetries := 5
	policy := &retrypolicy.Policy{
		RetryCodes: map[codes.Code]bool{codes.Unavailable: true},
		Backoff:    gaxbackoff.Settings{MaxRetries: &maxRetries},
	}
	p := New(context.Background(), ClientStreaming, script.StubCall(), "req", policy)

	got := collect(t, p)
	if len(script.Calls) != 1 {
		t.Fatalf("got %d calls, want 1 (client-streaming bypasses retry)", len(script.Calls))
	}
	if len(got) != 1 || got[0].Kind != rpcstub.EventError {
		t.Fatalf("got %v, want single error event", got)
	}
}

func TestRetryStateMachine_ResumeRequestRewritesNextAttempt(t *testing.T) {
	down := []rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}}
	ok := []rpcstub.Event{
		{Kind: rpcstub.EventMetadata},
		{Kind: rpcstub.EventStatus, Status: rpcstub.Status{Code: 0}},
		{Kind: rpcstub.EventEnd},
	}
	script := fakestub.NewScript(down, ok)

	type req struct{ cursor int }
	maxRetries := 3
	policy := &retrypolicy.Policy{
		RetryCodes: map[codes.Code]bool{codes.Unavailable: true},
		ResumeRequest: func(original any) any {
			r := original.(req)
			r.cursor++
			return r
		},
		Backoff: gaxbackoff.Settings{
			InitialRetryDelay:    time.Millisecond,
			RetryDelayMultiplier: 2,
			MaxRetryDelay:        10 * time.Millisecond,
			MaxRetries:           &maxRetries,
		},
	}

	p := New(context.Background(), ServerStreaming, script.StubCall(), req{cursor: 0}, policy, WithGAXStreamingRetries())
	collect(t, p)

	if len(script.Calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(script.Calls))
	}
	first := script.Calls[0].(req)
	second := script.Calls[1].(req)
	if first.cursor != 0 {
		t.Errorf("first attempt cursor = %d, want 0 (original request)", first.cursor)
	}
	if second.cursor != 1 {
		t.Errorf("second attempt cursor = %d, want 1 (rewritten by ResumeRequest)", second.cursor)
	}
}

func TestRetryStateMachine_TotalTimeoutExceeded(t *testing.T) {
	down := []rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}}
	script := fakestub.NewScript(down, down, down, down, down, down, down, down, down, down, down, down, down, down, down, down, down, down, down, down)

	total := 10 * time.Millisecond
	policy := &retrypolicy.Policy{
		RetryCodes: map[codes.Code]bool{codes.Unavailable: true},
		Backoff: gaxbackoff.Settings{
			InitialRetryDelay:    2 * time.Millisecond,
			RetryDelayMultiplier: 1,
			MaxRetryDelay:        2 * time.Millisecond,
			TotalTimeout:         &total,
		},
	}

	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy, WithGAXStreamingRetries())
	got := collect(t, p)

	if len(got) != 1 || got[0].Kind != rpcstub.EventError {
		t.Fatalf("got %v, want single terminal error event", got)
	}
	e := got[0].Err.(*errdetail.Error)
	if e.Code != codes.DeadlineExceeded {
		t.Errorf("code = %v, want DeadlineExceeded", e.Code)
	}
	if !strings.Contains(e.Message, "Total timeout of API exceeded 10 milliseconds") {
		t.Errorf("message = %q, want to contain 'Total timeout of API exceeded 10 milliseconds'", e.Message)
	}
}

type recordingObserver struct {
	starts []int
	ends   []struct {
		attempt   int
		code      codes.Code
		retryable bool
	}
}

func (r *recordingObserver) OnAttemptStart(attempt int) {
	r.starts = append(r.starts, attempt)
}

func (r *recordingObserver) OnAttemptEnd(attempt int, code codes.Code, retryable bool) {
	r.ends = append(r.ends, struct {
		attempt   int
		code      codes.Code
		retryable bool
	}{attempt, code, retryable})
}

func TestRetryStateMachine_ObserverSeesStartAndEndForEachAttempt(t *testing.T) {
	down := []rpcstub.Event{{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}}}
	ok := []rpcstub.Event{
		{Kind: rpcstub.EventMetadata},
		{Kind: rpcstub.EventStatus, Status: rpcstub.Status{Code: 0}},
		{Kind: rpcstub.EventEnd},
	}
	script := fakestub.NewScript(down, ok)

	maxRetries := 3
	policy := &retrypolicy.Policy{
		RetryCodes: map[codes.Code]bool{codes.Unavailable: true},
		Backoff: gaxbackoff.Settings{
			InitialRetryDelay:    time.Millisecond,
			RetryDelayMultiplier: 2,
			MaxRetryDelay:        10 * time.Millisecond,
			MaxRetries:           &maxRetries,
		},
	}

	obs := &recordingObserver{}
	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy, WithGAXStreamingRetries(), WithObserver(obs))
	collect(t, p)

	if len(obs.starts) != 2 {
		t.Fatalf("got %d attempt starts, want 2", len(obs.starts))
	}
	if len(obs.ends) != 2 {
		t.Fatalf("got %d attempt ends, want 2 (one retryable, one terminal)", len(obs.ends))
	}
	if !obs.ends[0].retryable || obs.ends[0].code != codes.Unavailable {
		t.Errorf("first end = %+v, want retryable Unavailable", obs.ends[0])
	}
	if obs.ends[1].retryable || obs.ends[1].code != codes.OK {
		t.Errorf("second end = %+v, want terminal OK", obs.ends[1])
	}
}

func TestMultiObserver_FansOutToEach(t *testing.T) {
	a := &recordingObserver{}
	b := &recordingObserver{}
	m := MultiObserver{a, b}

	m.OnAttemptStart(1)
	m.OnAttemptEnd(1, codes.OK, false)

	if len(a.starts) != 1 || len(b.starts) != 1 {
		t.Fatalf("starts = %d/%d, want 1/1", len(a.starts), len(b.starts))
	}
	if len(a.ends) != 1 || len(b.ends) != 1 {
		t.Fatalf("ends = %d/%d, want 1/1", len(a.ends), len(b.ends))
	}
}

// TestRetryStateMachine_RetryCountResetOnDataSurvivesManyAlternations
// exercises spec.md §9's load-bearing "reset retryCount on data" design
// note: a sustained data, error, data, error... sequence must keep
// retrying indefinitely rather than exhausting a small MaxRetries
// budget, because every data event (forwardAttempt's onData callback)
// resets retryCount to zero before the following error is classified.
// With MaxRetries=2, a run that did NOT reset retryCount would abandon
// the call by the third failing attempt; this scripts ten and still
// reaches the eventual success.
func TestRetryStateMachine_RetryCountResetOnDataSurvivesManyAlternations(t *testing.T) {
	const failingAttempts = 10

	attempts := make([][]rpcstub.Event, 0, failingAttempts+1)
	for i := 0; i < failingAttempts; i++ {
		attempts = append(attempts, []rpcstub.Event{
			{Kind: rpcstub.EventData, Data: "progress"},
			{Kind: rpcstub.EventError, Err: &errdetail.Error{Code: codes.Unavailable, Message: "down"}},
		})
	}
	attempts = append(attempts, []rpcstub.Event{
		{Kind: rpcstub.EventMetadata},
		{Kind: rpcstub.EventStatus, Status: rpcstub.Status{Code: 0}},
		{Kind: rpcstub.EventEnd},
	})
	script := fakestub.NewScript(attempts...)

	maxRetries := 2
	policy := &retrypolicy.Policy{
		RetryCodes: map[codes.Code]bool{codes.Unavailable: true},
		Backoff: gaxbackoff.Settings{
			InitialRetryDelay:    time.Millisecond,
			RetryDelayMultiplier: 1,
			MaxRetryDelay:        time.Millisecond,
			MaxRetries:           &maxRetries,
		},
	}

	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy, WithGAXStreamingRetries())
	got := collect(t, p)

	if len(script.Calls) != failingAttempts+1 {
		t.Fatalf("got %d calls, want %d", len(script.Calls), failingAttempts+1)
	}
	last := got[len(got)-1]
	if last.Kind != rpcstub.EventEnd {
		t.Fatalf("last event = %v, want EventEnd (success despite %d prior failures)", last.Kind, failingAttempts)
	}
	for _, ev := range got {
		if ev.Kind == rpcstub.EventError {
			t.Fatalf("got a terminal error event %+v, want the retry budget to survive every reset attempt", ev)
		}
	}
}

// TestNew_ResumeRequestWithoutGAXStreamingRetriesFailsFast locks in spec
// §4.3's invariant: a ResumeRequest function configured without the new
// streaming retry engine must fail fast with a plain error instead of
// silently running the legacy wrapper, which has no resumption support.
func TestNew_ResumeRequestWithoutGAXStreamingRetriesFailsFast(t *testing.T) {
	script := fakestub.NewScript([]rpcstub.Event{{Kind: rpcstub.EventEnd}})
	policy := &retrypolicy.Policy{
		ResumeRequest: func(original any) any { return original },
	}

	p := New(context.Background(), ServerStreaming, script.StubCall(), "req", policy)
	got := collect(t, p)

	if len(script.Calls) != 0 {
		t.Fatalf("got %d upstream calls, want 0 (must fail before dispatching any attempt)", len(script.Calls))
	}
	if len(got) != 1 || got[0].Kind != rpcstub.EventError {
		t.Fatalf("events = %+v, want exactly one EventError", got)
	}
	if !strings.Contains(got[0].Err.Error(), "resumption function requires the new streaming retry engine") {
		t.Errorf("err = %v, want resumption-requires-new-engine message", got[0].Err)
	}
}

func equalKinds(a, b []rpcstub.EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
