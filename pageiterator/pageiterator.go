// Package pageiterator implements the page-token pagination engine, spec
// §4.6: a descriptor of a page-token RPC offering eager list collection,
// a lazy asynchronous sequence, and an event-driven stream, all layered
// over a unary StubCall rather than the Stream Proxy.
//
// Grounded on the teacher's field-path reading style in
// pkg/cache/keygen.go (adapted: request/response field access instead of
// cache-key construction) and, for the lazy channel-pull shape, the
// vendored pubsub pullStream in other_examples (reference only, not a
// teacher).
package pageiterator

import (
	"context"
	"io"

	"github.com/grpc-guardian/retryengine/diagnostics"
	"github.com/grpc-guardian/retryengine/rpcstub"
	"golang.org/x/time/rate"
)

// maxConsecutiveEmptyPages bounds the empty-page guard: after this many
// consecutive pages return zero resources, the engine stops rather than
// polling indefinitely.
const maxConsecutiveEmptyPages = 10

// Descriptor names the three field paths a page-token RPC uses, per spec
// §3's PageDescriptor: constructed once per RPC method and shared across
// calls.
type Descriptor struct {
	RequestPageTokenField  string
	ResponsePageTokenField string
	ResourceField          string
}

// Entry is one key/value pair cached when a response's resource field is
// a map rather than a slice (spec §4.6: "each (key, value) pair is
// cached as a 2-tuple").
type Entry struct {
	Key   any
	Value any
}

// config holds the options accumulated by Option functions.
type config struct {
	pageToken    string
	maxResults   int
	autoPaginate bool
	rateLimiter  *rate.Limiter
}

// Option configures an Iterator or Stream.
type Option func(*config)

// WithPageToken seeds the first request's page-token field. Per spec
// §4.6's "forbidden behavior", this value is used for the first page
// only — it is never reapplied once the engine has its own
// response-derived token.
func WithPageToken(token string) Option {
	return func(c *config) { c.pageToken = token }
}

// WithMaxResults caps the number of resources an Iterator or Stream
// delivers before terminating, even if more pages remain.
func WithMaxResults(n int) Option {
	return func(c *config) { c.maxResults = n }
}

// WithAutoPaginate marks that the caller asked for eager pagination on a
// lazy surface (Iterate/Stream). Per spec §4.6, autoPaginate is forced
// false for the underlying calls, and a warning is emitted once per
// process.
func WithAutoPaginate(b bool) Option {
	return func(c *config) { c.autoPaginate = b }
}

// WithRateLimit paces successive page fetches through l, retargeting the
// teacher's server-side rate limiting dependency to client-side
// page-fetch cadence (SPEC_FULL.md §6).
func WithRateLimit(l *rate.Limiter) Option {
	return func(c *config) { c.rateLimiter = l }
}

const autopaginateWarningKind = "AutopaginateTrueWarning"

func applyOptions(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func warnIfAutoPaginate(c config) {
	if !c.autoPaginate {
		return
	}
	diagnostics.Process.Emit(diagnostics.Diagnostic{
		Kind:    autopaginateWarningKind,
		Message: "autoPaginate is ignored by asyncIterate/createStream; use the eager List instead",
	})
}

// Iterator is the lazy asynchronous sequence surface: one resource per
// Next() call, fetching pages on demand.
type Iterator struct {
	ctx         context.Context
	descriptor  Descriptor
	call        rpcstub.UnaryStubCall
	rateLimiter *rate.Limiter
	maxResults  int

	nextRequest any
	cache       []any
	delivered   int
	emptyStreak int
	done        bool
}

// Iterate constructs a lazy Iterator over request, seeding the first call
// with opts' page token (if any) and field-deleting it thereafter.
func Iterate(ctx context.Context, d Descriptor, call rpcstub.UnaryStubCall, request any, opts ...Option) *Iterator {
	c := applyOptions(opts)
	warnIfAutoPaginate(c)

	firstRequest := request
	if c.pageToken != "" {
		firstRequest = withStringField(request, d.RequestPageTokenField, c.pageToken)
	}

	return &Iterator{
		ctx:         ctx,
		descriptor:  d,
		call:        call,
		rateLimiter: c.rateLimiter,
		maxResults:  c.maxResults,
		nextRequest: firstRequest,
	}
}

// Next returns the next resource, or (nil, io.EOF) once pagination is
// exhausted (the idiomatic substitute for the spec's `undefined`
// end-of-sequence sentinel).
func (it *Iterator) Next() (any, error) {
	if it.done {
		return nil, io.EOF
	}
	if it.maxResults > 0 && it.delivered >= it.maxResults {
		it.done = true
		return nil, io.EOF
	}

	for len(it.cache) == 0 {
		if it.nextRequest == nil {
			it.done = true
			return nil, io.EOF
		}
		if it.rateLimiter != nil {
			if err := it.rateLimiter.Wait(it.ctx); err != nil {
				it.done = true
				return nil, err
			}
		}

		resp, _, err := it.call(it.ctx, it.nextRequest)
		if err != nil {
			it.done = true
			return nil, err
		}

		resources := extractResources(resp, it.descriptor.ResourceField)
		token := getStringField(resp, it.descriptor.ResponsePageTokenField)
		if token == "" {
			it.nextRequest = nil
		} else {
			it.nextRequest = withStringField(it.nextRequest, it.descriptor.RequestPageTokenField, token)
		}

		if len(resources) == 0 {
			it.emptyStreak++
			if it.emptyStreak > maxConsecutiveEmptyPages {
				it.done = true
				return nil, io.EOF
			}
			continue
		}
		it.emptyStreak = 0
		it.cache = resources
	}

	item := it.cache[0]
	it.cache = it.cache[1:]
	it.delivered++
	return item, nil
}

// List eagerly concatenates every page into a flat resource slice — the
// "autoPaginate=true" caller implementation, built directly on Iterate.
func List(ctx context.Context, d Descriptor, call rpcstub.UnaryStubCall, request any, opts ...Option) ([]any, error) {
	it := Iterate(ctx, d, call, request, opts...)
	var all []any
	for {
		item, err := it.Next()
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			return all, err
		}
		all = append(all, item)
	}
}
