// Package retrypolicy decides whether an error is retryable and builds
// the next attempt's request, per spec §4.3. The predicate-or-code-set
// dispatch is grounded on gax-go/v2's Retryer/OnCodes/OnErrorFunc split.
package retrypolicy

import (
	"errors"

	"github.com/grpc-guardian/retryengine/errdetail"
	"github.com/grpc-guardian/retryengine/gaxbackoff"
	"google.golang.org/grpc/codes"
)

// Policy is the effective retry policy applied to one call.
type Policy struct {
	RetryCodes    map[codes.Code]bool
	ShouldRetry   func(*errdetail.Error) bool
	ResumeRequest func(original any) any
	Backoff       gaxbackoff.Settings
}

// Classification is the outcome of Classify.
type Classification int

const (
	// Stop means the error is not retryable under this policy.
	Stop Classification = iota
	// Retry means the error is retryable under this policy.
	Retry
)

// Classify implements the spec §3 semantics exactly: an error is
// retryable iff (a) ShouldRetry is set and returns true, or (b)
// ShouldRetry is unset, RetryCodes is non-empty, and the error's code is
// in RetryCodes. An empty RetryCodes with no predicate never retries.
func Classify(err *errdetail.Error, p *Policy) Classification {
	if p == nil || err == nil {
		return Stop
	}
	if p.ShouldRetry != nil {
		if p.ShouldRetry(err) {
			return Retry
		}
		return Stop
	}
	if len(p.RetryCodes) > 0 && p.RetryCodes[err.Code] {
		return Retry
	}
	return Stop
}

// NextRequest returns policy.ResumeRequest(original) if a resumption
// function is configured, else the original request unchanged.
func NextRequest(original any, p *Policy) any {
	if p != nil && p.ResumeRequest != nil {
		return p.ResumeRequest(original)
	}
	return original
}

// ErrResumptionRequiresNewEngine is returned by
// RequireNewEngineForResumption when a caller supplies ResumeRequest
// without enabling the new streaming retry state machine.
var ErrResumptionRequiresNewEngine = errors.New("gax: a resumption function requires the new streaming retry engine (gaxStreamingRetries) to be enabled")

// RequireNewEngineForResumption enforces the spec §4.3 invariant: a
// ResumeRequest function may only be used with the new state machine.
// It fails fast, as a plain error (not a gRPC status), per spec wording.
func RequireNewEngineForResumption(p *Policy, gaxStreamingRetries bool) error {
	if p != nil && p.ResumeRequest != nil && !gaxStreamingRetries {
		return ErrResumptionRequiresNewEngine
	}
	return nil
}
