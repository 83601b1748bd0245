// Package legacyretry bridges the deprecated retryRequestOptions shape
// onto the current Policy/Backoff records, per spec §4.5.
package legacyretry

import (
	"errors"
	"time"

	"github.com/grpc-guardian/retryengine/diagnostics"
	"github.com/grpc-guardian/retryengine/errdetail"
	"github.com/grpc-guardian/retryengine/gaxbackoff"
	"github.com/grpc-guardian/retryengine/retrypolicy"
	"google.golang.org/grpc/codes"
)

// Diagnostic kinds emitted by Convert, one per unsupported/deprecated
// concern named in spec §4.5/§6.
const (
	KindDeprecatedMechanism  = "RetryRequestOptionsDeprecationWarning"
	KindNoResponseRetries    = "NoResponseRetriesUnsupportedWarning"
	KindCurrentRetryAttempt  = "CurrentRetryAttemptUnsupportedWarning"
	KindObjectMode           = "ObjectModeUnsupportedWarning"
)

// RequestOptions is the deprecated retry-options shape being bridged.
type RequestOptions struct {
	Retries             *int // nil ⇒ use TotalTimeout budget instead
	MaxRetryDelay       time.Duration
	RetryDelayMultiplier float64
	TotalTimeout        time.Duration
	NoResponseRetries   *int
	CurrentRetryAttempt *int
	ObjectMode          *bool
	ShouldRetryFn       func(err error) bool
}

// Convert converts opts into a Policy using the process-wide diagnostics
// emitter (diagnostics.Process), per spec §4.5's "repeated conversions in
// one process emit each kind once" behavior.
func Convert(opts RequestOptions) (*retrypolicy.Policy, []diagnostics.Diagnostic) {
	return ConvertWithEmitter(opts, diagnostics.Process)
}

// ConvertWithEmitter is Convert with an explicit Emitter, used by tests
// that need a fresh, isolated emitter rather than the shared
// process-wide one.
func ConvertWithEmitter(opts RequestOptions, emitter *diagnostics.Emitter) (*retrypolicy.Policy, []diagnostics.Diagnostic) {
	var emitted []diagnostics.Diagnostic
	emit := func(kind, message string) {
		if emitter.Emit(diagnostics.Diagnostic{Kind: kind, Message: message}) {
			emitted = append(emitted, diagnostics.Diagnostic{Kind: kind, Message: message})
		}
	}

	emit(KindDeprecatedMechanism,
		"retryRequestOptions is deprecated; use retry (RetryPolicy/BackoffSettings) instead")
	if opts.NoResponseRetries != nil {
		emit(KindNoResponseRetries,
			"retryRequestOptions.noResponseRetries is not supported by the current retry engine and is ignored")
	}
	if opts.CurrentRetryAttempt != nil {
		emit(KindCurrentRetryAttempt,
			"retryRequestOptions.currentRetryAttempt is not supported by the current retry engine and is ignored")
	}
	if opts.ObjectMode != nil {
		emit(KindObjectMode,
			"retryRequestOptions.objectMode is not supported by the current retry engine and is ignored")
	}

	backoff := gaxbackoff.Settings{
		MaxRetryDelay:        opts.MaxRetryDelay,
		RetryDelayMultiplier: opts.RetryDelayMultiplier,
	}
	if opts.Retries != nil {
		retries := *opts.Retries
		backoff.MaxRetries = &retries
	} else {
		total := opts.TotalTimeout
		backoff.TotalTimeout = &total
	}

	policy := &retrypolicy.Policy{
		RetryCodes: map[codes.Code]bool{},
		Backoff:    backoff,
	}
	if opts.ShouldRetryFn != nil {
		shouldRetryFn := opts.ShouldRetryFn
		policy.ShouldRetry = func(e *errdetail.Error) bool { return shouldRetryFn(e) }
	}

	return policy, emitted
}

// ErrConflictingRetryOptions is returned when a call site sets both the
// current retry option and the legacy retryRequestOptions.
var ErrConflictingRetryOptions = errors.New("Only one of retry or retryRequestOptions may be set")

// MergeRetrySettings enforces the spec §4.5 conflict check before
// dispatch: passing both retry and retryRequestOptions at call time is
// an error, checked before any upstream call is made.
func MergeRetrySettings(retry *retrypolicy.Policy, legacy *RequestOptions) (*retrypolicy.Policy, error) {
	if retry != nil && legacy != nil {
		return nil, ErrConflictingRetryOptions
	}
	if legacy != nil {
		p, _ := Convert(*legacy)
		return p, nil
	}
	return retry, nil
}
