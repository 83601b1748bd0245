// Package diagnostics implements the warning-kind deduplication the
// Legacy Options Bridge and Page Engine rely on: each diagnostic kind is
// emitted at most once per process, grounded on the teacher's lazy-once
// construction idioms for tracers and metrics collectors.
package diagnostics

import "sync"

// Diagnostic is one emitted warning.
type Diagnostic struct {
	Kind    string
	Message string
}

// Emitter collects diagnostics, emitting each distinct Kind only once
// per Emitter instance's lifetime — but always returning every
// diagnostic it was asked to emit on its *first* appearance, per the
// Legacy Options Bridge's "always emit all four the first time"
// requirement.
type Emitter struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewEmitter creates an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{seen: make(map[string]bool)}
}

// Emit records d if its Kind has not been seen before, returning true
// when it was newly recorded (i.e. it should be surfaced to the
// caller/log) and false when it was a duplicate kind.
func (e *Emitter) Emit(d Diagnostic) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen[d.Kind] {
		return false
	}
	e.seen[d.Kind] = true
	return true
}

// Reset clears the seen set, used in tests that need a fresh process-like
// emitter without sharing state across test cases.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = make(map[string]bool)
}

// Process is the shared, process-wide Emitter used for warnings that the
// spec says fire once per process regardless of which caller triggers
// them (e.g. AutopaginateTrueWarning).
var Process = NewEmitter()
