// Package rglog provides the structured logging surface for retry attempts,
// grounded on middleware/logging.go's level-by-gRPC-code dispatch (adapted
// from a unary server interceptor to the client-side attempt/retry/terminal
// lifecycle streamproxy drives).
package rglog

import (
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// Logger wraps a zap.Logger with the call-attempt vocabulary streamproxy
// needs: attempt start, retry scheduling, and terminal outcome, each logged
// at a level chosen from the gRPC status code the way middleware/logging.go
// chooses a level for a finished unary call.
type Logger struct {
	zap *zap.Logger
}

// New wraps an existing zap.Logger. A nil logger is replaced with zap.NewNop()
// so callers never need a nil check.
func New(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{zap: l}
}

// AttemptStart logs the beginning of a call attempt.
func (l *Logger) AttemptStart(method string, attempt int) {
	l.zap.Info("retry attempt started",
		zap.String("method", method),
		zap.Int("attempt", attempt),
	)
}

// RetryScheduled logs that an attempt failed with a retryable error and a
// retry has been scheduled after delay.
func (l *Logger) RetryScheduled(method string, attempt int, code codes.Code, delay time.Duration) {
	l.zap.Warn("retrying after transient error",
		zap.String("method", method),
		zap.Int("attempt", attempt),
		zap.String("grpc_code", code.String()),
		zap.Duration("delay", delay),
	)
}

// Terminal logs the final outcome of a stream — success or a non-retryable
// error. The level is chosen from the status code the same way
// middleware/logging.go chooses a level for a finished unary call:
// Internal/Unknown/DataLoss are server-side failures worth an Error log,
// InvalidArgument/NotFound/AlreadyExists/PermissionDenied/Unauthenticated are
// caller mistakes worth a Warn, everything else (including OK) is routine.
func (l *Logger) Terminal(method string, attempt int, code codes.Code, note string) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.Int("attempts", attempt),
		zap.String("grpc_code", code.String()),
	}
	if note != "" {
		fields = append(fields, zap.String("note", note))
	}

	switch code {
	case codes.OK:
		l.zap.Info("retry stream completed", fields...)
	case codes.Internal, codes.Unknown, codes.DataLoss:
		l.zap.Error("retry stream failed", fields...)
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated:
		l.zap.Warn("retry stream rejected", fields...)
	default:
		l.zap.Info("retry stream completed with error", fields...)
	}
}

// Canceled logs that the caller canceled the stream before it reached a
// terminal outcome.
func (l *Logger) Canceled(method string, attempt int) {
	l.zap.Info("retry stream canceled",
		zap.String("method", method),
		zap.Int("attempts", attempt),
	)
}
