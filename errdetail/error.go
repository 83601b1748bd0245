// Package errdetail implements the error model consumed by the retry
// engine: a gRPC status wrapped with decoded google.rpc.ErrorInfo fields.
package errdetail

import (
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// StatusDetailsBinKey is the metadata key a wire status is carried under.
const StatusDetailsBinKey = "grpc-status-details-bin"

const errorInfoTypeURLSuffix = "ErrorInfo"

// Error is the tagged error the retry engine operates on. It wraps a
// gRPC status and, once decoded, carries the ErrorInfo fields pulled out
// of the grpc-status-details-bin metadata entry.
type Error struct {
	Code     codes.Code
	Message  string
	Details  string
	Metadata metadata.MD

	Domain            string
	Reason            string
	ErrorInfoMetadata map[string]string
	Note              string

	decoded bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Code.String() + ": " + e.Message
}

// GRPCStatus lets errors.As/status.FromError recognize *Error as a
// gRPC status error.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

// New builds an *Error from a plain error, preferring the gRPC status
// embedded in it (if any), and attaches md as its metadata.
func New(err error, md metadata.MD) *Error {
	st, _ := status.FromError(err)
	return &Error{
		Code:     st.Code(),
		Message:  st.Message(),
		Metadata: md,
	}
}

// WithNote returns a shallow copy of e with Note set. Used by the retry
// state machine to annotate terminal errors without mutating the
// original in place from multiple call sites.
func (e *Error) WithNote(note string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Note = note
	return &cp
}

// DecodeStatusDetails reads the grpc-status-details-bin metadata entry (if
// present), decodes it as a google.rpc.Status, and copies any embedded
// ErrorInfo's reason/domain/metadata onto err. It tolerates absent
// metadata, unknown type URLs, and malformed payloads by leaving the
// decoded fields unset — it never panics or returns a different error.
//
// Decoding is idempotent: a second call on an already-decoded error is a
// no-op, per the spec's invariant that decode never runs twice.
func DecodeStatusDetails(err *Error) *Error {
	if err == nil || err.decoded {
		return err
	}
	err.decoded = true

	if len(err.Metadata) == 0 {
		return err
	}
	raw := err.Metadata.Get(StatusDetailsBinKey)
	if len(raw) == 0 {
		return err
	}

	var wire spb.Status
	if unb64 := raw[0]; unb64 != "" {
		if decErr := proto.Unmarshal([]byte(unb64), &wire); decErr != nil {
			return err
		}
	}

	for _, any := range wire.GetDetails() {
		if !hasErrorInfoSuffix(any) {
			continue
		}
		info := new(errdetails.ErrorInfo)
		if decErr := anypb.UnmarshalTo(any, info, proto.UnmarshalOptions{}); decErr != nil {
			continue
		}
		err.Domain = info.GetDomain()
		err.Reason = info.GetReason()
		if m := info.GetMetadata(); len(m) > 0 {
			err.ErrorInfoMetadata = m
		}
	}

	return err
}

func hasErrorInfoSuffix(a *anypb.Any) bool {
	u := a.GetTypeUrl()
	if len(u) < len(errorInfoTypeURLSuffix) {
		return false
	}
	return u[len(u)-len(errorInfoTypeURLSuffix):] == errorInfoTypeURLSuffix
}
