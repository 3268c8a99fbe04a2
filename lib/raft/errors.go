package raft

import "fmt"

// ErrorCode classifies failures the way §7 of the design enumerates them:
// by the kind of recovery a caller should attempt, not by Go type.
type ErrorCode int

const (
	// ErrCodeOK is the zero value; no error.
	ErrCodeOK ErrorCode = iota
	// ErrCodeTransient covers RPC timeouts and connection failures that a
	// caller's retry policy should absorb.
	ErrCodeTransient
	// ErrCodeNotLeader is returned by a stepped-down or follower node;
	// RedirectTo on Error carries the known leader, if any.
	ErrCodeNotLeader
	// ErrCodeBusy signals a full request ring (fail fast, no retry hint).
	ErrCodeBusy
	// ErrCodeLogGap means a follower is missing entries and needs a
	// snapshot install rather than incremental replication.
	ErrCodeLogGap
	// ErrCodeStorageIO is a fatal write failure or a refused init.
	ErrCodeStorageIO
	// ErrCodeSafetyViolation is unrecoverable: the node must stop serving.
	ErrCodeSafetyViolation
	// ErrCodeCanceled covers shutdown and explicit cancellation.
	ErrCodeCanceled
	// ErrCodeTimeout is returned when an RPC's timeoutMs elapses.
	ErrCodeTimeout
	// ErrCodeReadIndexLag means a ReadIndex's lag budget was exceeded.
	ErrCodeReadIndexLag
	// ErrCodeInvalidArgument covers malformed requests.
	ErrCodeInvalidArgument
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeTransient:
		return "TRANSIENT"
	case ErrCodeNotLeader:
		return "NOT_LEADER"
	case ErrCodeBusy:
		return "BUSY"
	case ErrCodeLogGap:
		return "LOG_GAP"
	case ErrCodeStorageIO:
		return "STORAGE_IO"
	case ErrCodeSafetyViolation:
		return "SAFETY_VIOLATION"
	case ErrCodeCanceled:
		return "CANCELED"
	case ErrCodeTimeout:
		return "TIMEOUT"
	case ErrCodeReadIndexLag:
		return "READ_INDEX_LAG"
	case ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	default:
		return "UNKNOWN"
	}
}

// Error is the in-process error envelope used across the core. At the RPC
// boundary it is carried as the (ErrorCode, ErrorMsg) pair of
// ErrorResponse.
type Error struct {
	Code       ErrorCode
	Msg        string
	RedirectTo *PeerID // set only for ErrCodeNotLeader, when a leader is known
}

func (e *Error) Error() string {
	if e.RedirectTo != nil {
		return fmt.Sprintf("raft error (%s): %s (leader: %s)", e.Code, e.Msg, e.RedirectTo)
	}
	return fmt.Sprintf("raft error (%s): %s", e.Code, e.Msg)
}

// NewError builds an *Error with no redirect hint.
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// NewErrorf builds an *Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// NewRedirectError builds a not-leader error carrying the known leader.
func NewRedirectError(leader PeerID) *Error {
	return &Error{Code: ErrCodeNotLeader, Msg: "not leader", RedirectTo: &leader}
}

// IsOK reports whether err is nil or an *Error with ErrCodeOK.
func IsOK(err error) bool {
	if err == nil {
		return true
	}
	e, ok := err.(*Error)
	return ok && e.Code == ErrCodeOK
}
