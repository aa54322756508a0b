package sshmux

import (
	"errors"
	"fmt"
)

// Kind identifies which of the taxonomy buckets an error belongs to, so
// callers can branch on failure category without string-matching.
type Kind string

const (
	KindConnectionFailed Kind = "ConnectionFailed"
	KindAuthFailed       Kind = "AuthFailed"
	KindChannelError     Kind = "ChannelError"
	KindIoError          Kind = "IoError"
	KindPtyError         Kind = "PtyError"
	KindSessionNotFound  Kind = "SessionNotFound"
)

// Error is the common shape of every error this package returns. The public
// surface renders it with Error() for callers that only want a string, and
// with Kind() for callers that want to branch.
type Error struct {
	kind   Kind
	reason string
	cause  error
}

func newError(kind Kind, reason string, cause error) *Error {
	return &Error{kind: kind, reason: reason, cause: cause}
}

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.reason)
}

func (e *Error) Unwrap() error { return e.cause }

func connectionFailed(reason string, cause error) *Error {
	return newError(KindConnectionFailed, reason, cause)
}

func authFailed(reason string, cause error) *Error {
	return newError(KindAuthFailed, reason, cause)
}

func channelError(reason string, cause error) *Error {
	return newError(KindChannelError, reason, cause)
}

func ioError(reason string, cause error) *Error {
	return newError(KindIoError, reason, cause)
}

func ptyError(reason string, cause error) *Error {
	return newError(KindPtyError, reason, cause)
}

// ErrSessionNotFound is returned verbatim (no per-call reason) for every
// dispatch against an unknown ChannelId, per spec.md §7.
var ErrSessionNotFound = newError(KindSessionNotFound, "unknown channel id", nil)

var errTransferQueueDisabled = errors.New("transfer queue not enabled — call Manager.EnableTransferQueue first")
