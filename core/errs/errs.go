package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error so that transports and workers can decide how to
// report or retry it without inspecting message text.
type Kind string

const (
	Validation   Kind = "validation"
	Auth         Kind = "auth"
	NotFound     Kind = "not_found"
	Conflict     Kind = "conflict"
	TenantClosed Kind = "tenant_closed"
	Provider     Kind = "provider"
	Transient    Kind = "transient"
	Internal     Kind = "internal"
)

// Error is a domain error carrying a kind, an optional upstream code and an
// optional wrapped cause.
type Error struct {
	kind Kind
	msg  string
	code string
	err  error
}

// New creates a new error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates a new error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a new error of the given kind wrapping a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

// WithCode creates a new error of the given kind tagged with an upstream
// code, e.g. a provider error code.
func WithCode(kind Kind, code, msg string) *Error {
	return &Error{kind: kind, msg: msg, code: code}
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Kind() Kind { return e.kind }

// Code returns the upstream code attached to this error, e.g. the numeric
// error code the provider returned, or empty.
func (e *Error) Code() string { return e.code }

// Message returns the message without the wrapped cause.
func (e *Error) Message() string { return e.msg }

// ErrConnectionFailed is returned for network level failures and 5xx
// responses where nothing can be said about the request's fate.
var ErrConnectionFailed = New(Transient, "connection error")

// KindOf walks the wrap chain of err and returns the kind of the first
// domain error found, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Internal
}

// CodeOf walks the wrap chain of err and returns the upstream code of the
// first domain error found, or empty.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// IsRetryable returns whether err is worth retrying, i.e. transient.
func IsRetryable(err error) bool {
	return KindOf(err) == Transient
}
