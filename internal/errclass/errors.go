package errclass

import (
	"errors"
	"fmt"
)

// Error is a stable, machine-readable error class. Two errors match under
// errors.Is when their codes are equal, regardless of message.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error { return e.Err }

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new Error of the same class carrying err as its cause.
func (e *Error) Wrap(err error, msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Err: err}
}

var (
	ErrNotFound            = &Error{Code: "E_NOT_FOUND"}
	ErrAlreadyExists       = &Error{Code: "E_ALREADY_EXISTS"}
	ErrMalformed           = &Error{Code: "E_MALFORMED"}
	ErrIntegrityViolation  = &Error{Code: "E_INTEGRITY_VIOLATION"}
	ErrLocked              = &Error{Code: "E_LOCKED"}
	ErrInvalidTask         = &Error{Code: "E_INVALID_TASK"}
	ErrNotSupported        = &Error{Code: "E_NOT_SUPPORTED"}
	ErrExternalUnavailable = &Error{Code: "E_EXTERNAL_UNAVAILABLE"}
)

var classes = []*Error{
	ErrNotFound,
	ErrAlreadyExists,
	ErrMalformed,
	ErrIntegrityViolation,
	ErrLocked,
	ErrInvalidTask,
	ErrNotSupported,
	ErrExternalUnavailable,
}

// ClassOf returns the error class err belongs to, or nil for unexpected errors.
func ClassOf(err error) *Error {
	if err == nil {
		return nil
	}
	for _, c := range classes {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}

// IsPermanent reports whether retrying the operation that produced err
// cannot succeed without outside intervention.
func IsPermanent(err error) bool {
	c := ClassOf(err)
	return c != nil && c != ErrLocked && c != ErrExternalUnavailable
}
