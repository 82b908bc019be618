// Package errors provides coded errors shared by the reconciler, the runner and
// the command line. The code is stable and is what tests and callers match on.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an error.
type ErrorCode string

const (
	ErrUnknown  ErrorCode = "UNKNOWN"
	ErrInternal ErrorCode = "INTERNAL"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// ErrConfig marks malformed declarations, unknown dependencies and cyclic
	// task graphs. Always fatal before any mutation.
	ErrConfig ErrorCode = "CONFIG"

	// ErrPrecondition marks a failed privilege check. Always fatal before any
	// mutation.
	ErrPrecondition ErrorCode = "PRECONDITION"

	// ErrApply marks a failed write, install or enable. Recorded per task.
	ErrApply ErrorCode = "APPLY"

	// ErrPostcondition marks a resource whose oracle still reports it as
	// unsatisfied after apply. Reported like ErrApply.
	ErrPostcondition ErrorCode = "POSTCONDITION"

	ErrBackup    ErrorCode = "BACKUP"
	ErrTimeout   ErrorCode = "TIMEOUT"
	ErrCancelled ErrorCode = "CANCELLED"
)

// Error is a structured error carrying a code, a message and optional details.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetail attaches a key/value pair to the error and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns nil if err is nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Wrapped: err}
}

func Wrapf(err error, code ErrorCode, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// IsErrorCode reports whether any error in err's chain carries code.
func IsErrorCode(err error, code ErrorCode) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Wrapped
	}
	return false
}

// GetErrorCode returns the outermost code in err's chain, or ErrUnknown.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

// Re-exported so callers need a single errors import.
var (
	As     = errors.As
	Is     = errors.Is
	Unwrap = errors.Unwrap
	Join   = errors.Join
)
