package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode classifies a failure for the retry-vs-drop decision that every
// component makes at its own boundary.
type ErrorCode string

const (
	// ErrBroker covers connection and timeout failures against the shared
	// broker. Always transient.
	ErrBroker ErrorCode = "BROKER"
	// ErrTransient covers retryable downstream failures other than the
	// broker itself.
	ErrTransient ErrorCode = "TRANSIENT"
	// ErrValidation covers malformed tasks, results, or descriptors.
	// Never retried: a malformed payload cannot succeed on replay.
	ErrValidation ErrorCode = "VALIDATION"
	// ErrUnknownTaskType rejects task types outside the closed set.
	ErrUnknownTaskType ErrorCode = "UNKNOWN_TASK_TYPE"
	// ErrConfiguration covers missing or invalid settings. Fatal at
	// startup only, never recoverable mid-run.
	ErrConfiguration ErrorCode = "CONFIGURATION"
	// ErrUndeliverable marks a task that exhausted routing attempts
	// without finding an eligible agent.
	ErrUndeliverable ErrorCode = "UNDELIVERABLE"
	// ErrExhausted marks a transient failure that used up its retry
	// budget.
	ErrExhausted ErrorCode = "RETRY_EXHAUSTED"
)

// ErrLockContended signals that another holder already owns a task lock.
// Contention is not a failure: callers skip the task silently.
var ErrLockContended = errors.New("task lock held by another worker")

// Error is the structured error carried across component boundaries, with a
// code, a retryability flag, and an optional wrapped cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error with the given code and message. Broker and
// transient codes are retryable by default.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: code == ErrBroker || code == ErrTransient,
	}
}

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryability for the code.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WrapBroker classifies an arbitrary broker round-trip failure as
// transient. Nil passes through.
func WrapBroker(op string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(ErrBroker, op).WithCause(err)
}

// IsTransient reports whether an error should be retried with backoff.
// Structured errors answer from their flag; raw network and deadline errors
// from the redis client are classified here so callers never string-match.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Code extracts the structured code from an error, or "" for foreign errors.
func Code(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
