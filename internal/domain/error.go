package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Admission errors
	ErrValidation     = errors.New("validation failed")
	ErrAuthentication = errors.New("authentication required")
	ErrAuthorization  = errors.New("not allowed to access this resource")
	ErrBusy           = errors.New("server is busy")
	ErrRateLimited    = errors.New("too many submissions")

	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")

	// Stream errors
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrConnection         = errors.New("stream connection failed")
	ErrMaxAttemptsReached = errors.New("max reconnect attempts reached")
	ErrSessionClosed      = errors.New("stream session closed")
)

// Validation wraps ErrValidation with a caller-facing reason.
func Validation(reason string) error {
	return fmt.Errorf("%w: %s", ErrValidation, reason)
}

// BusyError is returned by fast-reject admission when the queue is at capacity.
type BusyError struct {
	Position      int
	EstimatedWait time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("server is busy: %d jobs ahead, estimated wait %s", e.Position, e.EstimatedWait.Round(time.Second))
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// ErrorCategory classifies compute-resource failures.
type ErrorCategory string

const (
	CategoryUnavailable       ErrorCategory = "UNAVAILABLE"
	CategoryTimeout           ErrorCategory = "TIMEOUT"
	CategoryUpstreamError     ErrorCategory = "UPSTREAM_ERROR"
	CategoryMalformedResponse ErrorCategory = "MALFORMED_RESPONSE"
)

// ComputeError is a classified failure talking to the compute resource.
type ComputeError struct {
	Category ErrorCategory
	Message  string
	Err      error
}

func NewComputeError(cat ErrorCategory, msg string, cause error) *ComputeError {
	return &ComputeError{Category: cat, Message: msg, Err: cause}
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// Retryable reports whether resubmitting the same job may succeed.
func (e *ComputeError) Retryable() bool {
	return e.Category != CategoryMalformedResponse
}
