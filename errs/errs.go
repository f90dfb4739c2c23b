// Package errs defines the error surface shared by the policies in this
// module: bulkhead, rate limiter, and reload. Errors are plain sentinels,
// carried by small detail-bearing types whose Unwrap returns the sentinel,
// following the flat error style used throughout the corpus this module was
// grown from.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors, matched with errors.Is.
var (
	// ErrRejected indicates a bulkhead or rate limiter refused admission.
	ErrRejected = errors.New("resilience: rejected")

	// ErrCancelled indicates the caller's cancellation signal fired during
	// admission or propagated from the protected callback.
	ErrCancelled = errors.New("resilience: cancelled")

	// ErrInvalidConfiguration indicates a policy was constructed with
	// parameters that fail validation.
	ErrInvalidConfiguration = errors.New("resilience: invalid configuration")
)

// RejectedError wraps ErrRejected with the reason a caller was refused.
type RejectedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("resilience: rejected (%s), retry after %s", e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("resilience: rejected (%s)", e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// NewRejected builds a RejectedError for the given reason (e.g. "queue
// full", "token bucket exhausted").
func NewRejected(reason string, retryAfter time.Duration) *RejectedError {
	return &RejectedError{Reason: reason, RetryAfter: retryAfter}
}

// CancelledError wraps ErrCancelled.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("resilience: cancelled: %v", e.Cause)
	}
	return "resilience: cancelled"
}

func (e *CancelledError) Unwrap() error { return ErrCancelled }

// NewCancelled wraps ctx.Err() (or any other cancellation cause) as a
// CancelledError.
func NewCancelled(cause error) *CancelledError {
	return &CancelledError{Cause: cause}
}

// InvalidConfigurationError wraps ErrInvalidConfiguration with the field
// and reason that failed validation.
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("resilience: invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *InvalidConfigurationError) Unwrap() error { return ErrInvalidConfiguration }

// NewInvalidConfiguration builds an InvalidConfigurationError.
func NewInvalidConfiguration(field, reason string) *InvalidConfigurationError {
	return &InvalidConfigurationError{Field: field, Reason: reason}
}

// UserError wraps a failure propagated from a protected callback. It is
// recorded as is_error=true in metrics and then re-propagated unchanged to
// the caller; Unwrap exposes the original error for errors.Is/As.
type UserError struct {
	Err error
}

func (e *UserError) Error() string { return e.Err.Error() }

func (e *UserError) Unwrap() error { return e.Err }

// NewUserError wraps err as a UserError. Returns nil if err is nil.
func NewUserError(err error) error {
	if err == nil {
		return nil
	}
	return &UserError{Err: err}
}
