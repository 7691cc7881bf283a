package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport-level mapping.
type Kind string

const (
	// KindValidation marks malformed, missing, or out-of-range input.
	KindValidation Kind = "validation"
	// KindNotFound marks lookups for unknown signers or accounts.
	KindNotFound Kind = "not_found"
	// KindRateLimited marks requests rejected by the rate limiter.
	KindRateLimited Kind = "rate_limited"
	// KindUpstream marks provider call failures, including exhausted fallbacks.
	KindUpstream Kind = "upstream"
	// KindNotReady marks signers that have not reached their ready status.
	KindNotReady Kind = "not_ready"
	// KindPendingConfirmation marks signers approved upstream but awaiting
	// final confirmation; callers may retry later.
	KindPendingConfirmation Kind = "pending_confirmation"
)

// Error carries a classification kind alongside a human-readable detail
// string and an optional cause.
type Error struct {
	kind   Kind
	detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.kind, e.detail)
	}
	return fmt.Sprintf("%s: %s: %v", e.kind, e.detail, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Kind returns the error classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Detail returns the human-readable message.
func (e *Error) Detail() string {
	return e.detail
}

func newError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{kind: kind, detail: fmt.Sprintf(format, args...), cause: cause}
}

// Validation builds a validation error.
func Validation(format string, args ...interface{}) *Error {
	return newError(KindValidation, nil, format, args...)
}

// NotFound builds a not-found error.
func NotFound(format string, args ...interface{}) *Error {
	return newError(KindNotFound, nil, format, args...)
}

// RateLimited builds a rate-limit rejection error.
func RateLimited(format string, args ...interface{}) *Error {
	return newError(KindRateLimited, nil, format, args...)
}

// Upstream builds an upstream error wrapping the provider failure.
func Upstream(cause error, format string, args ...interface{}) *Error {
	return newError(KindUpstream, cause, format, args...)
}

// NotReady builds a signer-not-ready error.
func NotReady(format string, args ...interface{}) *Error {
	return newError(KindNotReady, nil, format, args...)
}

// PendingConfirmation builds a retryable pending-confirmation error.
func PendingConfirmation(format string, args ...interface{}) *Error {
	return newError(KindPendingConfirmation, nil, format, args...)
}

// KindOf extracts the classification from err, or KindUpstream when the
// error is not an apperror value.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindUpstream
}

// DetailOf extracts the detail message from err, falling back to the raw
// error string.
func DetailOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.detail
	}
	return err.Error()
}
