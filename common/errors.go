package common

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier. Codes are the
// contract exposed to callers; human messages may be localized, codes
// never are.
type Code string

const (
	CodeStorageUnreachable  Code = "storage_unreachable"
	CodeAccessDenied        Code = "access_denied"
	CodeObjectTooLarge      Code = "object_too_large"
	CodeNotFound            Code = "not_found"
	CodeInvalidInput        Code = "invalid_input"
	CodeUnsupportedFormat   Code = "unsupported_format"
	CodeSecurityViolation   Code = "security_violation"
	CodeAIProviderTimeout   Code = "ai_provider_timeout"
	CodeAIProviderRateLimit Code = "ai_provider_rate_limit"
	CodeAIMalformedJSON     Code = "ai_malformed_json"
	CodeDocumentLockTimeout Code = "document_lock_timeout"
	CodeGeometryInvalid     Code = "geometry_invalid"
	CodeSolverNonConvergent Code = "solver_non_convergent"
	CodeSolverTimeout       Code = "solver_timeout"
	CodeChecksumMismatch    Code = "checksum_mismatch"
	CodeResourceExceeded    Code = "resource_exceeded"
	CodeRedisTimeout        Code = "redis_timeout"
	CodeInternal            Code = "internal"
)

// retryable holds the fixed retryability of each code, per the taxonomy
// in spec §7: transient infrastructure errors retry, everything else
// (input, security, external-collaborator, integrity, resource) does not.
var retryable = map[Code]bool{
	CodeStorageUnreachable: true,
	CodeAIProviderTimeout:  true,
	CodeAIProviderRateLimit: true,
	CodeDocumentLockTimeout: true,
	CodeRedisTimeout:        true,
}

// Error is the error type returned across every package boundary in this
// module. It always carries a stable Code, a human Message, and optionally
// the underlying cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the scheduler's retry policy should re-attempt
// the operation that produced this error.
func (e *Error) Retryable() bool {
	return retryable[e.Code]
}

// New constructs an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error; returns CodeInternal otherwise.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err should be retried under the scheduler's
// retry policy. Non-*Error values are treated as non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
