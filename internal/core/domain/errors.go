// Package domain provides the canonical types shared by every stage of the
// request pipeline.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a pipeline error.
type ErrorType string

const (
	// ErrorTypeAuditWrite indicates a ledger append could not be durably recorded.
	ErrorTypeAuditWrite ErrorType = "audit_write_failure"

	// ErrorTypeWorkerUnavailable indicates the inference worker is not running.
	ErrorTypeWorkerUnavailable ErrorType = "worker_unavailable"

	// ErrorTypeRequestTimeout indicates the per-request budget was exceeded.
	ErrorTypeRequestTimeout ErrorType = "request_timeout"

	// ErrorTypeNoProvider indicates routing exhausted every option.
	ErrorTypeNoProvider ErrorType = "no_provider_available"

	// ErrorTypePrivacyViolation indicates a request asked for processing its
	// feature class does not permit. It is recorded, never surfaced as a failure.
	ErrorTypePrivacyViolation ErrorType = "privacy_policy_violation"

	// ErrorTypeProvider indicates an inference provider returned an error.
	ErrorTypeProvider ErrorType = "provider_error"

	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeChainBroken indicates an audit chain failed verification.
	ErrorTypeChainBroken ErrorType = "chain_broken"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeRateLimitExceeded     ErrorCode = "rate_limit_exceeded"
	ErrorCodeInvalidAPIKey         ErrorCode = "invalid_api_key"
	ErrorCodeContextLengthExceeded ErrorCode = "context_length_exceeded"
	ErrorCodeOverloaded            ErrorCode = "overloaded"
	ErrorCodeQueueFull             ErrorCode = "queue_full"
	ErrorCodeWorkerStopped         ErrorCode = "worker_stopped"
	ErrorCodeFallbackFailed        ErrorCode = "fallback_failed"
	ErrorCodeFallbackDisabled      ErrorCode = "fallback_disabled"
	ErrorCodeMalformedOutput       ErrorCode = "malformed_output"
	ErrorCodeHashMismatch          ErrorCode = "hash_mismatch"
	ErrorCodeLinkMismatch          ErrorCode = "link_mismatch"
	ErrorCodePositionGap           ErrorCode = "position_gap"
)

// PipelineError is the canonical error carried between pipeline stages.
type PipelineError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *PipelineError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a PipelineError of the same type. A target
// carrying a code must match the code as well.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	if t.Type != e.Type {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *PipelineError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRequestTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeWorkerUnavailable, ErrorTypeNoProvider:
		return http.StatusServiceUnavailable
	case ErrorTypeProvider:
		return http.StatusBadGateway
	case ErrorTypeChainBroken:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new pipeline error.
func NewError(errType ErrorType, message string) *PipelineError {
	return &PipelineError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *PipelineError) WithCode(code ErrorCode) *PipelineError {
	e.Code = code
	return e
}

// WithCause records the underlying error.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.cause = err
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *PipelineError) WithStatusCode(code int) *PipelineError {
	e.StatusCode = code
	return e
}

// ErrAuditWrite creates an audit write failure.
func ErrAuditWrite(message string) *PipelineError {
	return NewError(ErrorTypeAuditWrite, message)
}

// ErrWorkerUnavailable creates a worker unavailable error.
func ErrWorkerUnavailable(message string) *PipelineError {
	return NewError(ErrorTypeWorkerUnavailable, message)
}

// ErrRequestTimeout creates a request timeout error.
func ErrRequestTimeout(message string) *PipelineError {
	return NewError(ErrorTypeRequestTimeout, message)
}

// ErrNoProvider creates a no provider available error.
func ErrNoProvider(message string) *PipelineError {
	return NewError(ErrorTypeNoProvider, message)
}

// ErrPrivacyViolation creates a privacy policy violation error.
func ErrPrivacyViolation(message string) *PipelineError {
	return NewError(ErrorTypePrivacyViolation, message)
}

// ErrProvider creates a provider error.
func ErrProvider(message string) *PipelineError {
	return NewError(ErrorTypeProvider, message)
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *PipelineError {
	return NewError(ErrorTypeInvalidRequest, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *PipelineError {
	return NewError(ErrorTypeNotFound, message)
}

// ErrChainBroken creates a chain verification error.
func ErrChainBroken(message string) *PipelineError {
	return NewError(ErrorTypeChainBroken, message)
}

// AsPipelineError extracts a PipelineError from err. Errors that are not
// pipeline errors are wrapped as provider errors.
func AsPipelineError(err error) *PipelineError {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return ErrProvider(err.Error())
}

// IsType reports whether err carries a PipelineError of the given type.
func IsType(err error, errType ErrorType) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type == errType
	}
	return false
}
