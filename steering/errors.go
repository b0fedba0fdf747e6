// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package steering

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies the request-fatal errors the steering layer returns
// to callers. Kinds are stable API values; new kinds may be added but
// existing ones never change meaning.
type ErrorKind string

const (
	// ErrPolicyBlocked means a safety check rejected the request or the
	// response. The error carries only sanitized violation categories,
	// never the matched text.
	ErrPolicyBlocked ErrorKind = "policy_blocked"

	// ErrRateLimited means the client exceeded its request budget.
	ErrRateLimited ErrorKind = "rate_limited"

	// ErrProviderUnavailable means no healthy provider path could serve
	// the request (circuits open, paths disabled, or emergency shutdown).
	ErrProviderUnavailable ErrorKind = "provider_unavailable"

	// ErrTimeout means the per-operation deadline elapsed before the
	// provider answered.
	ErrTimeout ErrorKind = "timeout"

	// ErrConfig means the configuration is invalid. Config errors are
	// fatal at startup and rejected on admin updates.
	ErrConfig ErrorKind = "config_error"

	// ErrInternal covers unexpected failures inside the pipeline.
	ErrInternal ErrorKind = "internal_error"
)

// Error is the stable error type surfaced by the steering layer. The
// CorrelationID ties an API error to the audit trail and structured logs
// without exposing request content.
type Error struct {
	Kind          ErrorKind `json:"kind"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Cause         error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation_id=%s)", e.Kind, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error kind to the response status the API layer uses.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case ErrPolicyBlocked:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a steering error without a correlation id.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorf creates a steering error with a formatted message.
func NewErrorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCorrelation attaches a correlation id and returns the error.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// WithCause attaches the underlying error and returns the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// KindOf extracts the ErrorKind from err, unwrapping as needed. Errors that
// are not steering errors report ErrInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrInternal
}
