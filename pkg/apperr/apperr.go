// Package apperr carries the uniform error envelope used across the
// module: a small code taxonomy, each bound to an HTTP status, plus
// optional structured details (validation field issues, policy deny
// reasons, rate-limit retry hints).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the error taxonomy members.
type Code string

// Error codes and their HTTP status, per the taxonomy table.
const (
	CodeInvalidRequest     Code = "invalid_request"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodePayloadTooLarge    Code = "payload_too_large"
	CodeTooManyRequests    Code = "too_many_requests"
	CodeUpstreamError      Code = "upstream_error"
	CodeConfigurationError Code = "configuration_error"
)

var statusByCode = map[Code]int{
	CodeInvalidRequest:     http.StatusBadRequest,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeNotFound:           http.StatusNotFound,
	CodeConflict:           http.StatusConflict,
	CodePayloadTooLarge:    http.StatusRequestEntityTooLarge,
	CodeTooManyRequests:    http.StatusTooManyRequests,
	CodeUpstreamError:      http.StatusBadGateway,
	CodeConfigurationError: http.StatusInternalServerError,
}

// StatusFor returns the HTTP status associated with code, or 500 for an
// unrecognised code.
func StatusFor(code Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// DenyReason is one entry of a capability-policy or validation denial,
// carried as Error.Details for forbidden/invalid_request responses.
type DenyReason struct {
	Reason     string `json:"reason"`
	Capability string `json:"capability,omitempty"`
	Field      string `json:"field,omitempty"`
}

// Error is the typed error surfaced to the HTTP layer. It never carries a
// stack trace; Message is safe to render to the caller verbatim.
type Error struct {
	Code         Code
	Message      string
	Details      []DenyReason
	RetryAfterMs int64
	cause        error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status this error maps to.
func (e *Error) HTTPStatus() int { return StatusFor(e.Code) }

func newErr(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// InvalidRequest builds a 400 with per-field validation details.
func InvalidRequest(message string, details ...DenyReason) *Error {
	e := newErr(CodeInvalidRequest, message, nil)
	e.Details = details
	return e
}

// Unauthorized builds a 401.
func Unauthorized(message string) *Error { return newErr(CodeUnauthorized, message, nil) }

// Forbidden builds a 403 with deny reasons.
func Forbidden(message string, details ...DenyReason) *Error {
	e := newErr(CodeForbidden, message, nil)
	e.Details = details
	return e
}

// NotFound builds a 404.
func NotFound(message string) *Error { return newErr(CodeNotFound, message, nil) }

// Conflict builds a 409, used for every state-machine violation.
func Conflict(message string) *Error { return newErr(CodeConflict, message, nil) }

// PayloadTooLarge builds a 413 carrying the configured limit.
func PayloadTooLarge(message string, limit int64) *Error {
	e := newErr(CodePayloadTooLarge, message, nil)
	e.Details = []DenyReason{{Reason: fmt.Sprintf("limit=%d", limit)}}
	return e
}

// TooManyRequests builds a 429, optionally carrying a retry hint.
func TooManyRequests(message string, retryAfterMs int64) *Error {
	e := newErr(CodeTooManyRequests, message, nil)
	e.RetryAfterMs = retryAfterMs
	return e
}

// UpstreamError builds a 502 wrapping the broker/provider failure.
func UpstreamError(message string, cause error) *Error {
	return newErr(CodeUpstreamError, message, cause)
}

// ConfigurationError builds a 500 for a fatal boot-time or runtime
// mis-configuration.
func ConfigurationError(message string) *Error {
	return newErr(CodeConfigurationError, message, nil)
}

// As is a convenience wrapper around errors.As for the common case of
// testing whether err is (or wraps) an *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
