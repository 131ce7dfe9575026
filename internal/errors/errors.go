// Package errors provides the OAuth 2.0 error taxonomy used across the server.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OAuth 2.0 registered error codes.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeInvalidScope            = "invalid_scope"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeAccessDenied            = "access_denied"
	CodeInvalidToken            = "invalid_token"
	CodeInsufficientScope       = "insufficient_scope"
	CodeServerError             = "server_error"
	CodeTemporarilyUnavailable  = "temporarily_unavailable"

	// CodeInvalidClientMetadata is the RFC 7591 code for rejected registrations.
	CodeInvalidClientMetadata = "invalid_client_metadata"
)

// DefaultRetryAfter is sent with temporarily_unavailable when no hint is set.
const DefaultRetryAfter = 30 * time.Second

// Error is an OAuth error with an optional underlying cause.
type Error struct {
	Code        string
	Description string
	URI         string
	Scope       string
	RetryAfter  time.Duration
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code for the error.
func (e *Error) Status() int {
	return StatusFor(e.Code)
}

// StatusFor maps an OAuth error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case CodeInvalidToken, CodeInvalidClient:
		return http.StatusUnauthorized
	case CodeInsufficientScope:
		return http.StatusForbidden
	case CodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	case CodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// New creates a new Error with the given code and description.
func New(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Wrap wraps an existing error with a code and description.
func Wrap(err error, code, description string) *Error {
	return &Error{Code: code, Description: description, Err: err}
}

// IsCode checks if an error has a specific OAuth error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// CodeOf returns the OAuth code carried by err, or server_error for foreign errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeServerError
}

// As converts any error into an *Error, mapping unknown errors to server_error.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ServerError("internal server error", err)
}

func InvalidRequest(format string, args ...any) *Error {
	return New(CodeInvalidRequest, fmt.Sprintf(format, args...))
}

func InvalidClient(description string) *Error {
	return New(CodeInvalidClient, description)
}

func InvalidGrant(description string) *Error {
	return New(CodeInvalidGrant, description)
}

func InvalidScope(description string) *Error {
	return New(CodeInvalidScope, description)
}

func UnsupportedGrantType(grantType string) *Error {
	return New(CodeUnsupportedGrantType, fmt.Sprintf("grant_type %q is not supported", grantType))
}

func UnsupportedResponseType(responseType string) *Error {
	return New(CodeUnsupportedResponseType, fmt.Sprintf("response_type %q is not supported", responseType))
}

func AccessDenied(description string) *Error {
	return New(CodeAccessDenied, description)
}

func InvalidToken(description string) *Error {
	return New(CodeInvalidToken, description)
}

// InsufficientScope reports the scopes the caller would have needed.
func InsufficientScope(required []string) *Error {
	return &Error{
		Code:        CodeInsufficientScope,
		Description: "the access token lacks a required scope",
		Scope:       strings.Join(required, " "),
	}
}

func ServerError(description string, err error) *Error {
	return Wrap(err, CodeServerError, description)
}

func TemporarilyUnavailable(description string, retryAfter time.Duration) *Error {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	return &Error{Code: CodeTemporarilyUnavailable, Description: description, RetryAfter: retryAfter}
}

// Registration creates a client registration error.
func Registration(format string, args ...any) *Error {
	return New(CodeInvalidClientMetadata, fmt.Sprintf(format, args...))
}

// Redact keeps only a short prefix and suffix of a secret value for logging.
func Redact(value string) string {
	if len(value) <= 12 {
		return "***"
	}
	return value[:6] + "..." + value[len(value)-4:]
}
