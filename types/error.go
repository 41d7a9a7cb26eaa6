package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents a unified error code across the coordination core.
type ErrorCode string

// Surfaced error codes. Auxiliary-backend failures, cache misses, and
// single-provider failures are absorbed internally and never carry one of these.
const (
	ErrNotFound            ErrorCode = "NOT_FOUND"
	ErrDanglingReference   ErrorCode = "DANGLING_REFERENCE"
	ErrConflict            ErrorCode = "CONFLICT"
	ErrProposalClosed      ErrorCode = "PROPOSAL_CLOSED"
	ErrBudgetExceeded      ErrorCode = "BUDGET_EXCEEDED"
	ErrBackendUnavailable  ErrorCode = "BACKEND_UNAVAILABLE"
	ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrInvalidArgument     ErrorCode = "INVALID_ARGUMENT"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and the identifying
// keys involved (entity name, message id, proposal id) so a caller can
// correlate it against its own request.
type Error struct {
	Code    ErrorCode         `json:"code"`
	Message string            `json:"message"`
	Keys    map[string]string `json:"keys,omitempty"`
	Cause   error             `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if len(e.Keys) > 0 {
		names := make([]string, 0, len(e.Keys))
		for k := range e.Keys {
			names = append(names, k)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, k := range names {
			parts = append(parts, fmt.Sprintf("%s=%s", k, e.Keys[k]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithKey attaches an identifying key to the error.
func (e *Error) WithKey(name, value string) *Error {
	if e.Keys == nil {
		e.Keys = make(map[string]string)
	}
	e.Keys[name] = value
	return e
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
