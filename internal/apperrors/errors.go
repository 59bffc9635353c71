// Package apperrors defines the error taxonomy shared by every layer of the
// service. Business-rule violations are returned as *Error values with a
// machine-readable code; the handler layer maps codes to HTTP statuses and a
// stable JSON error shape.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers.
type Code string

const (
	CodeValidation    Code = "validation"    // malformed or inconsistent input
	CodeNotFound      Code = "not_found"     // request/revision does not exist
	CodeForbidden     Code = "forbidden"     // actor not authorized for this transition
	CodeConflict      Code = "conflict"      // transition is a no-op or status is terminal
	CodeConfiguration Code = "configuration" // unrecognized system-generated approver type
	CodeDependency    Code = "dependency"    // identity or catalog lookup failed
	CodeInternal      Code = "internal"      // unexpected infrastructure failure
)

// Error carries a code, a human-readable message, optional per-field details
// and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Fields  map[string]string // field name -> problem, validation errors only
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap annotates an underlying error with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, id),
	}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: message,
		Fields:  map[string]string{field: message},
	}
}

// Forbidden reports an authorization failure.
func Forbidden(message string) *Error {
	return &Error{Code: CodeForbidden, Message: message}
}

// Conflict reports a transition that cannot apply to the current state.
func Conflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

// CodeOf extracts the code from an error chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// FieldsOf extracts per-field validation details from an error chain, or nil.
func FieldsOf(err error) map[string]string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Fields
	}
	return nil
}

// HTTPStatus maps an error to the HTTP status the handler layer should return.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeConfiguration, CodeDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
