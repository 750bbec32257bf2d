// Package errors provides structured error types for the cpkg install engine.
//
// This package defines error codes and types that enable:
//   - Consistent error handling across the CLI and the install pipeline
//   - Machine-readable error codes for programmatic handling
//   - User-friendly single-line failure messages naming the offending package
//   - Error wrapping with context preservation
//
// # Error Codes
//
// Error codes follow a hierarchical naming convention:
//   - INVALID_*: Input validation failures (slugs, manifests)
//   - *_NOT_FOUND: Resource not found
//   - NETWORK_* / FETCH_*: Transport-level failures
//   - CACHE_* / WRITE_*: Degradable subsystem failures
//
// # Usage
//
//	err := errors.New(errors.ErrCodePackageNotFound, "package %s not found in any registry", slug)
//	if errors.Is(err, errors.ErrCodePackageNotFound) {
//	    // Handle the expected not-found outcome
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeFetchFailed, origErr, "failed to fetch %s", url)
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Input validation errors
	ErrCodeInvalidSlug     Code = "INVALID_SLUG"
	ErrCodeInvalidManifest Code = "INVALID_MANIFEST"
	ErrCodeInvalidPath     Code = "INVALID_PATH"

	// Resource not found errors
	ErrCodePackageNotFound  Code = "PACKAGE_NOT_FOUND"
	ErrCodeManifestNotFound Code = "MANIFEST_NOT_FOUND"

	// Transport errors
	ErrCodeFetchFailed Code = "FETCH_FAILED"
	ErrCodeNetwork     Code = "NETWORK_ERROR"
	ErrCodeTimeout     Code = "TIMEOUT"

	// Authentication errors
	ErrCodeAuthRequired Code = "AUTH_REQUIRED"

	// Degradable subsystem errors
	ErrCodeManifestParse Code = "MANIFEST_PARSE"
	ErrCodeCacheDegraded Code = "CACHE_DEGRADED"
	ErrCodeWriteFailed   Code = "WRITE_FAILED"

	// Internal errors
	ErrCodeInternal Code = "INTERNAL_ERROR"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
