// Package errors provides structured error types for cipm.
//
// Every failure that reaches the CLI carries a machine-readable [Code] so
// callers can tell a missing manifest from a drifted lockfile or a failed
// build step without matching on message text.
//
// # Error Codes
//
// Codes fall into a few families:
//   - INVALID_*: input validation failures (options, package names, paths)
//   - MANIFEST_* / LOCKFILE_*: problems with the install inputs
//   - EXTRACTION_* / SCRIPT_*: failures while materializing the tree
//   - NOT_FOUND: content missing from the cache
//
// # Usage
//
//	err := errors.New(errors.ErrCodeLockfileOutOfSync, "missing: %s@%s", name, spec)
//	if errors.Is(err, errors.ErrCodeLockfileOutOfSync) {
//	    // Handle drift
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeExtraction, origErr, "extract %s@%s", name, version)
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
	ErrCodeInvalidInput   Code = "INVALID_INPUT"
	ErrCodeInvalidPackage Code = "INVALID_PACKAGE"
	ErrCodeInvalidPath    Code = "INVALID_PATH"

	// Install input errors
	ErrCodeManifestNotFound    Code = "MANIFEST_NOT_FOUND"
	ErrCodeLockfileUnsupported Code = "LOCKFILE_UNSUPPORTED"
	ErrCodeLockfileOutOfSync   Code = "LOCKFILE_OUT_OF_SYNC"
	ErrCodeJSONParse           Code = "JSON_PARSE"

	// Install phase errors
	ErrCodeExtraction Code = "EXTRACTION_FAILED"
	ErrCodeScript     Code = "SCRIPT_FAILED"

	// Resource errors
	ErrCodeNotFound Code = "NOT_FOUND"
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

// PackageError identifies the package a phase failure belongs to.
// It is the Cause of EXTRACTION_FAILED and SCRIPT_FAILED errors so callers
// can recover name, version and location with errors.As.
type PackageError struct {
	Name    string
	Version string
	Path    string
	Event   string // lifecycle event, empty for extraction failures
	Status  int    // script exit status, zero for extraction failures
	Err     error
}

// Error implements the error interface.
func (e *PackageError) Error() string {
	id := e.Name + "@" + e.Version
	switch {
	case e.Event != "" && e.Err != nil:
		return fmt.Sprintf("%s %s (%s): %v", id, e.Event, e.Path, e.Err)
	case e.Event != "":
		return fmt.Sprintf("%s %s (%s): exit status %d", id, e.Event, e.Path, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s (%s): %v", id, e.Path, e.Err)
	}
	return fmt.Sprintf("%s (%s)", id, e.Path)
}

// Unwrap returns the underlying error.
func (e *PackageError) Unwrap() error { return e.Err }
