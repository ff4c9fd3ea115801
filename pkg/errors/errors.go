// Package errors provides a small typed-error taxonomy used by the batch
// evaluation engine to distinguish configuration mistakes (fatal, raised at
// setup time) from engine-fatal conditions (raised only when stopOnError
// aborts a batch) from ordinary row-level failures, which are carried as
// plain errors in RowResult and never wrapped in AppError.
package errors

import (
	"errors"
	"fmt"
)

// AppErrorType classifies the handful of non-row-level failure modes this
// engine can raise.
type AppErrorType string

const (
	// ConfigurationError covers unsupported export formats, undetectable
	// auto-format, and missing required row fields — raised at setup or
	// parse time, always fatal to the call that triggered it.
	ConfigurationError AppErrorType = "CONFIGURATION_ERROR"

	// EngineFatalError is raised only when stopOnError is set and a row
	// reaches terminal failure; it aborts the in-progress Evaluate call.
	EngineFatalError AppErrorType = "ENGINE_FATAL_ERROR"

	// ExportError covers write failures of export destinations and state
	// snapshot backends. From post-hoc Export() it propagates directly to
	// the caller; from a streaming sink it fails the row's commit attempt.
	ExportError AppErrorType = "EXPORT_ERROR"
)

// AppError is a typed error with an optional wrapped cause.
type AppError struct {
	Err     error
	Type    AppErrorType
	Message string
	Details string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s - %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with no wrapped cause.
func New(errorType AppErrorType, message, details string) *AppError {
	return &AppError{Type: errorType, Message: message, Details: details}
}

// Wrap creates an AppError around an existing error.
func Wrap(errorType AppErrorType, message string, err error) *AppError {
	return &AppError{Type: errorType, Message: message, Err: err}
}

// NewConfigurationError builds a fatal setup/parse-time error.
func NewConfigurationError(message, details string) *AppError {
	return New(ConfigurationError, message, details)
}

// NewEngineFatalError wraps the row error that triggered a stopOnError abort.
func NewEngineFatalError(rowIndex int, rowErr error) *AppError {
	return Wrap(EngineFatalError, fmt.Sprintf("row %d failed terminally and stopOnError is set", rowIndex), rowErr)
}

// NewExportError wraps a post-hoc export failure.
func NewExportError(message string, err error) *AppError {
	return Wrap(ExportError, message, err)
}

// As reports whether err is (or wraps) an *AppError, returning it if so.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether err is an AppError of the given type.
func Is(err error, t AppErrorType) bool {
	appErr, ok := As(err)
	return ok && appErr.Type == t
}
