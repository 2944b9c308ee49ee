// Package errors provides structured error types for the keel engine.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryRegistry   ErrorCategory = "REGISTRY"
	ErrCategoryAppend     ErrorCategory = "APPEND"
	ErrCategoryProjection ErrorCategory = "PROJECTION"
	ErrCategorySnapshot   ErrorCategory = "SNAPSHOT"
	ErrCategoryRebuild    ErrorCategory = "REBUILD"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Registry codes
	CodeContention     = "CONTENTION"
	CodeRetryExhausted = "RETRY_EXHAUSTED"

	// Lookup codes
	CodeLogNotFound      = "LOG_NOT_FOUND"
	CodeEntityNotFound   = "ENTITY_NOT_FOUND"
	CodeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	CodeUnknownEventType = "UNKNOWN_EVENT_TYPE"

	// Replay codes
	CodeSequenceGap       = "SEQUENCE_GAP"
	CodeIncompleteHistory = "INCOMPLETE_HISTORY"
	CodeTransitionFailed  = "TRANSITION_FAILED"

	// Storage codes
	CodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	CodeUploadFailed       = "UPLOAD_FAILED"
	CodeObjectNotFound     = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// KeelError is the structured error type used throughout the system.
type KeelError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *KeelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *KeelError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *KeelError) Is(target error) bool {
	var t *KeelError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new KeelError.
func New(category ErrorCategory, code, message string) *KeelError {
	return &KeelError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Wrap creates a new KeelError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *KeelError {
	return &KeelError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *KeelError) WithDetails(details map[string]interface{}) *KeelError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ke *KeelError
	if errors.As(err, &ke) {
		return ke.Retryable
	}
	return false
}

// IsNotFound reports whether the error is one of the not-found codes.
func IsNotFound(err error) bool {
	switch GetCode(err) {
	case CodeLogNotFound, CodeEntityNotFound, CodeSnapshotNotFound:
		return true
	}
	return false
}

// IsIncomplete reports whether the error indicates that the requested replay
// range predates retained history.
func IsIncomplete(err error) bool {
	return GetCode(err) == CodeIncompleteHistory
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a KeelError.
func GetCategory(err error) ErrorCategory {
	var ke *KeelError
	if errors.As(err, &ke) {
		return ke.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a KeelError.
func GetCode(err error) string {
	var ke *KeelError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// isRetryable determines if an error code is transient.
func isRetryable(code string) bool {
	switch code {
	case CodeContention, CodeStorageUnavailable, CodeUploadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewContentionError(message string) *KeelError {
	return New(ErrCategoryRegistry, CodeContention, message)
}

func NewRetryExhaustedError(message string, cause error) *KeelError {
	return Wrap(ErrCategoryRegistry, CodeRetryExhausted, message, cause)
}

func NewIncompleteError(message string) *KeelError {
	return New(ErrCategoryRebuild, CodeIncompleteHistory, message)
}

func NewGapError(category ErrorCategory, message string) *KeelError {
	return New(category, CodeSequenceGap, message)
}

func NewStorageError(code, message string, cause error) *KeelError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *KeelError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
