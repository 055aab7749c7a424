package errors

import (
	"errors"
	"fmt"
)

// IndexError is the structured error type used across the indexer.
// It carries a stable code so callers can branch with errors.Is and so
// the HTTP layer can map failures to status codes.
type IndexError struct {
	// Code is the unique error code (e.g., "ERR_403_FORBIDDEN").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category derived from the code.
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *IndexError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *IndexError) Unwrap() error {
	return e.Cause
}

// Is matches another IndexError by code.
func (e *IndexError) Is(target error) bool {
	if t, ok := target.(*IndexError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error and returns it.
func (e *IndexError) WithDetail(key, value string) *IndexError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new IndexError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *IndexError {
	return &IndexError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an IndexError from an existing error.
func Wrap(code string, err error) *IndexError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is checks. Matching is by code, so any IndexError
// created with the same code compares equal.
var (
	ErrRejected            = New(ErrCodeRejected, "work queue is stopped", nil)
	ErrForbidden           = New(ErrCodeForbidden, "client identity could not be verified", nil)
	ErrInvalidInput        = New(ErrCodeInvalidInput, "invalid input", nil)
	ErrNotFound            = New(ErrCodeNotFound, "participant is not indexed", nil)
	ErrProcessingFailed    = New(ErrCodeProcessingFailed, "work item processing failed", nil)
	ErrExpired             = New(ErrCodeExpired, "re-index item expired", nil)
	ErrMatchConversion     = New(ErrCodeMatchConversion, "search value conversion failed", nil)
	ErrUpstreamUnavailable = New(ErrCodeUpstreamUnavailable, "business information provider unavailable", nil)
)

// Forbidden creates an identity verification error.
func Forbidden(message string, cause error) *IndexError {
	return New(ErrCodeForbidden, message, cause)
}

// NotFound creates a not-found error for a participant.
func NotFound(participantID string) *IndexError {
	return New(ErrCodeNotFound, fmt.Sprintf("participant %s is not indexed", participantID), nil).
		WithDetail("participant_id", participantID)
}

// ProcessingFailed wraps a performer failure.
func ProcessingFailed(message string, cause error) *IndexError {
	return New(ErrCodeProcessingFailed, message, cause)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *IndexError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// NetworkError creates a network-related error.
// Network errors are retryable.
func NetworkError(message string, cause error) *IndexError {
	return New(ErrCodeNetworkUnavailable, message, cause)
}

// ValidationError creates an input validation error.
func ValidationError(message string, cause error) *IndexError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *IndexError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable reports whether err (or anything it wraps) is a retryable
// IndexError.
func IsRetryable(err error) bool {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	return false
}

// IsFatal reports whether err has fatal severity.
func IsFatal(err error) bool {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code of the first IndexError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// GetCategory extracts the category of the first IndexError in the chain.
func GetCategory(err error) Category {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Category
	}
	return ""
}
