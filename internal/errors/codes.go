// Package errors provides structured error handling for the indexer.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (file, disk, index)
//   - 3XX: Network errors
//   - 4XX: Request errors surfaced synchronously to callers
//   - 5XX: Internal and asynchronous processing errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file, disk and index I/O errors.
	CategoryIO Category = "IO"
	// CategoryNetwork indicates network-related errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryRequest indicates errors returned to the requesting client.
	CategoryRequest Category = "REQUEST"
	// CategoryInternal indicates internal and background processing errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO errors (200-299)
	ErrCodeFileNotFound  = "ERR_201_FILE_NOT_FOUND"
	ErrCodeDataDirLocked = "ERR_202_DATA_DIR_LOCKED"
	ErrCodeDiskFull      = "ERR_203_DISK_FULL"
	ErrCodeCorruptIndex  = "ERR_205_CORRUPT_INDEX"
	ErrCodeJournal       = "ERR_207_JOURNAL"

	// Network errors (300-399)
	ErrCodeNetworkTimeout     = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeNetworkUnavailable = "ERR_302_NETWORK_UNAVAILABLE"

	// Request errors (400-499)
	ErrCodeInvalidInput = "ERR_401_INVALID_INPUT"
	ErrCodeForbidden    = "ERR_403_FORBIDDEN"
	ErrCodeNotFound     = "ERR_404_NOT_FOUND"
	ErrCodeRejected     = "ERR_409_REJECTED"
	ErrCodeRateLimited  = "ERR_429_RATE_LIMITED"

	// Internal errors (500-599)
	ErrCodeInternal            = "ERR_501_INTERNAL"
	ErrCodeProcessingFailed    = "ERR_502_PROCESSING_FAILED"
	ErrCodeExpired             = "ERR_503_EXPIRED"
	ErrCodeMatchConversion     = "ERR_504_MATCH_CONVERSION"
	ErrCodeIndexFailed         = "ERR_505_INDEX_FAILED"
	ErrCodeUpstreamUnavailable = "ERR_506_UPSTREAM_UNAVAILABLE"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Numeric portion, e.g. "403" from "ERR_403_FORBIDDEN"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryRequest
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeDiskFull, ErrCodeDataDirLocked:
		return SeverityFatal
	case ErrCodeMatchConversion:
		return SeverityInfo
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeNetworkTimeout, ErrCodeNetworkUnavailable, ErrCodeProcessingFailed, ErrCodeUpstreamUnavailable:
		return true
	default:
		return false
	}
}
