package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// jsonError is the JSON representation of an error.
type jsonError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Category  string            `json:"category"`
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error for HTTP bodies.
// The cause is deliberately omitted; it may contain upstream internals.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}

	var ie *IndexError
	if !errors.As(err, &ie) {
		ie = Wrap(ErrCodeInternal, err)
	}

	return json.Marshal(jsonError{
		Code:      ie.Code,
		Message:   ie.Message,
		Category:  string(ie.Category),
		Details:   ie.Details,
		Retryable: ie.Retryable,
	})
}

// FormatForLog formats an error for structured logging.
// Returns key-value pairs suitable for slog attributes.
func FormatForLog(err error) map[string]any {
	if err == nil {
		return nil
	}

	var ie *IndexError
	if !errors.As(err, &ie) {
		return map[string]any{
			"error": err.Error(),
		}
	}

	result := map[string]any{
		"error_code": ie.Code,
		"message":    ie.Message,
		"category":   string(ie.Category),
		"severity":   string(ie.Severity),
		"retryable":  ie.Retryable,
	}

	if ie.Cause != nil {
		result["cause"] = ie.Cause.Error()
	}

	for k, v := range ie.Details {
		result["detail_"+k] = v
	}

	return result
}

// HTTPStatus maps an error to the HTTP status the ingress responds with.
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case "":
		if err == nil {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRejected, ErrCodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
