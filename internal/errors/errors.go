/**
 * Error types for the SnapText OCR worker
 *
 * Every failure that crosses a component boundary is an OCRError with a
 * stable code. Adapters report raw coded errors; retry and fallback decisions
 * are made above them from the code alone.
 */

package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Recognition errors
	ErrorCapture       ErrorCode = "CAPTURE_ERROR"
	ErrorAuth          ErrorCode = "AUTH_ERROR"
	ErrorNetwork       ErrorCode = "NETWORK_ERROR"
	ErrorRateLimit     ErrorCode = "RATE_LIMIT_ERROR"
	ErrorParse         ErrorCode = "PARSE_ERROR"
	ErrorTimeout       ErrorCode = "TIMEOUT"
	ErrorLowConfidence ErrorCode = "LOW_CONFIDENCE"

	// Capture source errors
	ErrorPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorNoActiveWindow   ErrorCode = "NO_ACTIVE_WINDOW"
	ErrorUserCancelled    ErrorCode = "USER_CANCELLED"

	// Infrastructure errors
	ErrorUnknownBackend ErrorCode = "UNKNOWN_BACKEND"
	ErrorFetchFailed    ErrorCode = "FETCH_FAILED"
	ErrorStorageFailed  ErrorCode = "STORAGE_FAILED"
	ErrorQueueFailed    ErrorCode = "QUEUE_FAILED"
	ErrorExportFailed   ErrorCode = "EXPORT_FAILED"
	ErrorInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorNotFound       ErrorCode = "NOT_FOUND"
)

// OCRError represents a structured recognition or infrastructure error
type OCRError struct {
	Code      ErrorCode
	Message   string
	Backend   string
	JobID     string
	Timestamp time.Time
	// RetryAfter carries a provider-supplied throttling hint; it overrides
	// the computed backoff delay when set.
	RetryAfter time.Duration
	Details    map[string]interface{}
	Cause      error
}

func (e *OCRError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *OCRError) Unwrap() error {
	return e.Cause
}

// ToMap converts the error to a map for storage and wire responses
func (e *OCRError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.Backend != "" {
		result["backend"] = e.Backend
	}

	if e.RetryAfter > 0 {
		result["retry_after"] = e.RetryAfter.String()
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// Factory functions for common errors

func NewCaptureError(message string, cause error) *OCRError {
	return &OCRError{
		Code:      ErrorCapture,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewAuthError(backend string, cause error) *OCRError {
	return &OCRError{
		Code:      ErrorAuth,
		Message:   fmt.Sprintf("Authentication rejected by %s", backend),
		Backend:   backend,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewNetworkError(backend string, cause error) *OCRError {
	return &OCRError{
		Code:      ErrorNetwork,
		Message:   fmt.Sprintf("Network failure calling %s", backend),
		Backend:   backend,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewRateLimitError(backend string, retryAfter time.Duration, cause error) *OCRError {
	return &OCRError{
		Code:       ErrorRateLimit,
		Message:    fmt.Sprintf("Rate limited by %s", backend),
		Backend:    backend,
		Timestamp:  time.Now(),
		RetryAfter: retryAfter,
		Details: map[string]interface{}{
			"retry_after_ms": retryAfter.Milliseconds(),
		},
		Cause: cause,
	}
}

func NewParseError(backend string, message string, cause error) *OCRError {
	return &OCRError{
		Code:      ErrorParse,
		Message:   message,
		Backend:   backend,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewTimeoutError(backend string, timeout time.Duration, cause error) *OCRError {
	return &OCRError{
		Code:      ErrorTimeout,
		Message:   fmt.Sprintf("Recognition timed out after %v", timeout),
		Backend:   backend,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": timeout.String(),
		},
		Cause: cause,
	}
}

func NewPermissionDeniedError(message string, cause error) *OCRError {
	return &OCRError{
		Code:      ErrorPermissionDenied,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewNoActiveWindowError() *OCRError {
	return &OCRError{
		Code:      ErrorNoActiveWindow,
		Message:   "Window capture is not available on this platform",
		Timestamp: time.Now(),
	}
}

func NewUnknownBackendError(kind string) *OCRError {
	return &OCRError{
		Code:      ErrorUnknownBackend,
		Message:   fmt.Sprintf("Unknown recognition backend: %q", kind),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"requested_backend": kind,
		},
	}
}

func NewFetchFailedError(url string, cause error) *OCRError {
	return &OCRError{
		Code:      ErrorFetchFailed,
		Message:   fmt.Sprintf("Failed to fetch image from %s", url),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"url": url,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(cause error) *OCRError {
	return &OCRError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to persist history item",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewQueueFailedError(message string, cause error) *OCRError {
	return &OCRError{
		Code:      ErrorQueueFailed,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewExportFailedError(cause error) *OCRError {
	return &OCRError{
		Code:      ErrorExportFailed,
		Message:   "Failed to deliver export list",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewInvalidRequestError(message string) *OCRError {
	return &OCRError{
		Code:      ErrorInvalidRequest,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewNotFoundError(what, id string) *OCRError {
	return &OCRError{
		Code:      ErrorNotFound,
		Message:   fmt.Sprintf("%s %s not found", what, id),
		Timestamp: time.Now(),
	}
}

// AsOCRError extracts an *OCRError from an error chain.
func AsOCRError(err error) (*OCRError, bool) {
	var oe *OCRError
	if stderrors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// CodeOf returns the error's code, or empty when err carries none.
func CodeOf(err error) ErrorCode {
	if oe, ok := AsOCRError(err); ok {
		return oe.Code
	}
	return ""
}

// IsRetryable reports whether the error class is worth another attempt.
// Auth and parse failures are deterministic and never retried.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrorNetwork, ErrorRateLimit, ErrorTimeout:
		return true
	default:
		return false
	}
}

// RetryAfterHint returns the provider throttling hint, 0 when absent.
func RetryAfterHint(err error) time.Duration {
	if oe, ok := AsOCRError(err); ok {
		return oe.RetryAfter
	}
	return 0
}
