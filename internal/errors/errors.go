package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

/**
 * Custom error types for the image translation worker
 *
 * Every failure the pipeline reacts to is tagged with an ErrorCode so that
 * fail-over, circuit breaking and retry decisions switch on the code
 * instead of on message text.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Provider taxonomy
	ErrorTransientNetwork  ErrorCode = "TRANSIENT_NETWORK"
	ErrorQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"
	ErrorAuthFailed        ErrorCode = "AUTH_FAILED"
	ErrorMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	ErrorAborted           ErrorCode = "ABORTED"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"

	// Pipeline errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorLayoutFailed      ErrorCode = "LAYOUT_FAILED"
	ErrorServiceDegraded   ErrorCode = "SERVICE_DEGRADED"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"

	// ErrorUnknown is returned by CodeOf for errors that carry no code
	ErrorUnknown ErrorCode = "UNKNOWN"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code       ErrorCode
	Message    string
	JobID      string
	Provider   string
	Timestamp  time.Time
	RetryAfter time.Duration
	Details    map[string]interface{}
	Cause      error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Is matches another *ProcessingError by code, so sentinel comparisons
// like errors.Is(err, ErrAborted) work across wrapping.
func (e *ProcessingError) Is(target error) bool {
	t, ok := target.(*ProcessingError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Factory functions for common errors

func NewTransientError(provider string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorTransientNetwork,
		Message:   "Transient provider failure",
		Provider:  provider,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewQuotaExceededError(provider string, retryAfter time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:       ErrorQuotaExceeded,
		Message:    fmt.Sprintf("%s quota exceeded", provider),
		Provider:   provider,
		Timestamp:  time.Now(),
		RetryAfter: retryAfter,
		Details: map[string]interface{}{
			"retry_after": retryAfter.String(),
		},
		Cause: cause,
	}
}

func NewAuthFailedError(provider string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorAuthFailed,
		Message:   fmt.Sprintf("%s rejected the credential", provider),
		Provider:  provider,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewMalformedResponseError(provider string, detail string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorMalformedResponse,
		Message:   fmt.Sprintf("Malformed %s response: %s", provider, detail),
		Provider:  provider,
		Timestamp: time.Now(),
	}
}

func NewAbortedError(cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorAborted,
		Message:   "Operation aborted",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewOCRFailedError(jobID string, engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("OCR failed in engine: %s", engine),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"ocr_engine": engine,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewLayoutFailedError(text string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorLayoutFailed,
		Message:   "Failed to lay out region text",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"text_length": len(text),
		},
		Cause: cause,
	}
}

func NewServiceDegradedError(kind ErrorCode, provider string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorServiceDegraded,
		Message:   fmt.Sprintf("%s degraded after repeated %s failures, stopping", provider, kind),
		Provider:  provider,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"tripped_by": string(kind),
		},
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store processing results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// Sentinels for errors.Is checks. Only the code is compared.
var (
	ErrAborted         = &ProcessingError{Code: ErrorAborted}
	ErrQuotaExceeded   = &ProcessingError{Code: ErrorQuotaExceeded}
	ErrServiceDegraded = &ProcessingError{Code: ErrorServiceDegraded}
)

// CodeOf returns the code of the first ProcessingError in err's chain
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ErrorUnknown
}

// RetryAfterOf returns the provider supplied back-off hint, if any
func RetryAfterOf(err error) time.Duration {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// IsRetryable reports whether the same credential may be tried again
func IsRetryable(code ErrorCode) bool {
	return code == ErrorTransientNetwork
}

// ClassifyHTTP maps a provider HTTP status and body to an error code.
// A zero status means the request never produced a response.
func ClassifyHTTP(status int, body string) ErrorCode {
	lower := strings.ToLower(body)
	switch {
	case status == 0:
		return ErrorTransientNetwork
	case status == 429:
		return ErrorQuotaExceeded
	case status == 401 || status == 403:
		if strings.Contains(lower, "quota") {
			return ErrorQuotaExceeded
		}
		return ErrorAuthFailed
	case status == 502 || status == 503 || status == 504 || status == 408:
		return ErrorTransientNetwork
	}
	switch {
	case strings.Contains(lower, "quota"), strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many"):
		return ErrorQuotaExceeded
	case strings.Contains(lower, "key invalid"), strings.Contains(lower, "api key not valid"), strings.Contains(lower, "unauthorized"):
		return ErrorAuthFailed
	case status >= 500:
		return ErrorTransientNetwork
	}
	return ErrorMalformedResponse
}

// ToMap converts error to map for database storage and event payloads
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.Provider != "" {
		result["provider"] = e.Provider
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
