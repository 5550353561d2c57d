package provider

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError represents a structured API error with retry metadata.
type APIError struct {
	StatusCode   int
	ErrorType    string
	Message      string
	RetryAfterMs int
}

// Error satisfies the error interface.
func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("%s: %s", e.ErrorType, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true for rate limit, overload, and timeout errors.
func (e *APIError) IsRetryable() bool {
	switch e.StatusCode {
	case 408, 429, 503, 529:
		return true
	}
	switch e.ErrorType {
	case "rate_limit_error", "overloaded_error", "timeout_error":
		return true
	}
	// Mid-stream SSE errors (StatusCode 0) with retryable types.
	if e.StatusCode == 0 && e.ErrorType != "" {
		return e.ErrorType == "overloaded_error" || e.ErrorType == "api_error"
	}
	return false
}

// NewAPIError creates an APIError from HTTP response metadata.
func NewAPIError(statusCode int, errorType, message string, header http.Header) *APIError {
	return &APIError{
		StatusCode:   statusCode,
		ErrorType:    errorType,
		Message:      message,
		RetryAfterMs: parseRetryAfter(header),
	}
}

// parseRetryAfter extracts retry delay from HTTP headers. Checks the
// provider's retry-after-ms first, then standard Retry-After (seconds or
// HTTP-date format).
func parseRetryAfter(h http.Header) int {
	if h == nil {
		return 0
	}

	if ms := h.Get("retry-after-ms"); ms != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(ms)); err == nil && v > 0 {
			return v
		}
	}

	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return secs * 1000
	}

	if t, err := time.Parse(time.RFC1123, ra); err == nil {
		ms := int(time.Until(t).Milliseconds())
		if ms > 0 {
			return ms
		}
	}

	return 0
}

// isTransient reports whether err is worth retrying: a retryable API error
// or a dropped connection mid-stream.
func isTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return isStreamError(err)
}

// isStreamError returns true for connection errors that cut a response
// short (the request may have succeeded server-side; retrying is safe for
// our idempotent reads of a fresh completion).
func isStreamError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "reading stream:")
}
