package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TransportError is a network or I/O failure during a single round trip.
type TransportError struct {
	Method string
	URL    string
	Cause  error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}

	base := fmt.Sprintf("transport error: %s %s", e.Method, e.URL)
	if e.Cause != nil {
		return base + ": " + e.Cause.Error()
	}
	return base
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// APIError is a completed round trip that returned a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := []string{"api error", fmt.Sprintf("status=%d", e.StatusCode)}
	if body := strings.TrimSpace(e.Body); body != "" {
		parts = append(parts, body)
	}
	return strings.Join(parts, ": ")
}

// IsRetryable reports whether a failed call may succeed on another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}

	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
