// Package errors provides structured error types for the analyst service.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout      = errors.New("operation timed out")
	ErrAuthFailure  = errors.New("authentication failed")
	ErrRateLimit    = errors.New("rate limit exceeded")
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
	ErrCanceled     = errors.New("generation canceled")
	ErrStorage      = errors.New("storage failure")
	ErrBusy         = errors.New("generation already in progress")
	ErrTooLarge     = errors.New("payload too large")
)

// APIError represents an error from an external API call.
type APIError struct {
	Service    string
	StatusCode int
	// Status is the provider's symbolic status, e.g. RESOURCE_EXHAUSTED.
	Status  string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	status := fmt.Sprintf("%d", e.StatusCode)
	if e.Status != "" {
		status += " " + e.Status
	}
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %s): %s: %v", e.Service, status, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %s): %s", e.Service, status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// IsQuota reports whether err carries a rate-limit or resource-exhaustion
// signature. Provider errors are not always typed, so the message text is
// inspected as a last resort.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimit) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.Status == "RESOURCE_EXHAUSTED" {
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}

// IsCanceled reports whether err is a user or context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}
