// Package healthapi is the HTTP client for the remote health data feed.
// It retries transient failures with exponential backoff and classifies
// everything else into sentinel errors.
package healthapi

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, healthapi.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("healthapi: bad request")
	ErrUnauthorized = errors.New("healthapi: unauthorized")
	ErrForbidden    = errors.New("healthapi: forbidden")
	ErrNotFound     = errors.New("healthapi: not found")
	ErrGone         = errors.New("healthapi: anchor gone")
	ErrThrottled    = errors.New("healthapi: throttled")
	ErrServerError  = errors.New("healthapi: server error")
)

// APIError wraps a sentinel with the HTTP status, request id and response
// body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("healthapi: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("healthapi: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a dedicated sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the status is transient.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
