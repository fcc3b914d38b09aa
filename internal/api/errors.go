// Package api provides the client for the farm-operations REST backend.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// RequestError is a non-2xx response from the backend.
type RequestError struct {
	Op         string
	StatusCode int
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: backend returned status %d", e.Op, e.StatusCode)
}

// IsTransient reports whether a drain failure should be retried with backoff:
// transport errors, timeouts, and server-side statuses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.StatusCode >= 500:
			return true
		case reqErr.StatusCode == http.StatusTooManyRequests,
			reqErr.StatusCode == http.StatusRequestTimeout:
			return true
		default:
			return false
		}
	}

	// Anything that never reached the backend (connection reset, DNS, ...)
	// is worth retrying.
	return true
}

// IsRejected reports whether the backend definitively rejected the mutation
// (validation failure, conflict, not-found). Rejected mutations are never
// retried; the queue entry is acked and surfaced as a failed action.
func IsRejected(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode >= 400 && reqErr.StatusCode < 500 &&
			reqErr.StatusCode != http.StatusTooManyRequests &&
			reqErr.StatusCode != http.StatusRequestTimeout
	}
	return false
}
