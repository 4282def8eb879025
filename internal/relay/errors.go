// Package relay orchestrates request execution across the key pool: key
// selection, pre-flight rate checks, upstream calls, failure classification,
// and retry with backoff.
package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies a terminal relay failure for HTTP mapping.
type Category int

const (
	// CategoryRateLimited means every usable key is rate or quota limited.
	CategoryRateLimited Category = iota
	// CategoryUpstream means the upstream kept failing with 5xx or network
	// errors across all attempts.
	CategoryUpstream
	// CategoryBadRequest means the upstream rejected the request itself;
	// retrying with another key cannot help.
	CategoryBadRequest
	// CategoryNoKeys means the pool is empty or fully deactivated.
	CategoryNoKeys
	// CategoryBlocked means the content was refused on every attempt.
	CategoryBlocked
	// CategoryCanceled means the client went away mid-flight.
	CategoryCanceled
)

func (c Category) String() string {
	switch c {
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryUpstream:
		return "upstream"
	case CategoryBadRequest:
		return "bad_request"
	case CategoryNoKeys:
		return "no_keys"
	case CategoryBlocked:
		return "blocked"
	case CategoryCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// HTTPStatus maps the category to the status the client should see.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryRateLimited:
		return http.StatusTooManyRequests
	case CategoryBadRequest:
		return http.StatusBadRequest
	case CategoryNoKeys:
		return http.StatusServiceUnavailable
	case CategoryBlocked:
		return http.StatusBadRequest
	case CategoryCanceled:
		return 499
	default:
		return http.StatusBadGateway
	}
}

// Error is the terminal failure returned after retries are exhausted or a
// non-retryable condition is hit.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay: %s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("relay: %s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts a relay *Error from err, or wraps it as an upstream
// failure when it is something else.
func AsError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Category: CategoryUpstream, Message: "request failed", Err: err}
}
