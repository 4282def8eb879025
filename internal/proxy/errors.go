package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omarluq/gem-relay/internal/relay"
)

// ErrorResponse matches the OpenAI error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error type and message.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// WriteError writes a JSON error response in OpenAI format.
func WriteError(w http.ResponseWriter, statusCode int, errorType, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error: ErrorDetail{
			Message: message,
			Type:    errorType,
		},
	})
}

// WriteRateLimitError writes a 429 with a Retry-After header.
func WriteRateLimitError(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	WriteError(w, http.StatusTooManyRequests, "rate_limit_error",
		"All upstream keys are at capacity. Retry after the indicated delay.")
}

// errorType maps a relay failure category to the OpenAI error type string.
func errorType(cat relay.Category) string {
	switch cat {
	case relay.CategoryRateLimited:
		return "rate_limit_error"
	case relay.CategoryBadRequest, relay.CategoryBlocked:
		return "invalid_request_error"
	case relay.CategoryNoKeys:
		return "service_unavailable_error"
	default:
		return "api_error"
	}
}

// WriteRelayError maps a terminal relay failure to the client response.
func WriteRelayError(w http.ResponseWriter, err *relay.Error) {
	status := err.Category.HTTPStatus()
	if err.Category == relay.CategoryCanceled {
		// The client is gone; nothing useful to write.
		return
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	WriteError(w, status, errorType(err.Category), err.Message)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
