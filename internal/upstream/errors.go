package upstream

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// Error is a non-2xx response from the Gemini API. Body is retained so the
// retry layer can classify quota exhaustion from the error payload.
type Error struct {
	StatusCode int
	Body       []byte
}

func (e *Error) Error() string {
	msg := gjson.GetBytes(e.Body, "error.message").String()
	if msg == "" {
		msg = string(e.Body)
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, msg)
}

// Message returns the upstream error message, or "" when the body has none.
func (e *Error) Message() string {
	return gjson.GetBytes(e.Body, "error.message").String()
}
