package proxy

import "net/http"

// SetSSEHeaders sets the headers required for SSE streaming through
// intermediaries. X-Accel-Buffering disables nginx/CDN buffering.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Connection", "keep-alive")
}
