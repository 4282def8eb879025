// Package auth authenticates inbound relay clients. Credentials are named
// API keys checked on the Authorization header or x-api-key, plus an
// optional shared bearer secret.
package auth

import "net/http"

// Type is the authentication method used.
type Type string

const (
	// TypeAPIKey is x-api-key or Authorization: Bearer <credential key>.
	TypeAPIKey Type = "api_key"
	// TypeBearer is the shared bearer secret.
	TypeBearer Type = "bearer"
	// TypeNone means no method matched.
	TypeNone Type = "none"
)

// Result is the outcome of an authentication attempt. Principal names the
// matched credential so throttling and logs can attribute traffic.
type Result struct {
	Valid     bool
	Type      Type
	Principal string
	Error     string
}

// Authenticator validates a request's credentials.
type Authenticator interface {
	Validate(r *http.Request) Result
	Type() Type
}
