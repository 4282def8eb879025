package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuthenticator validates a single shared bearer secret. Requests that
// pass are attributed to one anonymous principal.
type BearerAuthenticator struct {
	hash      [32]byte
	principal string
}

// NewBearerAuthenticator creates the authenticator for the shared secret.
func NewBearerAuthenticator(secret string) *BearerAuthenticator {
	return &BearerAuthenticator{
		hash:      sha256.Sum256([]byte(secret)),
		principal: "bearer",
	}
}

// Validate checks the Authorization header against the shared secret.
func (a *BearerAuthenticator) Validate(r *http.Request) Result {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return Result{Type: TypeBearer, Error: "missing bearer token"}
	}

	providedHash := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(providedHash[:], a.hash[:]) != 1 {
		return Result{Type: TypeBearer, Error: "invalid bearer token"}
	}

	return Result{Valid: true, Type: TypeBearer, Principal: a.principal}
}

// Type returns the authentication type.
func (a *BearerAuthenticator) Type() Type {
	return TypeBearer
}
