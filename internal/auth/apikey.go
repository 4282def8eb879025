package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// credential is a named key, stored hashed.
type credential struct {
	name string
	hash [32]byte
}

// APIKeyAuthenticator validates requests against a set of named credentials.
// OpenAI SDK clients send Authorization: Bearer <key>; x-api-key is accepted
// too. Comparison is constant time over SHA-256 digests, which is sufficient
// for high-entropy keys.
type APIKeyAuthenticator struct {
	credentials []credential
}

// Credential pairs a name with its plaintext key, as loaded from config.
type Credential struct {
	Name string
	Key  string
}

// NewAPIKeyAuthenticator creates an authenticator over the given credentials.
// Keys are hashed at construction; plaintext is not retained.
func NewAPIKeyAuthenticator(creds []Credential) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{}
	for _, c := range creds {
		a.credentials = append(a.credentials, credential{
			name: c.Name,
			hash: sha256.Sum256([]byte(c.Key)),
		})
	}
	return a
}

// extractKey pulls the presented key from the request.
func extractKey(r *http.Request) string {
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return ""
}

// Validate checks the presented key against every credential. Every digest is
// compared regardless of early matches so timing does not leak which
// credential matched.
func (a *APIKeyAuthenticator) Validate(r *http.Request) Result {
	provided := extractKey(r)
	if provided == "" {
		return Result{Type: TypeAPIKey, Error: "missing credentials"}
	}

	providedHash := sha256.Sum256([]byte(provided))

	matched := ""
	for _, c := range a.credentials {
		if subtle.ConstantTimeCompare(providedHash[:], c.hash[:]) == 1 && matched == "" {
			matched = c.name
		}
	}
	if matched == "" {
		return Result{Type: TypeAPIKey, Error: "invalid api key"}
	}

	return Result{Valid: true, Type: TypeAPIKey, Principal: matched}
}

// Type returns the authentication type.
func (a *APIKeyAuthenticator) Type() Type {
	return TypeAPIKey
}
