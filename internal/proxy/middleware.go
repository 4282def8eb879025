package proxy

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/omarluq/gem-relay/internal/auth"
	"github.com/omarluq/gem-relay/internal/config"
	"github.com/omarluq/gem-relay/internal/ratelimit"
)

type principalKey struct{}

// Principal returns the authenticated credential name, or "" when the
// request was not authenticated.
func Principal(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey{}).(string); ok {
		return p
	}
	return ""
}

// RequestIDMiddleware adds an X-Request-ID header and a request-scoped logger.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			requestID := request.Header.Get("X-Request-ID")
			ctx := AddRequestID(request.Context(), requestID)
			if requestID == "" {
				requestID = GetRequestID(ctx)
			}
			writer.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(writer, request.WithContext(ctx))
		})
	}
}

// responseWriter captures the status code for completion logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingMiddleware logs each request with method, path, status, and duration.
func LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: writer, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, request)

			logger := zerolog.Ctx(request.Context())
			event := logger.Info()
			switch {
			case wrapped.statusCode >= 500:
				event = logger.Error()
			case wrapped.statusCode >= 400:
				event = logger.Warn()
			}
			event.
				Str("method", request.Method).
				Str("path", request.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

// MultiAuthMiddleware enforces client authentication from config. With no
// methods configured, requests pass through unauthenticated.
func MultiAuthMiddleware(authConfig *config.AuthConfig) func(http.Handler) http.Handler {
	var authenticators []auth.Authenticator

	if len(authConfig.Credentials) > 0 {
		creds := make([]auth.Credential, 0, len(authConfig.Credentials))
		for _, c := range authConfig.Credentials {
			creds = append(creds, auth.Credential{Name: c.Name, Key: c.Key})
		}
		authenticators = append(authenticators, auth.NewAPIKeyAuthenticator(creds))
	}
	if authConfig.BearerSecret != "" {
		authenticators = append(authenticators, auth.NewBearerAuthenticator(authConfig.BearerSecret))
	}

	if len(authenticators) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	chain := auth.NewChainAuthenticator(authenticators...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			result := chain.Validate(request)
			if !result.Valid {
				zerolog.Ctx(request.Context()).Warn().
					Str("auth_type", string(result.Type)).
					Str("error", result.Error).
					Msg("authentication failed")
				WriteError(writer, http.StatusUnauthorized, "authentication_error", result.Error)
				return
			}

			ctx := context.WithValue(request.Context(), principalKey{}, result.Principal)
			next.ServeHTTP(writer, request.WithContext(ctx))
		})
	}
}

// ThrottleMiddleware applies the per-credential request limiter. Requests
// without a principal share the "anonymous" bucket.
func ThrottleMiddleware(limiters *ratelimit.ClientLimiters) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			principal := Principal(request.Context())
			if principal == "" {
				principal = "anonymous"
			}
			if !limiters.Get(principal).Allow(request.Context()) {
				zerolog.Ctx(request.Context()).Warn().
					Str("principal", principal).
					Msg("client throttled")
				WriteRateLimitError(writer, time.Minute)
				return
			}
			next.ServeHTTP(writer, request)
		})
	}
}

// AdminAuthMiddleware guards admin endpoints with the admin secret. With no
// secret configured, admin endpoints are disabled outright.
func AdminAuthMiddleware(secret string) func(http.Handler) http.Handler {
	hash := sha256.Sum256([]byte(secret))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if secret == "" {
				WriteError(writer, http.StatusNotFound, "not_found_error", "admin endpoints disabled")
				return
			}
			token := request.Header.Get("Authorization")
			const prefix = "Bearer "
			if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
				WriteError(writer, http.StatusUnauthorized, "authentication_error", "missing admin token")
				return
			}
			provided := sha256.Sum256([]byte(token[len(prefix):]))
			if subtle.ConstantTimeCompare(provided[:], hash[:]) != 1 {
				WriteError(writer, http.StatusUnauthorized, "authentication_error", "invalid admin token")
				return
			}
			next.ServeHTTP(writer, request)
		})
	}
}

// MaxBodyBytesMiddleware bounds the request body size.
func MaxBodyBytesMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if limit > 0 && request.Body != nil {
				request.Body = http.MaxBytesReader(writer, request.Body, limit)
			}
			next.ServeHTTP(writer, request)
		})
	}
}
