package proxy

import (
	"net/http"

	"github.com/omarluq/gem-relay/internal/config"
)

// RouteDeps bundles everything the route table needs.
type RouteDeps struct {
	Runtime  config.RuntimeConfig
	Handler  *Handler
	Models   *ModelsHandler
	Stats    *StatsHandler
	Admin    *AdminHandler
	Throttle func(http.Handler) http.Handler
}

// SetupRoutes builds the full route table.
//
//	POST   /v1/chat/completions   - relay (auth + throttle)
//	GET    /v1/models             - model listing (no auth)
//	DELETE /v1/conversations/{id} - clear stored context (auth)
//	GET    /health                - liveness (no auth)
//	GET    /relay/stats           - pool and usage stats (admin)
//	POST   /relay/keys            - add a key (admin)
//	DELETE /relay/keys/{id}       - remove a key (admin)
//	POST   /relay/keys/reload     - re-resolve key sources (admin)
func SetupRoutes(deps RouteDeps) http.Handler {
	cfg := deps.Runtime.Get()
	mux := http.NewServeMux()

	authMW := MultiAuthMiddleware(&cfg.Server.Auth)
	adminMW := AdminAuthMiddleware(cfg.Server.Auth.AdminSecret)

	// Middleware order: request ID first so everything logs with it, then
	// completion logging, then auth, then the per-credential throttle. The
	// body cap sits innermost so only handlers that read bodies pay for it.
	wrap := func(h http.Handler) http.Handler {
		h = MaxBodyBytesMiddleware(cfg.Server.MaxBodyBytes)(h)
		h = deps.Throttle(h)
		h = authMW(h)
		h = LoggingMiddleware()(h)
		h = RequestIDMiddleware()(h)
		return h
	}
	wrapAdmin := func(h http.Handler) http.Handler {
		h = MaxBodyBytesMiddleware(cfg.Server.MaxBodyBytes)(h)
		h = adminMW(h)
		h = LoggingMiddleware()(h)
		h = RequestIDMiddleware()(h)
		return h
	}

	mux.Handle("POST /v1/chat/completions", wrap(deps.Handler))
	mux.Handle("DELETE /v1/conversations/{id}", wrap(deps.Handler.ClearConversationHandler()))
	mux.Handle("GET /v1/models", deps.Models)

	mux.Handle("GET /relay/stats", wrapAdmin(deps.Stats))
	mux.Handle("POST /relay/keys", wrapAdmin(http.HandlerFunc(deps.Admin.AddKey)))
	mux.Handle("DELETE /relay/keys/{id}", wrapAdmin(http.HandlerFunc(deps.Admin.RemoveKey)))
	mux.Handle("POST /relay/keys/reload", wrapAdmin(http.HandlerFunc(deps.Admin.ReloadKeys)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})

	return mux
}
