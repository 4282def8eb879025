package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/omarluq/gem-relay/internal/config"
	"github.com/omarluq/gem-relay/internal/keypool"
)

// AdminHandler serves the key management endpoints.
type AdminHandler struct {
	registry *keypool.Registry
	runtime  config.RuntimeConfig
	logger   zerolog.Logger
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(registry *keypool.Registry, runtime config.RuntimeConfig, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{registry: registry, runtime: runtime, logger: logger}
}

type addKeyRequest struct {
	Key       string `json:"key"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// AddKey serves POST /relay/keys: registers a new upstream key at runtime.
func (h *AdminHandler) AddKey(w http.ResponseWriter, r *http.Request) {
	var req addKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	var expiresAt time.Time
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request_error", "expires_at must be RFC3339")
			return
		}
		expiresAt = parsed
	}

	key, err := h.registry.Add(req.Key, expiresAt)
	if err != nil {
		switch {
		case errors.Is(err, keypool.ErrEmptyKey):
			WriteError(w, http.StatusBadRequest, "invalid_request_error", "key must not be empty")
		case errors.Is(err, keypool.ErrKeyExists):
			WriteError(w, http.StatusConflict, "invalid_request_error", "key already registered")
		default:
			WriteError(w, http.StatusInternalServerError, "api_error", "failed to add key")
		}
		return
	}

	h.logger.Info().Str("key_id", key.ID).Msg("key added via admin api")
	writeJSON(w, http.StatusCreated, key.Snapshot())
}

// RemoveKey serves DELETE /relay/keys/{id}.
func (h *AdminHandler) RemoveKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.Remove(id); err != nil {
		if errors.Is(err, keypool.ErrKeyNotFound) {
			WriteError(w, http.StatusNotFound, "not_found_error", "no such key")
			return
		}
		WriteError(w, http.StatusInternalServerError, "api_error", "failed to remove key")
		return
	}
	h.logger.Info().Str("key_id", id).Msg("key removed via admin api")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// ReloadKeys serves POST /relay/keys/reload: re-resolves the configured key
// sources and reconciles the registry, preserving quarantine state for keys
// that survive.
func (h *AdminHandler) ReloadKeys(w http.ResponseWriter, _ *http.Request) {
	cfg := h.runtime.Get()
	rawKeys, err := cfg.Keys.Resolve()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "api_error", "failed to resolve key sources")
		return
	}
	keyCfgs, err := PoolKeyConfigs(rawKeys)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "api_error", "failed to parse key configuration")
		return
	}

	h.registry.Reload(keyCfgs)
	h.logger.Info().Int("keys", h.registry.Len()).Msg("keys reloaded via admin api")
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":   h.registry.Len(),
		"active": h.registry.ActiveCount(time.Now()),
	})
}
