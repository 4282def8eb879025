package proxy

import (
	"net/http"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/omarluq/gem-relay/internal/config"
)

// modelEntry is one row in the OpenAI models list.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelsResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// ModelsHandler serves GET /v1/models: every model with a limits entry plus
// every configured alias.
type ModelsHandler struct {
	runtime config.RuntimeConfig
	started int64
}

// NewModelsHandler creates the models listing handler.
func NewModelsHandler(runtime config.RuntimeConfig) *ModelsHandler {
	return &ModelsHandler{runtime: runtime, started: time.Now().Unix()}
}

func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	cfg := h.runtime.Get()

	names := lo.Keys(cfg.Models)
	names = append(names, lo.Keys(cfg.Server.Aliases)...)
	names = lo.Uniq(names)
	sort.Strings(names)

	entries := lo.Map(names, func(name string, _ int) modelEntry {
		return modelEntry{
			ID:      name,
			Object:  "model",
			Created: h.started,
			OwnedBy: "google",
		}
	})

	writeJSON(w, http.StatusOK, modelsResponse{Object: "list", Data: entries})
}
