package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/ro"

	"github.com/omarluq/gem-relay/internal/relay"
	"github.com/omarluq/gem-relay/internal/upstream"
)

// streamState accumulates what the stream produced, for usage recording and
// context persistence after the stream ends.
type streamState struct {
	text     strings.Builder
	usage    *upstream.UsageMetadata
	finished bool
	writeErr error
}

func writeSSEData(w http.ResponseWriter, flusher http.Flusher, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// serveStream relays a streaming completion. Once the upstream starts
// producing chunks the response is committed; a mid-stream failure becomes an
// inline error payload rather than a status change.
func (h *Handler) serveStream(
	w http.ResponseWriter,
	r *http.Request,
	relayReq *relay.Request,
	requested, conversation string,
	newMessages []upstream.ChatMessage,
) {
	logger := zerolog.Ctx(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
		return
	}

	session, err := h.relay.ExecuteStream(r.Context(), relayReq)
	if err != nil {
		WriteRelayError(w, relay.AsError(err))
		return
	}
	defer session.Close()

	SetSSEHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	translator := upstream.NewChunkTranslator(requested)
	state := &streamState{}

	session.Stream().Events().Subscribe(ro.NewObserver(
		func(chunk *upstream.GenerateResponse) {
			if state.writeErr != nil {
				return
			}
			out := translator.Translate(chunk)
			if len(chunk.Candidates) > 0 {
				for _, p := range chunk.Candidates[0].Parts() {
					state.text.WriteString(p.Text)
				}
				if chunk.Candidates[0].FinishReason != "" {
					state.finished = true
				}
			}
			if chunk.UsageMetadata != nil {
				state.usage = chunk.UsageMetadata
			}
			state.writeErr = writeSSEData(w, flusher, out)
		},
		func(err error) {
			logger.Error().Err(err).Msg("upstream stream failed mid-flight")
			if state.writeErr == nil {
				state.writeErr = writeSSEData(w, flusher, ErrorResponse{
					Error: ErrorDetail{
						Message: "upstream stream interrupted",
						Type:    "api_error",
					},
				})
			}
		},
		func() {},
	))

	if state.writeErr == nil {
		if !state.finished {
			state.writeErr = writeSSEData(w, flusher, translator.Done())
		}
		if state.writeErr == nil {
			if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err == nil {
				flusher.Flush()
			}
		}
	}

	// Tokens were consumed upstream whether or not the client stayed, so
	// usage is always booked. Context is only saved when the full reply
	// reached the client; a disconnect must not persist a partial turn.
	if state.usage != nil {
		session.RecordUsage(state.usage)
	} else {
		session.RecordEstimatedUsage()
	}

	if state.writeErr == nil {
		h.saveTurns(r.Context(), conversation, newMessages, state.text.String())
	} else {
		logger.Debug().Err(state.writeErr).Msg("client gone mid-stream, skipping context save")
	}
}
