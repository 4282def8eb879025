package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/omarluq/gem-relay/internal/relay"
	"github.com/omarluq/gem-relay/internal/store"
	"github.com/omarluq/gem-relay/internal/upstream"
)

// Relay is the slice of the orchestrator the handler needs. Tests substitute
// fakes.
type Relay interface {
	Execute(ctx context.Context, req *relay.Request) (*upstream.GenerateResponse, error)
	ExecuteStream(ctx context.Context, req *relay.Request) (*relay.StreamSession, error)
}

// ContextStore is the conversation history surface the handler uses.
// Satisfied by *store.Store.
type ContextStore interface {
	History(ctx context.Context, conversation string) ([]upstream.ChatMessage, error)
	Append(ctx context.Context, conversation string, messages []upstream.ChatMessage) error
	Clear(ctx context.Context, conversation string) error
}

var _ ContextStore = (*store.Store)(nil)

// Handler serves POST /v1/chat/completions.
type Handler struct {
	relay    Relay
	rewriter *ModelRewriter
	contexts ContextStore // nil when context persistence is disabled
	logger   zerolog.Logger
}

// NewHandler creates the chat completions handler. contexts may be nil.
func NewHandler(r Relay, rewriter *ModelRewriter, contexts ContextStore, logger zerolog.Logger) *Handler {
	return &Handler{
		relay:    r,
		rewriter: rewriter,
		contexts: contexts,
		logger:   logger,
	}
}

// clientIP extracts the originating client address, trusting the first
// X-Forwarded-For entry when present.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// conversationID resolves the conversation key: explicit header first, then
// the OpenAI user field.
func conversationID(r *http.Request, req *upstream.ChatRequest) string {
	if id := r.Header.Get("X-Conversation-ID"); id != "" {
		return id
	}
	return req.User
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isBodyTooLarge(err) {
			WriteError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
			return
		}
		WriteError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	body, requested, resolved := h.rewriter.Rewrite(body, logger)

	var chatReq upstream.ChatRequest
	if err := json.Unmarshal(body, &chatReq); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if chatReq.Model == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(chatReq.Messages) == 0 {
		WriteError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	conversation := conversationID(r, &chatReq)
	newMessages := chatReq.Messages
	if h.contexts != nil && conversation != "" {
		history, err := h.contexts.History(r.Context(), conversation)
		if err != nil {
			logger.Warn().Err(err).Str("conversation", conversation).Msg("history load failed")
		} else if len(history) > 0 {
			chatReq.Messages = append(history, chatReq.Messages...)
		}
	}

	relayReq := &relay.Request{
		Model:    resolved,
		Body:     upstream.ToGenerateRequest(&chatReq),
		ClientIP: clientIP(r),
	}

	if chatReq.Stream {
		h.serveStream(w, r, relayReq, requested, conversation, newMessages)
		return
	}

	resp, err := h.relay.Execute(r.Context(), relayReq)
	if err != nil {
		WriteRelayError(w, relay.AsError(err))
		return
	}

	out := upstream.ToChatResponse(resp, requested)
	writeJSON(w, http.StatusOK, out)

	h.saveTurns(r.Context(), conversation, newMessages, out.Choices[0].Message.Content)
}

// saveTurns appends the client's new messages plus the assistant reply to the
// conversation's history.
func (h *Handler) saveTurns(ctx context.Context, conversation string, sent []upstream.ChatMessage, reply string) {
	if h.contexts == nil || conversation == "" {
		return
	}
	turns := append([]upstream.ChatMessage{}, sent...)
	if reply != "" {
		turns = append(turns, upstream.ChatMessage{Role: "assistant", Content: reply})
	}
	// The request context may already be canceled once the response is out.
	if err := h.contexts.Append(context.WithoutCancel(ctx), conversation, turns); err != nil {
		h.logger.Warn().Err(err).Str("conversation", conversation).Msg("history append failed")
	}
}

func isBodyTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// ClearConversationHandler serves DELETE /v1/conversations/{id}.
func (h *Handler) ClearConversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.contexts == nil {
			WriteError(w, http.StatusNotFound, "not_found_error", "context persistence disabled")
			return
		}
		id := r.PathValue("id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "invalid_request_error", "conversation id required")
			return
		}
		if err := h.contexts.Clear(r.Context(), id); err != nil {
			WriteError(w, http.StatusInternalServerError, "api_error", "failed to clear conversation")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
	}
}
