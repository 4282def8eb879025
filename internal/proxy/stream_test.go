package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarluq/gem-relay/internal/health"
	"github.com/omarluq/gem-relay/internal/keypool"
	"github.com/omarluq/gem-relay/internal/relay"
	"github.com/omarluq/gem-relay/internal/upstream"
	"github.com/omarluq/gem-relay/internal/usage"
)

// droppedConnWriter simulates a client whose connection died after headers
// went out: every body write fails.
type droppedConnWriter struct {
	header http.Header
	status int
}

func newDroppedConnWriter() *droppedConnWriter {
	return &droppedConnWriter{header: make(http.Header)}
}

func (w *droppedConnWriter) Header() http.Header { return w.header }
func (w *droppedConnWriter) WriteHeader(code int) { w.status = code }
func (w *droppedConnWriter) Write([]byte) (int, error) {
	return 0, errors.New("write tcp: broken pipe")
}
func (w *droppedConnWriter) Flush() {}

func newStreamRelay(t *testing.T, upstreamHandler http.Handler) (*relay.Orchestrator, *usage.Tracker) {
	t.Helper()
	srv := httptest.NewServer(upstreamHandler)
	t.Cleanup(srv.Close)

	registry := keypool.NewRegistry([]keypool.KeyConfig{{APIKey: "key-a"}})
	tracker := usage.NewTracker(time.Minute)
	limitsFor := func(string) (usage.Limits, bool) { return usage.Limits{}, true }
	scores := keypool.NewScoreCache(registry, tracker, limitsFor, 5*time.Minute)
	picker := keypool.NewPicker(registry, scores, tracker, keypool.NewRoundRobinSelector(), 0.95)
	logger := zerolog.Nop()
	healthTracker := health.NewTracker(health.Config{}, &logger)
	client := upstream.NewClient(srv.URL, 30*time.Second)
	orch := relay.New(registry, picker, scores, tracker, client, healthTracker, limitsFor, time.Minute, time.Minute, logger)
	return orch, tracker
}

func streamUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hi\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":5}}\n\n")
	})
}

func streamRequest(t *testing.T, h http.Handler, w http.ResponseWriter) {
	t.Helper()
	body := `{"model":"gemini-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("X-Conversation-ID", "conv-1")
	h.ServeHTTP(w, req)
}

func TestServeStream(t *testing.T) {
	t.Run("completed stream persists the turn", func(t *testing.T) {
		orch, _ := newStreamRelay(t, streamUpstream())
		store := newFakeContextStore()
		h := NewHandler(orch, NewModelRewriter(nil), store, zerolog.Nop())

		rec := httptest.NewRecorder()
		streamRequest(t, h, rec)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "data: [DONE]")

		turns := store.appended["conv-1"]
		require.Len(t, turns, 2)
		assert.Equal(t, "user", turns[0].Role)
		assert.Equal(t, "assistant", turns[1].Role)
		assert.Equal(t, "Hi", turns[1].Content)
	})

	t.Run("mid-stream disconnect does not persist the turn", func(t *testing.T) {
		orch, tracker := newStreamRelay(t, streamUpstream())
		store := newFakeContextStore()
		h := NewHandler(orch, NewModelRewriter(nil), store, zerolog.Nop())

		w := newDroppedConnWriter()
		streamRequest(t, h, w)

		assert.Equal(t, http.StatusOK, w.status)
		assert.Empty(t, store.appended)

		// The upstream call still happened, so the tokens stay booked.
		total := int64(0)
		for _, c := range tracker.Snapshot() {
			total += c.TPMInputCount
		}
		assert.Equal(t, int64(5), total)
	})
}
