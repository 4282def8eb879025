package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"github.com/samber/ro"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarluq/gem-relay/internal/health"
	"github.com/omarluq/gem-relay/internal/keypool"
	"github.com/omarluq/gem-relay/internal/upstream"
	"github.com/omarluq/gem-relay/internal/usage"
)

var dailyQuotaBody = []byte(`{
	"error": {
		"code": 429,
		"message": "Resource has been exhausted",
		"details": [{
			"@type": "type.googleapis.com/google.rpc.QuotaFailure",
			"violations": [{"quotaId": "GenerateRequestsPerDayPerProjectPerModel"}]
		}]
	}
}`)

func okResponse() *upstream.GenerateResponse {
	return &upstream.GenerateResponse{
		Candidates: []upstream.Candidate{{
			Content:      upstream.Content{Role: "model", Parts: []upstream.Part{{Text: "hello"}}},
			FinishReason: upstream.FinishStop,
		}},
		UsageMetadata: &upstream.UsageMetadata{PromptTokenCount: 42},
	}
}

func blockedResponse() *upstream.GenerateResponse {
	return &upstream.GenerateResponse{
		Candidates: []upstream.Candidate{{
			FinishReason: upstream.FinishSafety,
		}},
		UsageMetadata: &upstream.UsageMetadata{PromptTokenCount: 42},
	}
}

type fakeCall struct {
	resp *upstream.GenerateResponse
	err  error
}

// fakeUpstream serves scripted results in order, then ok responses forever.
type fakeUpstream struct {
	mu      sync.Mutex
	results []fakeCall
	keys    []string
}

func (f *fakeUpstream) Generate(_ context.Context, apiKey, _ string, _ *upstream.GenerateRequest) (*upstream.GenerateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.keys = append(f.keys, apiKey)
	if len(f.results) == 0 {
		return okResponse(), nil
	}
	call := f.results[0]
	f.results = f.results[1:]
	return call.resp, call.err
}

func (f *fakeUpstream) StreamGenerate(context.Context, string, string, *upstream.GenerateRequest) (*upstream.Stream, error) {
	return nil, errors.New("unexpected stream call")
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

type orchFixture struct {
	registry *keypool.Registry
	tracker  *usage.Tracker
	fake     *fakeUpstream
	orch     *Orchestrator
	now      time.Time
	sleeps   []time.Duration
}

func newOrchFixture(t *testing.T, limits usage.Limits, secrets ...string) *orchFixture {
	t.Helper()

	cfgs := make([]keypool.KeyConfig, len(secrets))
	for i, s := range secrets {
		cfgs[i] = keypool.KeyConfig{APIKey: s}
	}
	registry := keypool.NewRegistry(cfgs)
	tracker := usage.NewTracker(time.Minute)
	limitsFor := func(string) (usage.Limits, bool) { return limits, true }
	scores := keypool.NewScoreCache(registry, tracker, limitsFor, 5*time.Minute)
	picker := keypool.NewPicker(registry, scores, tracker, keypool.NewRoundRobinSelector(), 0.95)

	logger := zerolog.Nop()
	healthTracker := health.NewTracker(health.Config{}, &logger)
	fake := &fakeUpstream{}

	f := &orchFixture{
		registry: registry,
		tracker:  tracker,
		fake:     fake,
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.orch = New(
		registry, picker, scores, tracker, fake, healthTracker, limitsFor,
		time.Minute, time.Minute, logger,
		WithClock(func() time.Time { return f.now }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		}),
	)
	return f
}

func testRequest() *Request {
	return &Request{
		Model: "gemini-pro",
		Body: &upstream.GenerateRequest{
			Contents: []upstream.Content{{Role: "user", Parts: []upstream.Part{{Text: "hi"}}}},
		},
		ClientIP: "10.0.0.1",
	}
}

func TestOrchestratorExecute(t *testing.T) {
	t.Run("first key succeeds", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a")

		resp, err := f.orch.Execute(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "hello", resp.Text())
		assert.Equal(t, 1, f.fake.callCount())

		key := f.registry.Keys()[0]
		c, ok := f.tracker.SnapshotFor(key.ID, "gemini-pro")
		require.True(t, ok)
		assert.Equal(t, 1, c.RPMCount)
		assert.Equal(t, int64(42), c.TPMInputCount)
	})

	t.Run("5xx cools the key and fails over", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a", "key-b")
		f.fake.results = []fakeCall{{err: &upstream.Error{StatusCode: 503}}}

		resp, err := f.orch.Execute(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "hello", resp.Text())
		require.Equal(t, 2, f.fake.callCount())
		assert.NotEqual(t, f.fake.keys[0], f.fake.keys[1])

		cooled := 0
		for _, key := range f.registry.Keys() {
			if key.Snapshot().UnavailableUntil.After(f.now) {
				cooled++
			}
		}
		assert.Equal(t, 1, cooled)
	})

	t.Run("per-minute 429 backs off before the next key", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a", "key-b")
		f.fake.results = []fakeCall{{err: &upstream.Error{StatusCode: 429}}}

		_, err := f.orch.Execute(context.Background(), testRequest())
		require.NoError(t, err)
		require.Len(t, f.sleeps, 1)
		assert.GreaterOrEqual(t, f.sleeps[0], time.Second)
	})

	t.Run("per-day 429 parks the key until tomorrow", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a", "key-b")
		f.fake.results = []fakeCall{{err: &upstream.Error{StatusCode: 429, Body: dailyQuotaBody}}}

		_, err := f.orch.Execute(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Empty(t, f.sleeps)

		today := f.now.Format(usage.DateLayout)
		parked := 0
		for _, key := range f.registry.Keys() {
			if key.Snapshot().DailyExhaustedOn == today {
				parked++
			}
		}
		assert.Equal(t, 1, parked)
	})

	t.Run("401 deactivates the key", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a", "key-b")
		f.fake.results = []fakeCall{{err: &upstream.Error{StatusCode: 401}}}

		_, err := f.orch.Execute(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, 1, f.registry.ActiveCount(f.now))
	})

	t.Run("400 aborts without trying other keys", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a", "key-b")
		f.fake.results = []fakeCall{{err: &upstream.Error{StatusCode: 400}}}

		_, err := f.orch.Execute(context.Background(), testRequest())
		relayErr := AsError(err)
		assert.Equal(t, CategoryBadRequest, relayErr.Category)
		assert.Equal(t, 1, f.fake.callCount())
	})

	t.Run("upstream timeout cools the key and fails over", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a", "key-b")
		f.fake.results = []fakeCall{{err: fmt.Errorf("upstream: %w", context.DeadlineExceeded)}}

		resp, err := f.orch.Execute(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "hello", resp.Text())
		require.Equal(t, 2, f.fake.callCount())
		assert.NotEqual(t, f.fake.keys[0], f.fake.keys[1])

		cooled := 0
		for _, key := range f.registry.Keys() {
			if key.Snapshot().UnavailableUntil.After(f.now) {
				cooled++
			}
		}
		assert.Equal(t, 1, cooled)
	})

	t.Run("dead client is terminal even on a retryable error", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a", "key-b")
		f.fake.results = []fakeCall{{err: &upstream.Error{StatusCode: 503}}}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.orch.Execute(ctx, testRequest())
		assert.Equal(t, CategoryCanceled, AsError(err).Category)
	})

	t.Run("context cancel is terminal", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a", "key-b")
		f.fake.results = []fakeCall{{err: fmt.Errorf("send: %w", context.Canceled)}}

		_, err := f.orch.Execute(context.Background(), testRequest())
		assert.Equal(t, CategoryCanceled, AsError(err).Category)
		assert.Equal(t, 1, f.fake.callCount())
	})

	t.Run("attempts stop at the active key count", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a", "key-b")
		f.fake.results = []fakeCall{
			{err: &upstream.Error{StatusCode: 503}},
			{err: &upstream.Error{StatusCode: 503}},
			{err: &upstream.Error{StatusCode: 503}},
		}

		_, err := f.orch.Execute(context.Background(), testRequest())
		assert.Equal(t, CategoryUpstream, AsError(err).Category)
		assert.Equal(t, 2, f.fake.callCount())
	})

	t.Run("every key rate limited maps to 429", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a", "key-b")
		f.fake.results = []fakeCall{
			{err: &upstream.Error{StatusCode: 429}},
			{err: &upstream.Error{StatusCode: 429}},
		}

		_, err := f.orch.Execute(context.Background(), testRequest())
		assert.Equal(t, CategoryRateLimited, AsError(err).Category)
	})

	t.Run("empty registry reports no keys", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{})

		_, err := f.orch.Execute(context.Background(), testRequest())
		assert.Equal(t, CategoryNoKeys, AsError(err).Category)
		assert.Zero(t, f.fake.callCount())
	})

	t.Run("local limit failures never reach upstream or count as attempts", func(t *testing.T) {
		limits := usage.Limits{RPM: mo.Some(1)}
		f := newOrchFixture(t, limits, "key-a", "key-b")
		for _, key := range f.registry.Keys() {
			require.True(t, f.tracker.CheckAndReserve(key.ID, "gemini-pro", limits))
		}

		_, err := f.orch.Execute(context.Background(), testRequest())
		assert.Equal(t, CategoryRateLimited, AsError(err).Category)
		assert.Zero(t, f.fake.callCount())
	})

	t.Run("blocked response retries on another key", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a", "key-b")
		f.fake.results = []fakeCall{{resp: blockedResponse()}}

		resp, err := f.orch.Execute(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, "hello", resp.Text())
		assert.Equal(t, 2, f.fake.callCount())
	})

	t.Run("blocked everywhere maps to content blocked", func(t *testing.T) {
		f := newOrchFixture(t, usage.Limits{}, "key-a", "key-b")
		f.fake.results = []fakeCall{
			{resp: blockedResponse()},
			{resp: blockedResponse()},
		}

		_, err := f.orch.Execute(context.Background(), testRequest())
		assert.Equal(t, CategoryBlocked, AsError(err).Category)

		// Blocked calls still consumed upstream quota.
		total := int64(0)
		for _, c := range f.tracker.Snapshot() {
			total += c.TPMInputCount
		}
		assert.Equal(t, int64(84), total)
	})
}

func TestOrchestratorExecuteStream(t *testing.T) {
	newStreamFixture := func(t *testing.T, handler http.Handler, secrets ...string) (*orchFixture, *httptest.Server) {
		t.Helper()
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)

		f := newOrchFixture(t, usage.Limits{}, secrets...)
		client := upstream.NewClient(srv.URL, 30*time.Second)
		f.orch.client = client
		return f, srv
	}

	t.Run("retries setup failures then streams", func(t *testing.T) {
		var mu sync.Mutex
		var seenKeys []string
		f, _ := newStreamFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			seenKeys = append(seenKeys, r.Header.Get("x-goog-api-key"))
			calls := len(seenKeys)
			mu.Unlock()

			if calls == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hi\"}]},\"finishReason\":\"STOP\"}]}\n\n")
		}), "key-a", "key-b")

		session, err := f.orch.ExecuteStream(context.Background(), testRequest())
		require.NoError(t, err)
		defer session.Close()

		require.Len(t, seenKeys, 2)
		assert.NotEqual(t, seenKeys[0], seenKeys[1])

		var texts []string
		session.Stream().Events().Subscribe(ro.NewObserver(
			func(chunk *upstream.GenerateResponse) { texts = append(texts, chunk.Text()) },
			func(err error) { t.Errorf("stream error: %v", err) },
			func() {},
		))
		assert.Equal(t, []string{"Hi"}, texts)

		session.RecordUsage(&upstream.UsageMetadata{PromptTokenCount: 7})
		c, ok := f.tracker.SnapshotFor(session.KeyID, "gemini-pro")
		require.True(t, ok)
		assert.Equal(t, int64(7), c.TPMInputCount)
	})

	t.Run("persistent 429 exhausts the pool", func(t *testing.T) {
		f, _ := newStreamFixture(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}), "key-a", "key-b")

		_, err := f.orch.ExecuteStream(context.Background(), testRequest())
		assert.Equal(t, CategoryRateLimited, AsError(err).Category)
	})
}
