package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/omarluq/gem-relay/internal/health"
	"github.com/omarluq/gem-relay/internal/keypool"
	"github.com/omarluq/gem-relay/internal/upstream"
	"github.com/omarluq/gem-relay/internal/usage"
)

// Upstream is the slice of the Gemini client the orchestrator needs.
// Satisfied by *upstream.Client; tests substitute fakes.
type Upstream interface {
	Generate(ctx context.Context, apiKey, model string, body *upstream.GenerateRequest) (*upstream.GenerateResponse, error)
	StreamGenerate(ctx context.Context, apiKey, model string, body *upstream.GenerateRequest) (*upstream.Stream, error)
}

// Request is one client request to relay upstream.
type Request struct {
	Model    string
	Body     *upstream.GenerateRequest
	ClientIP string
}

// Orchestrator runs the select-check-call-classify loop. Each request tries
// keys until one succeeds, the pool is exhausted, or the failure is one that
// another key cannot fix.
type Orchestrator struct {
	registry *keypool.Registry
	picker   *keypool.Picker
	scores   *keypool.ScoreCache
	tracker  *usage.Tracker
	client   Upstream
	health   *health.Tracker
	limits   keypool.LimitsFunc
	logger   zerolog.Logger

	cooldown   time.Duration
	maxBackoff time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an Orchestrator.
func New(
	registry *keypool.Registry,
	picker *keypool.Picker,
	scores *keypool.ScoreCache,
	tracker *usage.Tracker,
	client Upstream,
	healthTracker *health.Tracker,
	limits keypool.LimitsFunc,
	cooldown, maxBackoff time.Duration,
	logger zerolog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		registry:   registry,
		picker:     picker,
		scores:     scores,
		tracker:    tracker,
		client:     client,
		health:     healthTracker,
		limits:     limits,
		cooldown:   cooldown,
		maxBackoff: maxBackoff,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// attemptState tracks one request's progress through the pool.
type attemptState struct {
	model       string
	tried       map[string]struct{}
	attempts    int
	maxAttempts int
	lastKind    failureKind
	lastErr     error
	sawFailure  bool
}

func (o *Orchestrator) newAttemptState(model string) *attemptState {
	active := o.registry.ActiveCount(o.now())
	if active < 1 {
		active = 1
	}
	return &attemptState{
		model:       model,
		tried:       make(map[string]struct{}),
		maxAttempts: active,
	}
}

// nextKey picks a key that passes the local rate check, marking keys that
// fail it as tried without consuming an attempt.
func (o *Orchestrator) nextKey(model string, st *attemptState) (*keypool.KeyMetadata, error) {
	limits, ok := o.limits(model)
	if !ok {
		o.logger.Warn().Str("model", model).Msg("model has no configured limits, admitting unconstrained")
	}
	for {
		key, err := o.picker.Select(model, st.tried)
		if err != nil {
			return nil, err
		}
		if o.tracker.CheckAndReserve(key.ID, model, limits) {
			return key, nil
		}
		o.logger.Debug().
			Str("key_id", key.ID).
			Str("model", model).
			Msg("key at local limit, skipping")
		st.tried[key.ID] = struct{}{}
		if !st.sawFailure {
			st.lastKind = kindRateLimit
			st.sawFailure = true
		}
	}
}

// handleFailure updates key state for a classified failure and reports
// whether the loop should continue. Terminal failures come back as an error.
func (o *Orchestrator) handleFailure(ctx context.Context, key *keypool.KeyMetadata, st *attemptState, err error) error {
	kind := classify(err)
	if ctx.Err() != nil {
		// The inbound request is gone; whatever the upstream reported, there
		// is nobody left to retry for.
		kind = kindCanceled
	}
	st.lastKind = kind
	st.lastErr = err
	st.sawFailure = true

	switch kind {
	case kindCanceled:
		return &Error{Category: CategoryCanceled, Message: "client disconnected", Err: err}

	case kindBadRequest:
		return &Error{Category: CategoryBadRequest, Message: "upstream rejected request", Err: err}

	case kindDaily:
		today := o.now().Format(usage.DateLayout)
		key.MarkDailyExhausted(today)
		o.scores.Recompute(st.model)
		o.logger.Warn().Str("key_id", key.ID).Msg("key exhausted daily quota")

	case kindAuth:
		key.Deactivate(err)
		o.scores.Recompute(st.model)
		o.logger.Error().Str("key_id", key.ID).Err(err).Msg("key rejected, deactivating")

	case kindRateLimit:
		o.logger.Warn().Str("key_id", key.ID).Msg("key rate limited upstream")
		delay := backoffDelay(st.attempts-1, o.maxBackoff)
		if serr := o.sleep(ctx, delay); serr != nil {
			return &Error{Category: CategoryCanceled, Message: "client disconnected during backoff", Err: serr}
		}

	case kindTransient:
		key.MarkUnavailable(o.now().Add(o.cooldown), err)
		o.logger.Warn().Str("key_id", key.ID).Err(err).Msg("upstream failure, cooling key down")
	}

	return nil
}

// exhausted synthesizes the terminal error once no attempt succeeded. The
// category mirrors the last failure seen so the client gets an honest status.
func (st *attemptState) exhausted() *Error {
	switch {
	case !st.sawFailure, st.lastKind == kindRateLimit, st.lastKind == kindDaily:
		return &Error{Category: CategoryRateLimited, Message: "all keys rate limited", Err: st.lastErr}
	default:
		return &Error{Category: CategoryUpstream, Message: "all attempts failed", Err: st.lastErr}
	}
}

// recordUsage books prompt tokens against the key once the upstream reports
// them. Missing usage falls back to a size estimate so token windows cannot
// silently drift unbounded.
func (o *Orchestrator) recordUsage(keyID string, req *Request, meta *upstream.UsageMetadata) {
	tokens := int64(0)
	if meta != nil {
		tokens = meta.PromptTokenCount
	}
	if tokens == 0 {
		tokens = upstream.EstimatePromptTokens(req.Body)
	}
	o.tracker.RecordTokenUsage(keyID, req.Model, tokens, req.ClientIP)
}

// Execute relays a non-streaming request, retrying across keys.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) (*upstream.GenerateResponse, error) {
	st := o.newAttemptState(req.Model)
	blocked := 0

	for st.attempts < st.maxAttempts {
		key, err := o.nextKey(req.Model, st)
		if err != nil {
			return nil, o.selectionError(err, st)
		}
		st.attempts++
		st.tried[key.ID] = struct{}{}

		done, err := o.health.Allow(req.Model)
		if err != nil {
			return nil, &Error{Category: CategoryUpstream, Message: "model circuit open", Err: err}
		}

		resp, err := o.client.Generate(ctx, key.APIKey, req.Model, req.Body)
		if err != nil {
			done(err)
			if terminal := o.handleFailure(ctx, key, st, err); terminal != nil {
				return nil, terminal
			}
			continue
		}
		done(nil)

		if resp.Blocked() {
			// The request consumed quota even though nothing usable came
			// back. Another key may apply different safety settings.
			o.recordUsage(key.ID, req, resp.UsageMetadata)
			st.sawFailure = true
			blocked++
			o.logger.Warn().Str("key_id", key.ID).Str("model", req.Model).Msg("response blocked, retrying with another key")
			continue
		}

		o.recordUsage(key.ID, req, resp.UsageMetadata)
		return resp, nil
	}

	if blocked > 0 && blocked == st.attempts {
		return nil, &Error{Category: CategoryBlocked, Message: "content blocked on every attempt"}
	}
	return nil, st.exhausted()
}

func (o *Orchestrator) selectionError(err error, st *attemptState) error {
	if err == keypool.ErrNoKeys {
		return &Error{Category: CategoryNoKeys, Message: "no keys configured", Err: err}
	}
	// Keys exist but none is selectable right now.
	return st.exhausted()
}

// StreamSession is an established upstream stream bound to the key that
// opened it. The caller subscribes to Events and reports usage from the
// chunks that carry it.
type StreamSession struct {
	KeyID  string
	stream *upstream.Stream
	orch   *Orchestrator
	req    *Request
}

// Stream returns the underlying upstream stream.
func (s *StreamSession) Stream() *upstream.Stream {
	return s.stream
}

// RecordUsage books tokens reported by a stream chunk.
func (s *StreamSession) RecordUsage(meta *upstream.UsageMetadata) {
	s.orch.recordUsage(s.KeyID, s.req, meta)
}

// RecordEstimatedUsage books an estimate when the stream ended without ever
// reporting usage.
func (s *StreamSession) RecordEstimatedUsage() {
	s.orch.recordUsage(s.KeyID, s.req, nil)
}

// Close releases the upstream connection.
func (s *StreamSession) Close() error {
	return s.stream.Close()
}

// ExecuteStream opens a streaming relay. Retry happens only while setting the
// stream up; once the upstream starts producing chunks the response is
// committed and mid-stream failures surface to the client as-is.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req *Request) (*StreamSession, error) {
	st := o.newAttemptState(req.Model)

	for st.attempts < st.maxAttempts {
		key, err := o.nextKey(req.Model, st)
		if err != nil {
			return nil, o.selectionError(err, st)
		}
		st.attempts++
		st.tried[key.ID] = struct{}{}

		done, err := o.health.Allow(req.Model)
		if err != nil {
			return nil, &Error{Category: CategoryUpstream, Message: "model circuit open", Err: err}
		}

		stream, err := o.client.StreamGenerate(ctx, key.APIKey, req.Model, req.Body)
		if err != nil {
			done(err)
			if terminal := o.handleFailure(ctx, key, st, err); terminal != nil {
				return nil, terminal
			}
			continue
		}
		done(nil)

		return &StreamSession{
			KeyID:  key.ID,
			stream: stream,
			orch:   o,
			req:    req,
		}, nil
	}

	return nil, st.exhausted()
}
