// Package report emits periodic usage summaries and rate-capped selection
// diagnostics, and runs the daily quota reset.
package report

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/ro"
	roratelimit "github.com/samber/ro/plugins/ratelimit/native"

	"github.com/omarluq/gem-relay/internal/keypool"
	"github.com/omarluq/gem-relay/internal/usage"
)

// Event is one key-selection diagnostic.
type Event struct {
	KeyID  string
	Model  string
	Reason string
	At     time.Time
}

// Reporter logs selection diagnostics (rate capped so a hot relay cannot
// flood its own logs) and a periodic usage summary.
type Reporter struct {
	registry *keypool.Registry
	tracker  *usage.Tracker
	logger   zerolog.Logger
	interval time.Duration
	diagRate int64
	events   chan Event
}

// NewReporter creates a Reporter. interval of zero disables the periodic
// summary; diagRate caps diagnostic events per minute.
func NewReporter(
	registry *keypool.Registry,
	tracker *usage.Tracker,
	interval time.Duration,
	diagRate int64,
	logger zerolog.Logger,
) *Reporter {
	return &Reporter{
		registry: registry,
		tracker:  tracker,
		logger:   logger,
		interval: interval,
		diagRate: diagRate,
		events:   make(chan Event, 256),
	}
}

// KeySelected is the selection hook. Never blocks; events are dropped when
// the buffer is full.
func (r *Reporter) KeySelected(keyID, model, reason string) {
	select {
	case r.events <- Event{KeyID: keyID, Model: model, Reason: reason, At: time.Now()}:
	default:
	}
}

// Run consumes diagnostics and emits summaries until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	go r.consumeDiagnostics(ctx)

	if r.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logSummary()
		}
	}
}

// consumeDiagnostics drains the event channel through a rate-limited
// observable so diagnostics are capped per minute with backpressure absorbed
// by the channel buffer.
func (r *Reporter) consumeDiagnostics(ctx context.Context) {
	source := ro.NewObservable(func(observer ro.Observer[Event]) ro.Teardown {
		for {
			select {
			case <-ctx.Done():
				observer.Complete()
				return nil
			case ev := <-r.events:
				observer.Next(ev)
			}
		}
	})

	limited := ro.Pipe1(
		source,
		roratelimit.NewRateLimiter[Event](r.diagRate, time.Minute, func(Event) string { return "" }),
	)

	limited.Subscribe(ro.NewObserver(
		func(ev Event) {
			r.logger.Debug().
				Str("key_id", ev.KeyID).
				Str("model", ev.Model).
				Str("reason", ev.Reason).
				Msg("key selected")
		},
		func(err error) {
			r.logger.Error().Err(err).Msg("diagnostics stream failed")
		},
		func() {},
	))
}

func (r *Reporter) logSummary() {
	r.logger.Info().
		Int("keys", r.registry.Len()).
		Int("active_keys", r.registry.ActiveCount(time.Now())).
		Int("requests_today", r.tracker.TotalRPD()).
		Float64("seven_day_avg", r.tracker.SevenDayAverage()).
		Msg("usage summary")
}
