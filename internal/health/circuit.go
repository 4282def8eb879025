package health

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// State represents the circuit breaker state.
type State = gobreaker.State

// Circuit breaker state constants.
const (
	StateClosed   = gobreaker.StateClosed
	StateOpen     = gobreaker.StateOpen
	StateHalfOpen = gobreaker.StateHalfOpen
)

// ErrCircuitOpen is returned by Allow when the circuit is open.
var ErrCircuitOpen = errors.New("health: circuit open")

// CircuitBreaker wraps sony/gobreaker TwoStepCircuitBreaker for one model.
type CircuitBreaker struct {
	cb    *gobreaker.TwoStepCircuitBreaker[struct{}]
	model string
}

// NewCircuitBreaker creates a circuit breaker for the named model.
func NewCircuitBreaker(model string, cfg Config, logger *zerolog.Logger) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name: model,
		//nolint:gosec // GetHalfOpenProbes is always positive
		MaxRequests: uint32(cfg.GetHalfOpenProbes()),
		Timeout:     cfg.GetOpenDuration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			//nolint:gosec // GetFailureThreshold is always positive
			return counts.ConsecutiveFailures >= uint32(cfg.GetFailureThreshold())
		},
		OnStateChange: func(model string, from, to gobreaker.State) {
			if logger == nil {
				return
			}
			event := logger.Info()
			if to == gobreaker.StateOpen {
				event = logger.Warn()
			}
			event.
				Str("model", model).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// A client hanging up is not an upstream failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &CircuitBreaker{
		cb:    gobreaker.NewTwoStepCircuitBreaker[struct{}](settings),
		model: model,
	}
}

// Allow checks if a request may pass. The returned done func must be called
// with the attempt's outcome.
func (c *CircuitBreaker) Allow() (done func(err error), err error) {
	d, err := c.cb.Allow()
	if err != nil {
		return nil, ErrCircuitOpen
	}
	return d, nil
}

// State returns the current circuit state.
func (c *CircuitBreaker) State() State {
	return c.cb.State()
}

// Model returns the model this circuit guards.
func (c *CircuitBreaker) Model() string {
	return c.model
}
