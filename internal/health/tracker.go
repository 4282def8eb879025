package health

import (
	"sync"

	"github.com/rs/zerolog"
)

// Tracker manages per-model circuit breakers with lazy creation.
// When the breaker is disabled in config, Allow always passes.
type Tracker struct {
	circuits map[string]*CircuitBreaker
	logger   *zerolog.Logger
	config   Config
	mu       sync.RWMutex
}

// NewTracker creates a Tracker with the given configuration.
func NewTracker(cfg Config, logger *zerolog.Logger) *Tracker {
	return &Tracker{
		circuits: make(map[string]*CircuitBreaker),
		config:   cfg,
		logger:   logger,
	}
}

// Enabled reports whether circuit breaking is active.
func (t *Tracker) Enabled() bool {
	return t.config.Enabled
}

// Allow checks the circuit for a model. Returns a done func to report the
// outcome, or ErrCircuitOpen. When breaking is disabled, the done func is a
// no-op and err is always nil.
func (t *Tracker) Allow(model string) (done func(err error), err error) {
	if !t.config.Enabled {
		return func(error) {}, nil
	}
	return t.circuit(model).Allow()
}

// GetState returns the circuit state for a model.
// Models without a circuit yet report StateClosed.
func (t *Tracker) GetState(model string) State {
	t.mu.RLock()
	cb, exists := t.circuits[model]
	t.mu.RUnlock()

	if !exists {
		return StateClosed
	}
	return cb.State()
}

// AllStates returns a snapshot of every model's circuit state.
func (t *Tracker) AllStates() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	states := make(map[string]State, len(t.circuits))
	for model, cb := range t.circuits {
		states[model] = cb.State()
	}
	return states
}

func (t *Tracker) circuit(model string) *CircuitBreaker {
	t.mu.RLock()
	cb, exists := t.circuits[model]
	t.mu.RUnlock()

	if exists {
		return cb
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, exists = t.circuits[model]; exists {
		return cb
	}

	cb = NewCircuitBreaker(model, t.config, t.logger)
	t.circuits[model] = cb

	if t.logger != nil {
		t.logger.Debug().Str("model", model).Msg("created circuit breaker")
	}

	return cb
}
