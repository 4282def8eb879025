package keypool

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/omarluq/gem-relay/internal/usage"
)

// SelectionHook receives the chosen key and a short reason string.
// Wired to the reporter for diagnostics; never required for correctness.
type SelectionHook func(keyID, model, reason string)

// Selection reason strings passed to the hook.
const (
	ReasonNearBest = "near_best_lru"
	ReasonFallback = "fallback"
)

// Picker selects the next key to try for a model, combining the registry's
// candidate set, the score cache, and the usage tracker's LRU timestamps.
//
// Selection itself is side-effect-free with respect to the exclusion set:
// the caller marks a key "tried" after deciding to actually use it.
type Picker struct {
	registry *Registry
	scores   *ScoreCache
	tracker  *usage.Tracker
	fallback FallbackSelector
	band     float64
	now      func() time.Time
	onSelect SelectionHook
}

// NewPicker creates a Picker. band is the near-best fraction in (0, 1].
func NewPicker(
	registry *Registry,
	scores *ScoreCache,
	tracker *usage.Tracker,
	fallback FallbackSelector,
	band float64,
) *Picker {
	if band <= 0 || band > 1 {
		band = 0.95
	}
	return &Picker{
		registry: registry,
		scores:   scores,
		tracker:  tracker,
		fallback: fallback,
		band:     band,
		now:      time.Now,
	}
}

// OnSelect installs the diagnostics hook.
func (p *Picker) OnSelect(hook SelectionHook) {
	p.onSelect = hook
}

// Select picks the best available key for the model, never returning a key in
// excluded, a key exhausted for today, or a key still cooling down.
//
// Returns ErrNoKeys when the registry is empty (a configuration problem) and
// ErrAllKeysExhausted when keys exist but none is currently selectable (a
// transient, retryable condition).
func (p *Picker) Select(model string, excluded map[string]struct{}) (*KeyMetadata, error) {
	if p.registry.Len() == 0 {
		return nil, ErrNoKeys
	}

	now := p.now()
	today := now.Format(usage.DateLayout)

	candidates := lo.Filter(p.registry.Keys(), func(k *KeyMetadata, _ int) bool {
		if _, tried := excluded[k.ID]; tried {
			return false
		}
		return k.Selectable(now, today)
	})
	if len(candidates) == 0 {
		return nil, ErrAllKeysExhausted
	}

	scores := p.scores.GetScores(model)
	if len(scores) == 0 {
		// Cold or empty cache: simple fair selection, not "no keys exist".
		key, err := p.fallback.Select(candidates)
		if err != nil {
			return nil, err
		}
		p.fireHook(key.ID, model, ReasonFallback)
		return key, nil
	}

	key := p.pickNearBest(candidates, scores, model)
	p.fireHook(key.ID, model, ReasonNearBest)
	return key, nil
}

// pickNearBest takes the candidates scoring within the near-best band of the
// maximum and returns the least-recently-used of them. Greedy best-only
// selection would starve every other key; the band plus LRU tie-break spreads
// quota consumption while staying close to optimal.
func (p *Picker) pickNearBest(candidates []*KeyMetadata, scores map[string]float64, model string) *KeyMetadata {
	scoreOf := func(k *KeyMetadata) float64 {
		// Keys missing from the score map (added since the last recompute)
		// count as full capacity.
		if s, ok := scores[k.ID]; ok {
			return s
		}
		return 1
	}

	best := lo.MaxBy(candidates, func(a, b *KeyMetadata) bool {
		return scoreOf(a) > scoreOf(b)
	})
	maxScore := scoreOf(best)

	nearBest := lo.Filter(candidates, func(k *KeyMetadata, _ int) bool {
		return scoreOf(k) >= maxScore*p.band
	})
	if len(nearBest) == 0 {
		nearBest = []*KeyMetadata{best}
	}

	oldest := lo.MinBy(nearBest, func(a, b *KeyMetadata) bool {
		return p.tracker.LastRequestAt(a.ID, model).Before(p.tracker.LastRequestAt(b.ID, model))
	})

	log.Debug().
		Str("model", model).
		Str("key_id", oldest.ID).
		Float64("max_score", maxScore).
		Int("near_best", len(nearBest)).
		Msg("selected key")

	return oldest
}

func (p *Picker) fireHook(keyID, model, reason string) {
	if p.onSelect != nil {
		p.onSelect(keyID, model, reason)
	}
}
