package keypool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/mo"

	"github.com/omarluq/gem-relay/internal/usage"
)

// Score weights. Daily dimensions dominate: burning a day's quota is far more
// costly than a minute window that clears itself in 60 seconds.
const (
	weightRPD      = 0.60
	weightTPDInput = 0.20
	weightRPM      = 0.15
	weightTPMInput = 0.05
)

// LimitsFunc resolves the configured limits for a model. The second return is
// false when the model has no limits entry (treated as unconstrained).
type LimitsFunc func(model string) (usage.Limits, bool)

type scoreEntry struct {
	scores     map[string]float64 // key ID -> score in [0, 1]
	computedAt time.Time
}

// ScoreCache holds an approximately-fresh health score per (key, model).
//
// Reads are served from the cached per-model map. A stale or missing entry
// triggers an asynchronous recompute while the stale value (possibly nil) is
// returned immediately (stale while revalidate). A background Run loop also
// refreshes every known model on the configured interval.
type ScoreCache struct {
	registry  *Registry
	tracker   *usage.Tracker
	limitsFor LimitsFunc
	refresh   time.Duration
	now       func() time.Time

	mu         sync.RWMutex
	entries    map[string]*scoreEntry
	refreshing map[string]bool
}

// NewScoreCache creates a ScoreCache refreshing at the given interval.
func NewScoreCache(registry *Registry, tracker *usage.Tracker, limitsFor LimitsFunc, refresh time.Duration) *ScoreCache {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	return &ScoreCache{
		registry:   registry,
		tracker:    tracker,
		limitsFor:  limitsFor,
		refresh:    refresh,
		now:        time.Now,
		entries:    make(map[string]*scoreEntry),
		refreshing: make(map[string]bool),
	}
}

// GetScores returns the cached score map for a model. When the entry is stale
// or missing, a recompute is started in the background and the current map
// (possibly nil) is returned without blocking. A nil/empty map tells the
// selector to fall back to its simple strategy; it never means "no keys".
func (s *ScoreCache) GetScores(model string) map[string]float64 {
	s.mu.RLock()
	entry := s.entries[model]
	inFlight := s.refreshing[model]
	s.mu.RUnlock()

	fresh := entry != nil && s.now().Sub(entry.computedAt) < s.refresh
	if !fresh && !inFlight {
		s.mu.Lock()
		if !s.refreshing[model] {
			s.refreshing[model] = true
			go s.recomputeAsync(model)
		}
		s.mu.Unlock()
	}

	if entry == nil {
		return nil
	}
	return entry.scores
}

// Recompute synchronously rebuilds the score map for a model and installs it
// atomically (whole-map replace, never a partial merge).
func (s *ScoreCache) Recompute(model string) {
	keys := s.registry.Keys()
	limits, known := s.limitsFor(model)
	if !known {
		limits = usage.Limits{}
	}

	scores := make(map[string]float64, len(keys))
	for _, key := range keys {
		counter, _ := s.tracker.SnapshotFor(key.ID, model)
		scores[key.ID] = scoreCounter(counter, limits)
	}

	s.mu.Lock()
	s.entries[model] = &scoreEntry{scores: scores, computedAt: s.now()}
	s.mu.Unlock()

	log.Debug().Str("model", model).Int("keys", len(scores)).Msg("score cache recomputed")
}

// RemoveKey drops a removed key from every cached score map.
func (s *ScoreCache) RemoveKey(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for model, entry := range s.entries {
		if _, ok := entry.scores[keyID]; !ok {
			continue
		}
		replaced := make(map[string]float64, len(entry.scores)-1)
		for id, score := range entry.scores {
			if id != keyID {
				replaced[id] = score
			}
		}
		s.entries[model] = &scoreEntry{scores: replaced, computedAt: entry.computedAt}
	}
}

// Run refreshes every known model on the cache interval until ctx is done.
func (s *ScoreCache) Run(ctx context.Context) {
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			models := make([]string, 0, len(s.entries))
			for model := range s.entries {
				models = append(models, model)
			}
			s.mu.RUnlock()

			for _, model := range models {
				s.Recompute(model)
			}
		}
	}
}

func (s *ScoreCache) recomputeAsync(model string) {
	defer func() {
		s.mu.Lock()
		delete(s.refreshing, model)
		s.mu.Unlock()
	}()
	s.Recompute(model)
}

// scoreCounter computes the weighted remaining-capacity score in [0, 1].
// An exhausted hard-limited daily dimension (RPD or TPD-input) forces 0
// regardless of the minute windows.
func scoreCounter(c usage.Counter, limits usage.Limits) float64 {
	if rpd, ok := limits.RPD.Get(); ok && c.RPDCount >= rpd {
		return 0
	}
	if tpd, ok := limits.TPDInput.Get(); ok && c.TPDInputCount >= int64(tpd) {
		return 0
	}

	score := weightRPD * remainingFraction(float64(c.RPDCount), limits.RPD)
	score += weightTPDInput * remainingFractionInt64(c.TPDInputCount, limits.TPDInput)
	score += weightRPM * remainingFraction(float64(c.RPMCount), limits.RPM)
	score += weightTPMInput * remainingFractionInt64(c.TPMInputCount, limits.TPMInput)
	return score
}

func remainingFraction(used float64, limit mo.Option[int]) float64 {
	l, ok := limit.Get()
	if !ok || l <= 0 {
		return 1 // unconstrained dimension contributes full capacity
	}
	frac := 1 - used/float64(l)
	if frac < 0 {
		return 0
	}
	return frac
}

func remainingFractionInt64(used int64, limit mo.Option[int]) float64 {
	return remainingFraction(float64(used), limit)
}
