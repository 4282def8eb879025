package keypool

import (
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarluq/gem-relay/internal/usage"
)

func TestScoreCounter(t *testing.T) {
	t.Run("unused key with no limits scores full capacity", func(t *testing.T) {
		score := scoreCounter(usage.Counter{}, usage.Limits{})
		assert.InDelta(t, 1.0, score, 0.0001)
	})

	t.Run("exhausted RPD forces zero", func(t *testing.T) {
		c := usage.Counter{RPDCount: 10}
		limits := usage.Limits{RPD: mo.Some(10)}
		assert.Zero(t, scoreCounter(c, limits))
	})

	t.Run("exhausted TPD input forces zero", func(t *testing.T) {
		c := usage.Counter{TPDInputCount: 5000}
		limits := usage.Limits{TPDInput: mo.Some(5000)}
		assert.Zero(t, scoreCounter(c, limits))
	})

	t.Run("daily dimensions dominate the weighting", func(t *testing.T) {
		limits := usage.Limits{RPD: mo.Some(10), RPM: mo.Some(10)}

		halfDaily := scoreCounter(usage.Counter{RPDCount: 5}, limits)
		halfMinute := scoreCounter(usage.Counter{RPMCount: 5}, limits)

		assert.Less(t, halfDaily, halfMinute)
		assert.InDelta(t, 0.70, halfDaily, 0.0001)
		assert.InDelta(t, 0.925, halfMinute, 0.0001)
	})

	t.Run("overshoot clamps to zero contribution", func(t *testing.T) {
		c := usage.Counter{RPMCount: 20}
		limits := usage.Limits{RPM: mo.Some(10)}
		assert.InDelta(t, 0.85, scoreCounter(c, limits), 0.0001)
	})
}

func newScoreFixture(t *testing.T, limits usage.Limits, secrets ...string) (*Registry, *usage.Tracker, *ScoreCache) {
	t.Helper()

	cfgs := make([]KeyConfig, len(secrets))
	for i, s := range secrets {
		cfgs[i] = KeyConfig{APIKey: s}
	}
	registry := NewRegistry(cfgs)
	tracker := usage.NewTracker(time.Minute)
	limitsFor := func(string) (usage.Limits, bool) { return limits, true }
	return registry, tracker, NewScoreCache(registry, tracker, limitsFor, 5*time.Minute)
}

func TestScoreCache(t *testing.T) {
	t.Run("recompute covers every registered key", func(t *testing.T) {
		registry, _, cache := newScoreFixture(t, usage.Limits{}, "key-a", "key-b")

		cache.Recompute("gemini-pro")
		scores := cache.GetScores("gemini-pro")

		require.Len(t, scores, 2)
		for _, key := range registry.Keys() {
			assert.InDelta(t, 1.0, scores[key.ID], 0.0001)
		}
	})

	t.Run("usage lowers the score on recompute", func(t *testing.T) {
		registry, tracker, cache := newScoreFixture(t, usage.Limits{RPD: mo.Some(10)}, "key-a")
		key := registry.Keys()[0]

		for range 5 {
			require.True(t, tracker.CheckAndReserve(key.ID, "gemini-pro", usage.Limits{}))
		}
		cache.Recompute("gemini-pro")

		assert.InDelta(t, 0.70, cache.GetScores("gemini-pro")[key.ID], 0.0001)
	})

	t.Run("missing entry returns nil without blocking", func(t *testing.T) {
		_, _, cache := newScoreFixture(t, usage.Limits{}, "key-a")
		assert.Nil(t, cache.GetScores("never-computed"))
	})

	t.Run("remove key drops it from cached maps", func(t *testing.T) {
		registry, _, cache := newScoreFixture(t, usage.Limits{}, "key-a", "key-b")
		cache.Recompute("gemini-pro")

		removed := registry.Keys()[0].ID
		cache.RemoveKey(removed)

		scores := cache.GetScores("gemini-pro")
		assert.NotContains(t, scores, removed)
		assert.Len(t, scores, 1)
	})
}
