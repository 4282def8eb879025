package usage

import (
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCheckAndReserve(t *testing.T) {
	t.Run("admits unlimited when no limits set", func(t *testing.T) {
		tr := NewTracker(time.Minute)

		for range 100 {
			assert.True(t, tr.CheckAndReserve("k1", "m", Limits{}))
		}

		c, ok := tr.SnapshotFor("k1", "m")
		require.True(t, ok)
		assert.Equal(t, 100, c.RPMCount)
		assert.Equal(t, 100, c.RPDCount)
	})

	t.Run("blocks at RPM limit without mutating counters", func(t *testing.T) {
		tr := NewTracker(time.Minute)
		limits := Limits{RPM: mo.Some(2)}

		assert.True(t, tr.CheckAndReserve("k1", "m", limits))
		assert.True(t, tr.CheckAndReserve("k1", "m", limits))
		assert.False(t, tr.CheckAndReserve("k1", "m", limits))

		c, ok := tr.SnapshotFor("k1", "m")
		require.True(t, ok)
		assert.Equal(t, 2, c.RPMCount)
		assert.Equal(t, 2, c.RPDCount)
	})

	t.Run("RPM window expires with the clock", func(t *testing.T) {
		clock := newFakeClock()
		tr := NewTracker(time.Minute, WithClock(clock.Now))
		limits := Limits{RPM: mo.Some(1)}

		assert.True(t, tr.CheckAndReserve("k1", "m", limits))
		assert.False(t, tr.CheckAndReserve("k1", "m", limits))

		clock.Advance(time.Minute)
		assert.True(t, tr.CheckAndReserve("k1", "m", limits))
	})

	t.Run("RPD survives window expiry", func(t *testing.T) {
		clock := newFakeClock()
		tr := NewTracker(time.Minute, WithClock(clock.Now))
		limits := Limits{RPD: mo.Some(2)}

		assert.True(t, tr.CheckAndReserve("k1", "m", limits))
		assert.True(t, tr.CheckAndReserve("k1", "m", limits))

		clock.Advance(time.Hour)
		assert.False(t, tr.CheckAndReserve("k1", "m", limits))
	})

	t.Run("token limits are checked but not reserved", func(t *testing.T) {
		tr := NewTracker(time.Minute)
		limits := Limits{TPMInput: mo.Some(1000)}

		// Nothing recorded yet, so token checks pass freely.
		assert.True(t, tr.CheckAndReserve("k1", "m", limits))
		assert.True(t, tr.CheckAndReserve("k1", "m", limits))

		tr.RecordTokenUsage("k1", "m", 1000, "")
		assert.False(t, tr.CheckAndReserve("k1", "m", limits))
	})

	t.Run("TPD blocks independently of the minute window", func(t *testing.T) {
		clock := newFakeClock()
		tr := NewTracker(time.Minute, WithClock(clock.Now))
		limits := Limits{TPDInput: mo.Some(500)}

		tr.RecordTokenUsage("k1", "m", 500, "")
		clock.Advance(2 * time.Minute)
		assert.False(t, tr.CheckAndReserve("k1", "m", limits))
	})

	t.Run("counters are isolated per key and model", func(t *testing.T) {
		tr := NewTracker(time.Minute)
		limits := Limits{RPM: mo.Some(1)}

		assert.True(t, tr.CheckAndReserve("k1", "m1", limits))
		assert.True(t, tr.CheckAndReserve("k1", "m2", limits))
		assert.True(t, tr.CheckAndReserve("k2", "m1", limits))
		assert.False(t, tr.CheckAndReserve("k1", "m1", limits))
	})

	t.Run("never over-admits under concurrency", func(t *testing.T) {
		tr := NewTracker(time.Minute)
		limits := Limits{RPM: mo.Some(50)}

		var admitted int64
		var mu sync.Mutex
		var wg sync.WaitGroup
		for range 200 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if tr.CheckAndReserve("k1", "m", limits) {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(50), admitted)
	})
}

func TestRecordTokenUsage(t *testing.T) {
	t.Run("accumulates minute and daily counters", func(t *testing.T) {
		tr := NewTracker(time.Minute)

		tr.RecordTokenUsage("k1", "m", 100, "")
		tr.RecordTokenUsage("k1", "m", 50, "")

		c, ok := tr.SnapshotFor("k1", "m")
		require.True(t, ok)
		assert.Equal(t, int64(150), c.TPMInputCount)
		assert.Equal(t, int64(150), c.TPDInputCount)
	})

	t.Run("minute counter expires, daily counter does not", func(t *testing.T) {
		clock := newFakeClock()
		tr := NewTracker(time.Minute, WithClock(clock.Now))

		tr.RecordTokenUsage("k1", "m", 100, "")
		clock.Advance(time.Minute)
		tr.RecordTokenUsage("k1", "m", 25, "")

		c, ok := tr.SnapshotFor("k1", "m")
		require.True(t, ok)
		assert.Equal(t, int64(25), c.TPMInputCount)
		assert.Equal(t, int64(125), c.TPDInputCount)
	})

	t.Run("ignores non-positive counts", func(t *testing.T) {
		tr := NewTracker(time.Minute)

		tr.RecordTokenUsage("k1", "m", 0, "")
		tr.RecordTokenUsage("k1", "m", -5, "")

		_, ok := tr.SnapshotFor("k1", "m")
		assert.False(t, ok)
	})

	t.Run("tracks per-IP daily tokens", func(t *testing.T) {
		clock := newFakeClock()
		tr := NewTracker(time.Minute, WithClock(clock.Now))

		tr.RecordTokenUsage("k1", "m", 100, "10.0.0.1")
		tr.RecordTokenUsage("k2", "m", 40, "10.0.0.1")
		tr.RecordTokenUsage("k1", "m", 10, "10.0.0.2")

		date := clock.Now().Format(DateLayout)
		snap := tr.IPSnapshot(date)
		assert.Equal(t, int64(140), snap["10.0.0.1"])
		assert.Equal(t, int64(10), snap["10.0.0.2"])
	})
}

func TestResetDaily(t *testing.T) {
	t.Run("zeroes daily counters, keeps minute counters", func(t *testing.T) {
		tr := NewTracker(time.Minute)
		require.True(t, tr.CheckAndReserve("k1", "m", Limits{}))
		tr.RecordTokenUsage("k1", "m", 100, "")

		tr.ResetDaily()

		c, ok := tr.SnapshotFor("k1", "m")
		require.True(t, ok)
		assert.Equal(t, 0, c.RPDCount)
		assert.Equal(t, int64(0), c.TPDInputCount)
		assert.Equal(t, 1, c.RPMCount)
		assert.Equal(t, int64(100), c.TPMInputCount)
	})
}

func TestTotalRPD(t *testing.T) {
	tr := NewTracker(time.Minute)
	require.True(t, tr.CheckAndReserve("k1", "m1", Limits{}))
	require.True(t, tr.CheckAndReserve("k1", "m2", Limits{}))
	require.True(t, tr.CheckAndReserve("k2", "m1", Limits{}))

	assert.Equal(t, 3, tr.TotalRPD())
}

func TestRemoveKey(t *testing.T) {
	tr := NewTracker(time.Minute)
	require.True(t, tr.CheckAndReserve("k1", "m1", Limits{}))
	require.True(t, tr.CheckAndReserve("k1", "m2", Limits{}))
	require.True(t, tr.CheckAndReserve("k2", "m1", Limits{}))

	tr.RemoveKey("k1")

	_, ok := tr.SnapshotFor("k1", "m1")
	assert.False(t, ok)
	_, ok = tr.SnapshotFor("k2", "m1")
	assert.True(t, ok)
}

func TestLastRequestAt(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(time.Minute, WithClock(clock.Now))

	assert.True(t, tr.LastRequestAt("k1", "m").IsZero())

	require.True(t, tr.CheckAndReserve("k1", "m", Limits{}))
	assert.Equal(t, clock.Now(), tr.LastRequestAt("k1", "m"))
}

func TestPruneIPCounters(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(time.Minute, WithClock(clock.Now))

	tr.RecordTokenUsage("k1", "m", 10, "10.0.0.1")
	old := clock.Now().Format(DateLayout)

	clock.Advance(48 * time.Hour)
	tr.RecordTokenUsage("k1", "m", 20, "10.0.0.1")
	recent := clock.Now().Format(DateLayout)

	tr.PruneIPCounters(recent)

	assert.Empty(t, tr.IPSnapshot(old))
	assert.Equal(t, int64(20), tr.IPSnapshot(recent)["10.0.0.1"])
}

func TestHistory(t *testing.T) {
	t.Run("seven day average over recent entries", func(t *testing.T) {
		tr := NewTracker(time.Minute)
		tr.RecordDailyTotal("2025-05-25", 100)
		tr.RecordDailyTotal("2025-05-26", 200)
		tr.RecordDailyTotal("2025-05-27", 300)

		assert.InDelta(t, 200.0, tr.SevenDayAverage(), 0.001)
	})

	t.Run("average ignores entries older than seven days", func(t *testing.T) {
		tr := NewTracker(time.Minute)
		tr.RecordDailyTotal("2025-05-01", 10000)
		for day := 20; day < 27; day++ {
			tr.RecordDailyTotal(time.Date(2025, 5, day, 0, 0, 0, 0, time.UTC).Format(DateLayout), 70)
		}

		assert.InDelta(t, 70.0, tr.SevenDayAverage(), 0.001)
	})

	t.Run("zero with no history", func(t *testing.T) {
		tr := NewTracker(time.Minute)
		assert.Zero(t, tr.SevenDayAverage())
	})

	t.Run("prune drops dates before cutoff", func(t *testing.T) {
		tr := NewTracker(time.Minute)
		tr.RecordDailyTotal("2025-05-01", 1)
		tr.RecordDailyTotal("2025-05-20", 2)

		tr.PruneHistory("2025-05-10")

		hist := tr.History()
		assert.NotContains(t, hist, "2025-05-01")
		assert.Equal(t, 2, hist["2025-05-20"])
	})
}
