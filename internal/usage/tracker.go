// Package usage is the authoritative store of per-key-per-model rate counters
// and per-IP daily token counters.
//
// The tracker keeps four counters per (key, model) pair: requests per minute
// and per day, and input tokens per minute and per day. Minute windows are
// fixed-length and self-expire by comparing the window start against the
// clock; daily counters are zeroed once a day by the reset job.
//
// All counter mutations happen under one mutex so a check-and-increment is
// atomic: two concurrent requests can never both pass a check that only one
// request's worth of quota allowed.
package usage

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/mo"
)

// DateLayout formats the dates keying daily state.
const DateLayout = "2006-01-02"

// Limits holds the configured per-model limits. A None dimension never blocks.
// The zero value is fully unconstrained.
type Limits struct {
	RPM      mo.Option[int]
	RPD      mo.Option[int]
	TPMInput mo.Option[int]
	TPDInput mo.Option[int]
}

// Counter is the mutable per-(key, model) state. Copies returned by snapshot
// accessors are safe to read without locking.
type Counter struct {
	RPMCount            int
	RPMWindowStart      time.Time
	RPDCount            int
	TPMInputCount       int64
	TPMInputWindowStart time.Time
	TPDInputCount       int64
	LastRequestAt       time.Time
}

// Key identifies a (key, model) counter.
type Key struct {
	KeyID string
	Model string
}

// Tracker tracks usage counters. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	counters map[Key]*Counter
	window   time.Duration

	ipMu     sync.Mutex
	ipTokens map[string]map[string]int64 // date -> client IP -> input tokens

	histMu     sync.Mutex
	rpdHistory map[string]int // date -> total RPD across all keys

	now func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects the time source. Tests use this to step windows.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a Tracker with the given RPM/TPM window length.
func NewTracker(window time.Duration, opts ...Option) *Tracker {
	if window <= 0 {
		window = time.Minute
	}
	t := &Tracker{
		counters:   make(map[Key]*Counter),
		window:     window,
		ipTokens:   make(map[string]map[string]int64),
		rpdHistory: make(map[string]int),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CheckAndReserve admits one request for (keyID, model) if no configured
// limit would be exceeded, incrementing the RPM and RPD counters. Token
// counters are checked but not incremented; the actual token cost is unknown
// until the upstream call completes. Returns false without mutating state if
// any limit would be exceeded.
func (t *Tracker) CheckAndReserve(keyID, model string, limits Limits) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	c := t.counter(keyID, model)

	// Minute windows expire in place before any check.
	if now.Sub(c.RPMWindowStart) >= t.window {
		c.RPMWindowStart = now
		c.RPMCount = 0
	}
	if now.Sub(c.TPMInputWindowStart) >= t.window {
		c.TPMInputWindowStart = now
		c.TPMInputCount = 0
	}

	if rpm, ok := limits.RPM.Get(); ok && c.RPMCount+1 > rpm {
		return false
	}
	if rpd, ok := limits.RPD.Get(); ok && c.RPDCount+1 > rpd {
		return false
	}
	if tpm, ok := limits.TPMInput.Get(); ok && c.TPMInputCount >= int64(tpm) {
		return false
	}
	if tpd, ok := limits.TPDInput.Get(); ok && c.TPDInputCount >= int64(tpd) {
		return false
	}

	c.RPMCount++
	c.RPDCount++
	c.LastRequestAt = now
	return true
}

// RecordTokenUsage adds the prompt token cost of a completed call to the
// minute and daily input-token counters, and to the per-IP daily counter.
// No-op when promptTokens <= 0.
func (t *Tracker) RecordTokenUsage(keyID, model string, promptTokens int64, clientIP string) {
	if promptTokens <= 0 {
		return
	}

	t.mu.Lock()
	now := t.now()
	c := t.counter(keyID, model)
	if now.Sub(c.TPMInputWindowStart) >= t.window {
		c.TPMInputWindowStart = now
		c.TPMInputCount = 0
	}
	c.TPMInputCount += promptTokens
	c.TPDInputCount += promptTokens
	t.mu.Unlock()

	if clientIP == "" {
		return
	}

	date := t.now().Format(DateLayout)

	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	day, ok := t.ipTokens[date]
	if !ok {
		day = make(map[string]int64)
		t.ipTokens[date] = day
	}
	day[clientIP] += promptTokens
}

// ResetDaily zeroes the RPD and TPD-input counters for every tracked pair.
// Minute-window counters are left alone; they self-expire.
func (t *Tracker) ResetDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.counters {
		c.RPDCount = 0
		c.TPDInputCount = 0
	}

	log.Info().Int("pairs", len(t.counters)).Msg("daily usage counters reset")
}

// TotalRPD sums the current RPD count over all tracked pairs.
func (t *Tracker) TotalRPD() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for _, c := range t.counters {
		total += c.RPDCount
	}
	return total
}

// Snapshot returns a copy of every counter.
func (t *Tracker) Snapshot() map[Key]Counter {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := make(map[Key]Counter, len(t.counters))
	for k, c := range t.counters {
		snap[k] = *c
	}
	return snap
}

// SnapshotFor returns a copy of one counter. The second return is false when
// the pair has never been used.
func (t *Tracker) SnapshotFor(keyID, model string) (Counter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.counters[Key{KeyID: keyID, Model: model}]
	if !ok {
		return Counter{}, false
	}
	return *c, true
}

// LastRequestAt returns when the pair last admitted a request.
// The zero time means never.
func (t *Tracker) LastRequestAt(keyID, model string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.counters[Key{KeyID: keyID, Model: model}]; ok {
		return c.LastRequestAt
	}
	return time.Time{}
}

// RemoveKey drops all counters for a key. Called when a key is removed from
// the registry so stale entries do not accumulate.
func (t *Tracker) RemoveKey(keyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.counters {
		if k.KeyID == keyID {
			delete(t.counters, k)
		}
	}
}

// IPSnapshot returns a copy of the per-IP input-token counters for a date.
func (t *Tracker) IPSnapshot(date string) map[string]int64 {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	day := t.ipTokens[date]
	snap := make(map[string]int64, len(day))
	for ip, tokens := range day {
		snap[ip] = tokens
	}
	return snap
}

// PruneIPCounters drops per-IP counters for dates before the cutoff.
func (t *Tracker) PruneIPCounters(cutoff string) {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	for date := range t.ipTokens {
		if date < cutoff {
			delete(t.ipTokens, date)
		}
	}
}

// counter returns the live counter for a pair, creating it lazily.
// Caller must hold t.mu.
func (t *Tracker) counter(keyID, model string) *Counter {
	k := Key{KeyID: keyID, Model: model}
	c, ok := t.counters[k]
	if !ok {
		now := t.now()
		c = &Counter{RPMWindowStart: now, TPMInputWindowStart: now}
		t.counters[k] = c
	}
	return c
}
