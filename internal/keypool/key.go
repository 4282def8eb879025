// Package keypool manages the pool of upstream Gemini API keys: registration,
// health state, scoring, and selection.
//
// A key carries three kinds of quarantine state, each with its own lifetime:
//
//   - deactivated: permanent, set on 401/403 (invalid credential)
//   - daily exhausted: until the next daily reset, set when upstream reports
//     a per-day quota hit
//   - temporarily unavailable: a short cooldown, set on 5xx/network errors
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// KeyMetadata tracks identity and health state for a single upstream API key.
// All methods are safe for concurrent use.
type KeyMetadata struct {
	// ID is the first 8 hex chars of the SHA-256 of the key. It identifies
	// the key in logs and admin APIs without exposing the secret.
	ID     string
	APIKey string

	mu sync.RWMutex

	active           bool
	expiresAt        time.Time // zero = never expires
	dailyExhaustedOn string    // date (2006-01-02), empty = not exhausted
	unavailableUntil time.Time
	lastErr          error
	lastErrAt        time.Time
}

// NewKeyMetadata creates key metadata for the given secret.
// The hash-derived ID is for identification only, not security.
func NewKeyMetadata(apiKey string, expiresAt time.Time) *KeyMetadata {
	hash := sha256.Sum256([]byte(apiKey))
	return &KeyMetadata{
		ID:        hex.EncodeToString(hash[:])[:8],
		APIKey:    apiKey,
		active:    true,
		expiresAt: expiresAt,
	}
}

// IsActive reports whether the key is active and unexpired.
func (k *KeyMetadata) IsActive(now time.Time) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active && (k.expiresAt.IsZero() || k.expiresAt.After(now))
}

// Selectable reports whether the key may be offered to a request right now:
// active, unexpired, not exhausted for today, and not in cooldown.
func (k *KeyMetadata) Selectable(now time.Time, today string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.active {
		return false
	}
	if !k.expiresAt.IsZero() && !k.expiresAt.After(now) {
		return false
	}
	if k.dailyExhaustedOn == today {
		return false
	}
	if k.unavailableUntil.After(now) {
		return false
	}
	return true
}

// MarkDailyExhausted quarantines the key until the next daily rollover.
// The quarantine clears implicitly when "today" advances past the stored date.
func (k *KeyMetadata) MarkDailyExhausted(today string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.dailyExhaustedOn = today
}

// MarkUnavailable puts the key in a short cooldown after a transient failure.
func (k *KeyMetadata) MarkUnavailable(until time.Time, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.unavailableUntil = until
	k.lastErr = err
	k.lastErrAt = time.Now()
}

// Deactivate permanently removes the key from selection, recording the cause.
func (k *KeyMetadata) Deactivate(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active = false
	k.lastErr = err
	k.lastErrAt = time.Now()
}

// Reactivate returns a deactivated key to service and clears its error.
func (k *KeyMetadata) Reactivate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.active = true
	k.lastErr = nil
}

// Status is a read-only snapshot of key state for reporting.
type Status struct {
	ID               string    `json:"id"`
	Active           bool      `json:"active"`
	ExpiresAt        time.Time `json:"expires_at,omitzero"`
	DailyExhaustedOn string    `json:"daily_exhausted_on,omitempty"`
	UnavailableUntil time.Time `json:"unavailable_until,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
}

// Snapshot returns a copy of the key's state.
func (k *KeyMetadata) Snapshot() Status {
	k.mu.RLock()
	defer k.mu.RUnlock()

	s := Status{
		ID:               k.ID,
		Active:           k.active,
		ExpiresAt:        k.expiresAt,
		DailyExhaustedOn: k.dailyExhaustedOn,
		UnavailableUntil: k.unavailableUntil,
	}
	if k.lastErr != nil {
		s.LastError = k.lastErr.Error()
	}
	return s
}

// String returns a loggable representation without the secret.
func (k *KeyMetadata) String() string {
	s := k.Snapshot()
	return fmt.Sprintf("Key[%s] active=%v exhausted=%q", s.ID, s.Active, s.DailyExhaustedOn)
}
