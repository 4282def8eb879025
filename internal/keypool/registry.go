package keypool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Registry errors.
var (
	ErrKeyNotFound  = errors.New("keypool: key not found")
	ErrKeyExists    = errors.New("keypool: key already registered")
	ErrEmptyKey     = errors.New("keypool: empty api key")
)

// KeyConfig is the registry's input shape for one key.
type KeyConfig struct {
	APIKey    string
	ExpiresAt time.Time
}

// Registry is the source of truth for which upstream keys exist.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	keys     []*KeyMetadata
	byID     map[string]*KeyMetadata
	onRemove []func(keyID string)
}

// NewRegistry creates a registry from the given key configs. Empty secrets
// are skipped with a warning; an empty registry is legal (the orchestrator
// surfaces it as a configuration error per request).
func NewRegistry(cfgs []KeyConfig) *Registry {
	r := &Registry{
		byID: make(map[string]*KeyMetadata),
	}
	r.replace(cfgs)
	log.Info().Int("num_keys", len(r.keys)).Msg("key registry initialized")
	return r
}

// OnRemove registers a hook fired with the key ID whenever a key is removed.
// Used to purge usage counters and cached scores for the removed key.
func (r *Registry) OnRemove(hook func(keyID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, hook)
}

// Add registers a new key. Returns ErrKeyExists for a duplicate secret.
func (r *Registry) Add(apiKey string, expiresAt time.Time) (*KeyMetadata, error) {
	if apiKey == "" {
		return nil, ErrEmptyKey
	}

	key := NewKeyMetadata(apiKey, expiresAt)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[key.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, key.ID)
	}

	r.keys = append(r.keys, key)
	r.byID[key.ID] = key

	log.Info().Str("key_id", key.ID).Msg("key added to registry")
	return key, nil
}

// Remove deletes a key and fires the removal hooks.
func (r *Registry) Remove(keyID string) error {
	r.mu.Lock()
	key, exists := r.byID[keyID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	delete(r.byID, keyID)
	r.keys = lo.Reject(r.keys, func(k *KeyMetadata, _ int) bool { return k.ID == keyID })
	hooks := make([]func(string), len(r.onRemove))
	copy(hooks, r.onRemove)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(keyID)
	}

	log.Info().Str("key_id", key.ID).Msg("key removed from registry")
	return nil
}

// Deactivate permanently disables a key.
func (r *Registry) Deactivate(keyID string, cause error) error {
	key, err := r.Get(keyID)
	if err != nil {
		return err
	}
	key.Deactivate(cause)
	log.Warn().Str("key_id", keyID).AnErr("cause", cause).Msg("key deactivated")
	return nil
}

// Reactivate returns a disabled key to service.
func (r *Registry) Reactivate(keyID string) error {
	key, err := r.Get(keyID)
	if err != nil {
		return err
	}
	key.Reactivate()
	log.Info().Str("key_id", keyID).Msg("key reactivated")
	return nil
}

// Get returns the key with the given ID.
func (r *Registry) Get(keyID string) (*KeyMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, exists := r.byID[keyID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// Reload atomically replaces the key list from a fresh source snapshot.
// Keys that survive the reload keep their transient state (daily exhaustion,
// cooldown, deactivation) so a reload never un-quarantines a key
// mid-incident. Keys that disappear fire the removal hooks.
func (r *Registry) Reload(cfgs []KeyConfig) {
	r.mu.Lock()

	previous := r.byID
	removed := make([]string, 0)

	r.keys = r.keys[:0]
	r.byID = make(map[string]*KeyMetadata, len(cfgs))

	for _, cfg := range cfgs {
		if cfg.APIKey == "" {
			continue
		}
		key := NewKeyMetadata(cfg.APIKey, cfg.ExpiresAt)
		if _, dup := r.byID[key.ID]; dup {
			continue
		}
		if existing, ok := previous[key.ID]; ok {
			// Same secret: keep the live object and its quarantine state.
			key = existing
		}
		r.keys = append(r.keys, key)
		r.byID[key.ID] = key
	}

	for id := range previous {
		if _, kept := r.byID[id]; !kept {
			removed = append(removed, id)
		}
	}

	hooks := make([]func(string), len(r.onRemove))
	copy(hooks, r.onRemove)
	kept := len(r.keys)
	r.mu.Unlock()

	for _, id := range removed {
		for _, hook := range hooks {
			hook(id)
		}
	}

	log.Info().Int("num_keys", kept).Int("removed", len(removed)).Msg("key registry reloaded")
}

// replace installs a key list without hook dispatch; used at construction.
func (r *Registry) replace(cfgs []KeyConfig) {
	for _, cfg := range cfgs {
		if cfg.APIKey == "" {
			log.Warn().Msg("skipping empty api key")
			continue
		}
		key := NewKeyMetadata(cfg.APIKey, cfg.ExpiresAt)
		if _, dup := r.byID[key.ID]; dup {
			continue
		}
		r.keys = append(r.keys, key)
		r.byID[key.ID] = key
	}
}

// Keys returns a copy of the key slice for iteration.
func (r *Registry) Keys() []*KeyMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keysCopy := make([]*KeyMetadata, len(r.keys))
	copy(keysCopy, r.keys)
	return keysCopy
}

// Len returns the number of registered keys, active or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// ActiveCount returns the number of active, unexpired keys.
func (r *Registry) ActiveCount(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.CountBy(r.keys, func(k *KeyMetadata) bool { return k.IsActive(now) })
}

// Statuses returns a snapshot of every key's state for reporting.
func (r *Registry) Statuses() []Status {
	keys := r.Keys()
	return lo.Map(keys, func(k *KeyMetadata, _ int) Status { return k.Snapshot() })
}
