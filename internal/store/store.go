// Package store persists per-conversation message history in SQLite so
// stateless OpenAI-style clients can carry context across requests. A
// ristretto read cache fronts the database; writes invalidate through it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/omarluq/gem-relay/internal/cache"
	"github.com/omarluq/gem-relay/internal/upstream"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("store: closed")

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation   TEXT    NOT NULL,
	role           TEXT    NOT NULL,
	content        TEXT    NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation, id);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages (created_at);
`

// Store is the conversation history store.
type Store struct {
	db       *sql.DB
	cache    cache.Cache
	maxTurns int
	ttl      time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the SQLite database at path and applies the
// schema. WAL mode keeps readers unblocked during history appends.
func Open(path string, readCache cache.Cache, maxTurns int, ttl time.Duration, logger zerolog.Logger, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s := &Store{
		db:       db,
		cache:    readCache,
		maxTurns: maxTurns,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func cacheKey(conversation string) string {
	return "conv:" + conversation
}

// Append stores the new turns for a conversation and invalidates its cache
// entry.
func (s *Store) Append(ctx context.Context, conversation string, messages []upstream.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO messages (conversation, role, content, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	now := s.now().Unix()
	for _, m := range messages {
		if _, err := stmt.ExecContext(ctx, conversation, m.Role, m.Content, now); err != nil {
			return fmt.Errorf("store: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}

	if err := s.cache.Delete(ctx, cacheKey(conversation)); err != nil && !errors.Is(err, cache.ErrNotFound) {
		s.logger.Warn().Err(err).Str("conversation", conversation).Msg("cache invalidation failed")
	}
	return nil
}

// History loads the most recent turns for a conversation, newest last,
// truncated to the configured turn bound. Results are cached briefly since a
// chat client typically re-reads the same conversation on every request.
func (s *Store) History(ctx context.Context, conversation string) ([]upstream.ChatMessage, error) {
	key := cacheKey(conversation)
	if raw, err := s.cache.Get(ctx, key); err == nil {
		var cached []upstream.ChatMessage
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content FROM messages WHERE conversation = ? ORDER BY id DESC LIMIT ?",
		conversation, s.maxTurns)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	var reversed []upstream.ChatMessage
	for rows.Next() {
		var m upstream.ChatMessage
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		reversed = append(reversed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}

	// Query returned newest first; flip to chronological order.
	messages := make([]upstream.ChatMessage, len(reversed))
	for i, m := range reversed {
		messages[len(reversed)-1-i] = m
	}

	if raw, err := json.Marshal(messages); err == nil {
		if err := s.cache.SetWithTTL(ctx, key, raw, 30*time.Second); err != nil {
			s.logger.Debug().Err(err).Msg("cache set failed")
		}
	}
	return messages, nil
}

// Clear removes a conversation's history.
func (s *Store) Clear(ctx context.Context, conversation string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE conversation = ?", conversation); err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	if err := s.cache.Delete(ctx, cacheKey(conversation)); err != nil && !errors.Is(err, cache.ErrNotFound) {
		s.logger.Warn().Err(err).Str("conversation", conversation).Msg("cache invalidation failed")
	}
	return nil
}

// Prune deletes messages older than the configured TTL and reports how many
// rows were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl).Unix()
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("rows", n).Msg("pruned expired conversation history")
	}
	return n, nil
}

// RunPruner prunes on the given interval until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx); err != nil {
				s.logger.Error().Err(err).Msg("prune failed")
			}
		}
	}
}

// Close closes the database and the cache.
func (s *Store) Close() error {
	if err := s.cache.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("cache close failed")
	}
	return s.db.Close()
}
