// Package store is the durable store: a transactional, SQLite-backed
// record store for Conversation, Participant, Message, and DeviceToken.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Store persists server state in SQLite. It embeds *Queries bound to the
// pooled connection so callers can invoke record operations directly
// (st.FindConversationByID(...)); WithTx hands out a second *Queries bound
// to a transaction for multi-entity operations.
type Store struct {
	db *sql.DB
	*Queries
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// The pure-Go sqlite driver serializes writers; a single connection
	// avoids "database is locked" under concurrent request handlers.
	db.SetMaxOpenConns(1)

	st := &Store{db: db}
	st.Queries = &Queries{q: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id                 TEXT PRIMARY KEY,
	initiator_id       TEXT NOT NULL,
	status             TEXT NOT NULL,
	expires_at_unix_ms INTEGER NOT NULL,
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_initiator ON conversations(initiator_id, status);
CREATE INDEX IF NOT EXISTS idx_conversations_expires_at ON conversations(status, expires_at_unix_ms);
CREATE INDEX IF NOT EXISTS idx_conversations_status_created ON conversations(status, created_at_unix_ms);

CREATE TABLE IF NOT EXISTS conversation_participants (
	id                       TEXT PRIMARY KEY,
	conversation_id          TEXT NOT NULL,
	device_id                TEXT NOT NULL,
	is_initiator             INTEGER NOT NULL,
	joined_at_unix_ms        INTEGER NOT NULL,
	departed_at_unix_ms      INTEGER,
	link_consumed_at_unix_ms INTEGER,
	UNIQUE(conversation_id, device_id)
);
CREATE INDEX IF NOT EXISTS idx_participants_conversation ON conversation_participants(conversation_id, device_id);
-- A conversation has at most one non-initiator participant that has
-- ever consumed the share link. Enforced as a storage-level constraint
-- rather than an app-level lock.
CREATE UNIQUE INDEX IF NOT EXISTS idx_participants_one_secondary
	ON conversation_participants(conversation_id)
	WHERE is_initiator = 0 AND link_consumed_at_unix_ms IS NOT NULL;

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	conversation_id    TEXT,
	ciphertext         TEXT NOT NULL,
	nonce              TEXT NOT NULL,
	tag                TEXT,
	message_type       TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL,
	expires_at_unix_ms INTEGER NOT NULL,
	read_at_unix_ms    INTEGER,
	consumed           INTEGER NOT NULL DEFAULT 0,
	sender_device_id   TEXT,
	file_name          TEXT,
	file_size          INTEGER,
	file_mime_type     TEXT,
	file_storage_ref   TEXT,
	file_ref           TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at_unix_ms DESC);
CREATE INDEX IF NOT EXISTS idx_messages_expires_at ON messages(expires_at_unix_ms);
CREATE INDEX IF NOT EXISTS idx_messages_consumed ON messages(consumed, read_at_unix_ms);

CREATE TABLE IF NOT EXISTS device_tokens (
	device_id          TEXT NOT NULL,
	opaque_token       TEXT NOT NULL UNIQUE,
	active             INTEGER NOT NULL DEFAULT 1,
	created_at_unix_ms INTEGER NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_device_tokens_device_active ON device_tokens(device_id, active);

CREATE TABLE IF NOT EXISTS audit_log (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	actor_device_id    TEXT NOT NULL,
	action             TEXT NOT NULL,
	target             TEXT NOT NULL DEFAULT '',
	details            TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}

	slog.Debug("sqlite migrations applied")
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries groups every record-oriented operation behind one execer, so the
// exact same method set runs against the pooled *sql.DB (Store's own
// methods, embedded below) or against a single *sql.Tx (via WithTx).
type Queries struct {
	q execer
}

// Conversations, Participants, Messages, DeviceTokens, Audit operations are
// declared as methods on *Queries in their respective files.

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Service-layer operations that touch multiple
// entities (e.g. delete conversation -> mark participants -> delete
// messages) MUST use this.
func (s *Store) WithTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(&Queries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces SQLite's result code in the error text;
	// there is no typed sentinel, so this is a plain substring match on
	// SQLite's "UNIQUE constraint failed" message.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
