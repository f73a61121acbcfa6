package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vanish/server/internal/core"
)

// InsertConversation persists a new conversation row.
func (q *Queries) InsertConversation(ctx context.Context, c core.Conversation) error {
	const stmt = `INSERT INTO conversations (id, initiator_id, status, expires_at_unix_ms, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, stmt, c.ID, c.InitiatorID, string(c.Status), c.ExpiresAt.UnixMilli(), c.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func scanConversation(row interface {
	Scan(dest ...any) error
}) (core.Conversation, error) {
	var (
		c                         core.Conversation
		status                    string
		expiresAtMs, createdAtMs int64
	)
	if err := row.Scan(&c.ID, &c.InitiatorID, &status, &expiresAtMs, &createdAtMs); err != nil {
		return core.Conversation{}, err
	}
	c.Status = core.ConversationStatus(status)
	c.ExpiresAt = time.UnixMilli(expiresAtMs).UTC()
	c.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	return c, nil
}

// FindConversationByID returns ErrNotFound if no row exists.
func (q *Queries) FindConversationByID(ctx context.Context, id string) (core.Conversation, error) {
	const stmt = `SELECT id, initiator_id, status, expires_at_unix_ms, created_at_unix_ms FROM conversations WHERE id = ?`
	row := q.q.QueryRowContext(ctx, stmt, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Conversation{}, ErrNotFound
	}
	if err != nil {
		return core.Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	return c, nil
}

// FindActiveByInitiator returns ACTIVE conversations initiated by deviceID.
// Liveness (expiresAt) is left to the caller: status is queried here, live
// is derived from it plus the current time.
func (q *Queries) FindActiveByInitiator(ctx context.Context, deviceID string) ([]core.Conversation, error) {
	const stmt = `SELECT id, initiator_id, status, expires_at_unix_ms, created_at_unix_ms
FROM conversations WHERE initiator_id = ? AND status = ? ORDER BY created_at_unix_ms ASC`
	rows, err := q.q.QueryContext(ctx, stmt, deviceID, string(core.ConversationActive))
	if err != nil {
		return nil, fmt.Errorf("find active conversations by initiator: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// FindWhereStatusActiveAndExpiresBefore supports sweeper step 4.
func (q *Queries) FindWhereStatusActiveAndExpiresBefore(ctx context.Context, before time.Time) ([]core.Conversation, error) {
	const stmt = `SELECT id, initiator_id, status, expires_at_unix_ms, created_at_unix_ms
FROM conversations WHERE status = ? AND expires_at_unix_ms <= ?`
	rows, err := q.q.QueryContext(ctx, stmt, string(core.ConversationActive), before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("find expiring conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// FindWhereDeletedAndCreatedBefore supports sweeper step 5's hard-delete
// cutoff. createdAt, not deletedAt (which this schema does not track), is
// the anchor for the DELETED hard-delete window.
func (q *Queries) FindWhereDeletedAndCreatedBefore(ctx context.Context, before time.Time) ([]core.Conversation, error) {
	const stmt = `SELECT id, initiator_id, status, expires_at_unix_ms, created_at_unix_ms
FROM conversations WHERE status = ? AND created_at_unix_ms < ?`
	rows, err := q.q.QueryContext(ctx, stmt, string(core.ConversationDeleted), before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("find deleted conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func scanConversations(rows *sql.Rows) ([]core.Conversation, error) {
	var out []core.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConversationStatus enforces the monotonic status transition at the
// call site (services only ever call this with EXPIRED or DELETED).
func (q *Queries) UpdateConversationStatus(ctx context.Context, id string, status core.ConversationStatus) error {
	const stmt = `UPDATE conversations SET status = ? WHERE id = ?`
	res, err := q.q.ExecContext(ctx, stmt, string(status), id)
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversationHard removes the conversation row (sweeper step 5).
func (q *Queries) DeleteConversationHard(ctx context.Context, id string) error {
	const stmt = `DELETE FROM conversations WHERE id = ?`
	_, err := q.q.ExecContext(ctx, stmt, id)
	if err != nil {
		return fmt.Errorf("hard delete conversation: %w", err)
	}
	return nil
}
