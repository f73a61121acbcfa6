package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vanish/server/internal/core"
)

// InsertParticipant inserts a new participant row. When p.LinkConsumedAt is
// set for a non-initiator, the partial unique index on
// conversation_participants(conversation_id) WHERE is_initiator=0 AND
// link_consumed_at_unix_ms IS NOT NULL enforces the one-secondary-participant
// rule atomically; callers should treat a unique-constraint failure here as
// apperr.Conflict.
func (q *Queries) InsertParticipant(ctx context.Context, p core.Participant) error {
	const stmt = `INSERT INTO conversation_participants
(id, conversation_id, device_id, is_initiator, joined_at_unix_ms, departed_at_unix_ms, link_consumed_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, stmt,
		p.ID, p.ConversationID, p.DeviceID, boolToInt(p.IsInitiator), p.JoinedAt.UnixMilli(),
		msPtr(p.DepartedAt), msPtr(p.LinkConsumedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUniqueViolation
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

// ErrUniqueViolation signals a storage-level uniqueness conflict, used by
// the service layer to translate into apperr.Conflict without depending on
// driver-specific error types.
var ErrUniqueViolation = errors.New("store: unique constraint violation")

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func scanParticipant(row interface{ Scan(dest ...any) error }) (core.Participant, error) {
	var (
		p                                   core.Participant
		isInitiator                         int
		joinedAtMs                          int64
		departedAtMs, linkConsumedAtMs      sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.ConversationID, &p.DeviceID, &isInitiator, &joinedAtMs, &departedAtMs, &linkConsumedAtMs); err != nil {
		return core.Participant{}, err
	}
	p.IsInitiator = isInitiator != 0
	p.JoinedAt = time.UnixMilli(joinedAtMs).UTC()
	if departedAtMs.Valid {
		t := time.UnixMilli(departedAtMs.Int64).UTC()
		p.DepartedAt = &t
	}
	if linkConsumedAtMs.Valid {
		t := time.UnixMilli(linkConsumedAtMs.Int64).UTC()
		p.LinkConsumedAt = &t
	}
	return p, nil
}

const participantColumns = `id, conversation_id, device_id, is_initiator, joined_at_unix_ms, departed_at_unix_ms, link_consumed_at_unix_ms`

// FindParticipant returns ErrNotFound if (convID, deviceID) has no row.
func (q *Queries) FindParticipant(ctx context.Context, convID, deviceID string) (core.Participant, error) {
	stmt := `SELECT ` + participantColumns + ` FROM conversation_participants WHERE conversation_id = ? AND device_id = ?`
	row := q.q.QueryRowContext(ctx, stmt, convID, deviceID)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Participant{}, ErrNotFound
	}
	if err != nil {
		return core.Participant{}, fmt.Errorf("find participant: %w", err)
	}
	return p, nil
}

// FindParticipantsByConversation returns all participants, active or not.
func (q *Queries) FindParticipantsByConversation(ctx context.Context, convID string) ([]core.Participant, error) {
	stmt := `SELECT ` + participantColumns + ` FROM conversation_participants WHERE conversation_id = ? ORDER BY joined_at_unix_ms ASC`
	rows, err := q.q.QueryContext(ctx, stmt, convID)
	if err != nil {
		return nil, fmt.Errorf("find participants by conversation: %w", err)
	}
	defer rows.Close()
	return scanParticipants(rows)
}

// FindActiveParticipants returns only rows with departedAt = NULL.
func (q *Queries) FindActiveParticipants(ctx context.Context, convID string) ([]core.Participant, error) {
	stmt := `SELECT ` + participantColumns + ` FROM conversation_participants WHERE conversation_id = ? AND departed_at_unix_ms IS NULL ORDER BY joined_at_unix_ms ASC`
	rows, err := q.q.QueryContext(ctx, stmt, convID)
	if err != nil {
		return nil, fmt.Errorf("find active participants: %w", err)
	}
	defer rows.Close()
	return scanParticipants(rows)
}

func scanParticipants(rows *sql.Rows) ([]core.Participant, error) {
	var out []core.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HasConsumedSecondary reports whether any non-initiator participant has
// ever consumed convID's share link.
func (q *Queries) HasConsumedSecondary(ctx context.Context, convID string) (bool, error) {
	const stmt = `SELECT EXISTS(
		SELECT 1 FROM conversation_participants
		WHERE conversation_id = ? AND is_initiator = 0 AND link_consumed_at_unix_ms IS NOT NULL
	)`
	var exists int
	if err := q.q.QueryRowContext(ctx, stmt, convID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check consumed secondary: %w", err)
	}
	return exists != 0, nil
}

// CountActiveParticipants counts rows with departedAt = NULL.
func (q *Queries) CountActiveParticipants(ctx context.Context, convID string) (int, error) {
	const stmt = `SELECT COUNT(*) FROM conversation_participants WHERE conversation_id = ? AND departed_at_unix_ms IS NULL`
	var n int
	if err := q.q.QueryRowContext(ctx, stmt, convID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active participants: %w", err)
	}
	return n, nil
}

// ClearDeparted rejoins a participant row by clearing its departedAt.
func (q *Queries) ClearDeparted(ctx context.Context, id string) error {
	const stmt = `UPDATE conversation_participants SET departed_at_unix_ms = NULL WHERE id = ?`
	_, err := q.q.ExecContext(ctx, stmt, id)
	if err != nil {
		return fmt.Errorf("clear departed: %w", err)
	}
	return nil
}

// MarkDeparted is idempotent: if already departed, this is a no-op write.
func (q *Queries) MarkDeparted(ctx context.Context, id string, at time.Time) error {
	const stmt = `UPDATE conversation_participants SET departed_at_unix_ms = ? WHERE id = ? AND departed_at_unix_ms IS NULL`
	_, err := q.q.ExecContext(ctx, stmt, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark departed: %w", err)
	}
	return nil
}

// MarkAllDeparted departs every active participant of convID, used by
// conversation deletion.
func (q *Queries) MarkAllDeparted(ctx context.Context, convID string, at time.Time) error {
	const stmt = `UPDATE conversation_participants SET departed_at_unix_ms = ? WHERE conversation_id = ? AND departed_at_unix_ms IS NULL`
	_, err := q.q.ExecContext(ctx, stmt, at.UnixMilli(), convID)
	if err != nil {
		return fmt.Errorf("mark all departed: %w", err)
	}
	return nil
}

// DeleteParticipantsByConversation cascades a hard delete of a conversation.
func (q *Queries) DeleteParticipantsByConversation(ctx context.Context, convID string) error {
	const stmt = `DELETE FROM conversation_participants WHERE conversation_id = ?`
	_, err := q.q.ExecContext(ctx, stmt, convID)
	if err != nil {
		return fmt.Errorf("delete participants by conversation: %w", err)
	}
	return nil
}
