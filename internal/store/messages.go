package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vanish/server/internal/core"
)

// InsertMessage persists a message. ConversationID, Tag, SenderDeviceID,
// File, and FileRef are all optional per the data model.
func (q *Queries) InsertMessage(ctx context.Context, m core.Message) error {
	const stmt = `INSERT INTO messages
(id, conversation_id, ciphertext, nonce, tag, message_type, created_at_unix_ms, expires_at_unix_ms,
 read_at_unix_ms, consumed, sender_device_id, file_name, file_size, file_mime_type, file_storage_ref, file_ref)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var fileName, fileMime, fileStorageRef sql.NullString
	var fileSize sql.NullInt64
	if m.File != nil {
		fileName = sql.NullString{String: m.File.Name, Valid: true}
		fileMime = sql.NullString{String: m.File.MimeType, Valid: true}
		fileStorageRef = sql.NullString{String: m.File.StorageRef, Valid: true}
		fileSize = sql.NullInt64{Int64: m.File.Size, Valid: true}
	}

	_, err := q.q.ExecContext(ctx, stmt,
		m.ID, m.ConversationID, m.Ciphertext, m.Nonce, m.Tag, string(m.MessageType),
		m.CreatedAt.UnixMilli(), m.ExpiresAt.UnixMilli(), msPtr(m.ReadAt), boolToInt(m.Consumed),
		m.SenderDeviceID, fileName, fileSize, fileMime, fileStorageRef, m.FileRef,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, conversation_id, ciphertext, nonce, tag, message_type, created_at_unix_ms, expires_at_unix_ms,
 read_at_unix_ms, consumed, sender_device_id, file_name, file_size, file_mime_type, file_storage_ref, file_ref`

func scanMessage(row interface{ Scan(dest ...any) error }) (core.Message, error) {
	var (
		m                                  core.Message
		convID                             sql.NullString
		tag                                sql.NullString
		messageType                        string
		createdAtMs, expiresAtMs           int64
		readAtMs                           sql.NullInt64
		consumed                           int
		senderDeviceID                     sql.NullString
		fileName, fileMime, fileStorageRef sql.NullString
		fileSize                           sql.NullInt64
		fileRef                            sql.NullString
	)
	if err := row.Scan(&m.ID, &convID, &m.Ciphertext, &m.Nonce, &tag, &messageType, &createdAtMs, &expiresAtMs,
		&readAtMs, &consumed, &senderDeviceID, &fileName, &fileSize, &fileMime, &fileStorageRef, &fileRef); err != nil {
		return core.Message{}, err
	}

	if convID.Valid {
		m.ConversationID = &convID.String
	}
	if tag.Valid {
		m.Tag = &tag.String
	}
	m.MessageType = core.MessageType(messageType)
	m.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	m.ExpiresAt = time.UnixMilli(expiresAtMs).UTC()
	if readAtMs.Valid {
		t := time.UnixMilli(readAtMs.Int64).UTC()
		m.ReadAt = &t
	}
	m.Consumed = consumed != 0
	if senderDeviceID.Valid {
		m.SenderDeviceID = &senderDeviceID.String
	}
	if fileRef.Valid {
		m.FileRef = &fileRef.String
	}
	if fileName.Valid {
		m.File = &core.FileMetadata{
			Name:       fileName.String,
			Size:       fileSize.Int64,
			MimeType:   fileMime.String,
			StorageRef: fileStorageRef.String,
		}
	}
	return m, nil
}

// FindMessageByID returns ErrNotFound if no row exists.
func (q *Queries) FindMessageByID(ctx context.Context, id string) (core.Message, error) {
	stmt := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`
	row := q.q.QueryRowContext(ctx, stmt, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Message{}, ErrNotFound
	}
	if err != nil {
		return core.Message{}, fmt.Errorf("find message: %w", err)
	}
	return m, nil
}

// FindMessageByFileRef resolves the Message that embeds the given file
// staging id. Returns ErrNotFound if no message references it.
func (q *Queries) FindMessageByFileRef(ctx context.Context, fileRef string) (core.Message, error) {
	stmt := `SELECT ` + messageColumns + ` FROM messages WHERE file_ref = ?`
	row := q.q.QueryRowContext(ctx, stmt, fileRef)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Message{}, ErrNotFound
	}
	if err != nil {
		return core.Message{}, fmt.Errorf("find message by file ref: %w", err)
	}
	return m, nil
}

// FindActiveByConversation returns every message row for convID, ascending
// by createdAt. This is not a filtered/consuming read: listing deliberately
// still returns consumed or expired rows; only the sweeper deletes them.
func (q *Queries) FindActiveByConversation(ctx context.Context, convID string) ([]core.Message, error) {
	stmt := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY created_at_unix_ms ASC`
	rows, err := q.q.QueryContext(ctx, stmt, convID)
	if err != nil {
		return nil, fmt.Errorf("find messages by conversation: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// FindActiveByConversationSince returns messages with createdAt > since.
func (q *Queries) FindActiveByConversationSince(ctx context.Context, convID string, since time.Time) ([]core.Message, error) {
	stmt := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND created_at_unix_ms > ? ORDER BY created_at_unix_ms ASC`
	rows, err := q.q.QueryContext(ctx, stmt, convID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("find messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]core.Message, error) {
	var out []core.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMessageConsumed sets consumed=true, readAt=at exactly once; the
// WHERE clause makes a second call on an already-consumed row a no-op.
func (q *Queries) UpdateMessageConsumed(ctx context.Context, id string, at time.Time) error {
	const stmt = `UPDATE messages SET consumed = 1, read_at_unix_ms = ? WHERE id = ? AND consumed = 0`
	res, err := q.q.ExecContext(ctx, stmt, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update message consumed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMessageFileStorageRef is used by the file staging service's
// promotion task once the final bytes have been written to disk.
func (q *Queries) UpdateMessageFileStorageRef(ctx context.Context, id, storageRef string) error {
	const stmt = `UPDATE messages SET file_storage_ref = ? WHERE id = ?`
	_, err := q.q.ExecContext(ctx, stmt, storageRef, id)
	if err != nil {
		return fmt.Errorf("update message file storage ref: %w", err)
	}
	return nil
}

// DeleteMessagesByConversation cascades a conversation delete.
func (q *Queries) DeleteMessagesByConversation(ctx context.Context, convID string) (int64, error) {
	const stmt = `DELETE FROM messages WHERE conversation_id = ?`
	res, err := q.q.ExecContext(ctx, stmt, convID)
	if err != nil {
		return 0, fmt.Errorf("delete messages by conversation: %w", err)
	}
	return res.RowsAffected()
}

// DeleteWhereExpiredBefore implements sweeper step 1.
func (q *Queries) DeleteWhereExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	const stmt = `DELETE FROM messages WHERE expires_at_unix_ms < ?`
	res, err := q.q.ExecContext(ctx, stmt, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	return res.RowsAffected()
}

// DeleteWhereConsumedAndReadBefore implements sweeper step 2. Callers pass
// a retention cutoff (now minus the grace window) as before.
func (q *Queries) DeleteWhereConsumedAndReadBefore(ctx context.Context, before time.Time) (int64, error) {
	const stmt = `DELETE FROM messages WHERE consumed = 1 AND read_at_unix_ms IS NOT NULL AND read_at_unix_ms < ?`
	res, err := q.q.ExecContext(ctx, stmt, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete consumed messages: %w", err)
	}
	return res.RowsAffected()
}

// DeleteWhereConversationExpired implements sweeper step 3: messages whose
// parent conversation is EXPIRED or DELETED and past the retention cutoff.
func (q *Queries) DeleteWhereConversationExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	const stmt = `DELETE FROM messages WHERE conversation_id IN (
		SELECT id FROM conversations
		WHERE status IN (?, ?) AND expires_at_unix_ms < ?
	)`
	res, err := q.q.ExecContext(ctx, stmt, string(core.ConversationExpired), string(core.ConversationDeleted), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete messages of expired conversations: %w", err)
	}
	return res.RowsAffected()
}

// CountByConversation is a small counter used by tests and metrics.
func (q *Queries) CountByConversation(ctx context.Context, convID string) (int, error) {
	const stmt = `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`
	var n int
	if err := q.q.QueryRowContext(ctx, stmt, convID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
