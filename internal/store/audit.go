package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is a single row of the append-only audit_log table: who did
// what, to what target, with an opaque details blob for context.
type AuditEntry struct {
	ActorDeviceID string
	Action        string
	Target        string
	Details       string
	CreatedAt     time.Time
}

// InsertAudit appends an audit row. Callers never update or delete these;
// retention is handled by the sweeper if/when it is extended to audit_log.
func (q *Queries) InsertAudit(ctx context.Context, e AuditEntry) error {
	const stmt = `INSERT INTO audit_log (actor_device_id, action, target, details, created_at_unix_ms)
		VALUES (?, ?, ?, ?, ?)`
	_, err := q.q.ExecContext(ctx, stmt, e.ActorDeviceID, e.Action, e.Target, e.Details, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditByActor returns the most recent audit rows for actorDeviceID,
// newest first, capped at limit.
func (q *Queries) ListAuditByActor(ctx context.Context, actorDeviceID string, limit int) ([]AuditEntry, error) {
	const stmt = `SELECT actor_device_id, action, target, details, created_at_unix_ms
		FROM audit_log WHERE actor_device_id = ? ORDER BY created_at_unix_ms DESC LIMIT ?`
	rows, err := q.q.QueryContext(ctx, stmt, actorDeviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func scanAuditEntries(rows *sql.Rows) ([]AuditEntry, error) {
	var out []AuditEntry
	for rows.Next() {
		var (
			e          AuditEntry
			createdMs  int64
		)
		if err := rows.Scan(&e.ActorDeviceID, &e.Action, &e.Target, &e.Details, &createdMs); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
