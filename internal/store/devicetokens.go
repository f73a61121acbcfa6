package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vanish/server/internal/core"
)

const deviceTokenColumns = `device_id, opaque_token, active, created_at_unix_ms, updated_at_unix_ms`

func scanDeviceToken(row interface{ Scan(dest ...any) error }) (core.DeviceToken, error) {
	var (
		d                        core.DeviceToken
		active                   int
		createdAtMs, updatedAtMs int64
	)
	if err := row.Scan(&d.DeviceID, &d.OpaqueToken, &active, &createdAtMs, &updatedAtMs); err != nil {
		return core.DeviceToken{}, err
	}
	d.Active = active != 0
	d.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	d.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	return d, nil
}

func scanDeviceTokens(rows *sql.Rows) ([]core.DeviceToken, error) {
	var out []core.DeviceToken
	for rows.Next() {
		d, err := scanDeviceToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RegisterDeviceToken implements "move, don't duplicate" semantics: a push
// token belongs to exactly one device at a time, and a device holds at most
// one active token at a time. Registering opaqueToken for deviceID
// deactivates any other device row currently holding that same token,
// deactivates any other token this device currently holds, then upserts
// the (deviceID, token) pair as active.
func (q *Queries) RegisterDeviceToken(ctx context.Context, deviceID, opaqueToken string, at time.Time) error {
	const deactivateOtherDevicesHoldingToken = `UPDATE device_tokens SET active = 0, updated_at_unix_ms = ?
		WHERE opaque_token = ? AND device_id != ?`
	if _, err := q.q.ExecContext(ctx, deactivateOtherDevicesHoldingToken, at.UnixMilli(), opaqueToken, deviceID); err != nil {
		return fmt.Errorf("deactivate other device tokens: %w", err)
	}

	const deactivateOtherTokensForDevice = `UPDATE device_tokens SET active = 0, updated_at_unix_ms = ?
		WHERE device_id = ? AND opaque_token != ? AND active = 1`
	if _, err := q.q.ExecContext(ctx, deactivateOtherTokensForDevice, at.UnixMilli(), deviceID, opaqueToken); err != nil {
		return fmt.Errorf("deactivate device's other tokens: %w", err)
	}

	const upsert = `INSERT INTO device_tokens (device_id, opaque_token, active, created_at_unix_ms, updated_at_unix_ms)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(opaque_token) DO UPDATE SET
			device_id = excluded.device_id,
			active = 1,
			updated_at_unix_ms = excluded.updated_at_unix_ms`
	if _, err := q.q.ExecContext(ctx, upsert, deviceID, opaqueToken, at.UnixMilli(), at.UnixMilli()); err != nil {
		return fmt.Errorf("upsert device token: %w", err)
	}
	return nil
}

// FindByOpaqueToken returns ErrNotFound if the token is unknown.
func (q *Queries) FindByOpaqueToken(ctx context.Context, opaqueToken string) (core.DeviceToken, error) {
	stmt := `SELECT ` + deviceTokenColumns + ` FROM device_tokens WHERE opaque_token = ?`
	row := q.q.QueryRowContext(ctx, stmt, opaqueToken)
	d, err := scanDeviceToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.DeviceToken{}, ErrNotFound
	}
	if err != nil {
		return core.DeviceToken{}, fmt.Errorf("find device token: %w", err)
	}
	return d, nil
}

// FindActiveByDevices returns the active token rows for the given device IDs,
// used by the push bridge to resolve fan-out targets.
func (q *Queries) FindActiveByDevices(ctx context.Context, deviceIDs []string) ([]core.DeviceToken, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(deviceIDs)*2)
	args := make([]any, 0, len(deviceIDs))
	for i, id := range deviceIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}
	stmt := `SELECT ` + deviceTokenColumns + ` FROM device_tokens WHERE device_id IN (` + string(placeholders) + `) AND active = 1`
	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("find active device tokens: %w", err)
	}
	defer rows.Close()
	return scanDeviceTokens(rows)
}

// FindAllByDevice returns every token row ever registered for deviceID,
// active or not.
func (q *Queries) FindAllByDevice(ctx context.Context, deviceID string) ([]core.DeviceToken, error) {
	stmt := `SELECT ` + deviceTokenColumns + ` FROM device_tokens WHERE device_id = ? ORDER BY updated_at_unix_ms DESC`
	rows, err := q.q.QueryContext(ctx, stmt, deviceID)
	if err != nil {
		return nil, fmt.Errorf("find device tokens by device: %w", err)
	}
	defer rows.Close()
	return scanDeviceTokens(rows)
}

// DeactivateToken is called by the push bridge on a BadDeviceToken or
// Unregistered vendor response.
func (q *Queries) DeactivateToken(ctx context.Context, opaqueToken string, at time.Time) error {
	const stmt = `UPDATE device_tokens SET active = 0, updated_at_unix_ms = ? WHERE opaque_token = ?`
	_, err := q.q.ExecContext(ctx, stmt, at.UnixMilli(), opaqueToken)
	if err != nil {
		return fmt.Errorf("deactivate device token: %w", err)
	}
	return nil
}
