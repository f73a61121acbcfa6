package store

import "context"

// Stats is a point-in-time row count summary, used by the CLI's "status"
// subcommand.
type Stats struct {
	Conversations       int
	ActiveConversations int
	Participants        int
	Messages            int
	DeviceTokens        int
	ActiveDeviceTokens  int
}

// Stats gathers row counts across every table for operator visibility.
func (q *Queries) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	queries := []struct {
		stmt string
		dst  *int
	}{
		{"SELECT COUNT(*) FROM conversations", &s.Conversations},
		{"SELECT COUNT(*) FROM conversations WHERE status = 'ACTIVE'", &s.ActiveConversations},
		{"SELECT COUNT(*) FROM conversation_participants", &s.Participants},
		{"SELECT COUNT(*) FROM messages", &s.Messages},
		{"SELECT COUNT(*) FROM device_tokens", &s.DeviceTokens},
		{"SELECT COUNT(*) FROM device_tokens WHERE active = 1", &s.ActiveDeviceTokens},
	}
	for _, qr := range queries {
		if err := q.q.QueryRowContext(ctx, qr.stmt).Scan(qr.dst); err != nil {
			return Stats{}, err
		}
	}
	return s, nil
}
