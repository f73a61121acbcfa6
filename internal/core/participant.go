package core

import "time"

// Participant is a device's membership row in a Conversation.
// (conversationId, deviceId) is unique, enforced by store.
type Participant struct {
	ID              string
	ConversationID  string
	DeviceID        string
	IsInitiator     bool
	JoinedAt        time.Time
	DepartedAt      *time.Time
	LinkConsumedAt  *time.Time
}

// IsActive reports whether the participant has not yet departed.
func (p Participant) IsActive() bool {
	return p.DepartedAt == nil
}

// IsSecondary reports the one-shot link-consumer predicate: not the
// initiator, and has consumed the share link.
func (p Participant) IsSecondary() bool {
	return !p.IsInitiator && p.LinkConsumedAt != nil
}
