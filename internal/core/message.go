package core

import "time"

// MessageType classifies the payload carried by a Message.
type MessageType string

const (
	MessageText    MessageType = "TEXT"
	MessageSticker MessageType = "STICKER"
	MessageImage   MessageType = "IMAGE"
	MessageFile    MessageType = "FILE"
)

// FileMetadata describes an attached file. Only set for FILE/IMAGE messages.
type FileMetadata struct {
	Name       string
	Size       int64
	MimeType   string
	StorageRef string // filesystem path once promoted out of staging; empty while staged
}

// Message is a single ciphertext envelope, server-assigned UUID. FILE and
// IMAGE messages carry their file identifier in FileRef rather than encoded
// into Ciphertext; Ciphertext is empty for those types.
type Message struct {
	ID             string
	ConversationID *string // nil for one-shot secret notes
	Ciphertext     string
	Nonce          string
	Tag            *string
	MessageType    MessageType
	CreatedAt      time.Time
	ExpiresAt      time.Time
	ReadAt         *time.Time
	Consumed       bool
	SenderDeviceID *string
	File           *FileMetadata
	FileRef        *string // staging fileId for FILE/IMAGE messages, see files package
}

// IsExpired reports whether the message's TTL has elapsed: now > expiresAt.
func (m Message) IsExpired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// IsConsumable reports whether the message is neither consumed nor expired,
// the gate for the single-shot read path.
func (m Message) IsConsumable(now time.Time) bool {
	return !m.Consumed && !m.IsExpired(now)
}

// PayloadSize is the billable size used against tier limits: the sum of
// ciphertext, nonce, and tag lengths.
func (m Message) PayloadSize() int {
	size := len(m.Ciphertext) + len(m.Nonce)
	if m.Tag != nil {
		size += len(*m.Tag)
	}
	return size
}
