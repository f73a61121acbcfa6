package core

import "time"

// BufferedMessage is the transient ingestion queue record: from enqueue
// until either a successful worker write (becomes a Message) or terminal
// retry (routed to the dead-letter destination).
type BufferedMessage struct {
	ServerID       string
	ConversationID string
	DeviceID       string // sender
	Ciphertext     string
	Nonce          string
	Tag            *string
	MessageType    MessageType
	File           *FileMetadata
	FileRef        *string
	QueuedAt       time.Time
	RetryCount     int
}
