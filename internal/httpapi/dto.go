package httpapi

import (
	"time"

	"vanish/server/internal/core"
)

type createConversationRequest struct {
	TTLHours int `json:"ttlHours"`
}

type conversationResponse struct {
	ID          string    `json:"id"`
	InitiatorID string    `json:"initiatorId"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toConversationResponse(c core.Conversation) conversationResponse {
	return conversationResponse{
		ID:          c.ID,
		InitiatorID: c.InitiatorID,
		Status:      string(c.Status),
		ExpiresAt:   c.ExpiresAt,
		CreatedAt:   c.CreatedAt,
	}
}

type shareResponse struct {
	ShareURL string `json:"shareUrl"`
}

type accessibleResponse struct {
	Live bool `json:"live"`
}

type participantResponse struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	DeviceID       string     `json:"deviceId"`
	IsInitiator    bool       `json:"isInitiator"`
	JoinedAt       time.Time  `json:"joinedAt"`
	DepartedAt     *time.Time `json:"departedAt,omitempty"`
}

func toParticipantResponse(p core.Participant) participantResponse {
	return participantResponse{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		DeviceID:       p.DeviceID,
		IsInitiator:    p.IsInitiator,
		JoinedAt:       p.JoinedAt,
		DepartedAt:     p.DepartedAt,
	}
}

type participantStatusResponse struct {
	Active bool `json:"active"`
}

type fileMetadataDTO struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// Tier is deliberately absent here: subscription tier is resolved
// server-side via messagesvc.SubscriptionGate, never from the request body.
type sendMessageRequest struct {
	Ciphertext  string           `json:"ciphertext"`
	Nonce       string           `json:"nonce"`
	Tag         *string          `json:"tag,omitempty"`
	MessageType string           `json:"messageType"`
	File        *fileMetadataDTO `json:"file,omitempty"`
	FileRef     *string          `json:"fileRef,omitempty"`
}

type messageResponse struct {
	ID             string           `json:"id"`
	ConversationID *string          `json:"conversationId,omitempty"`
	Ciphertext     string           `json:"ciphertext"`
	Nonce          string           `json:"nonce"`
	Tag            *string          `json:"tag,omitempty"`
	MessageType    string           `json:"messageType"`
	CreatedAt      time.Time        `json:"createdAt"`
	ExpiresAt      time.Time        `json:"expiresAt"`
	ReadAt         *time.Time       `json:"readAt,omitempty"`
	Consumed       bool             `json:"consumed"`
	SenderDeviceID *string          `json:"senderDeviceId,omitempty"`
	File           *fileMetadataDTO `json:"file,omitempty"`
	FileRef        *string          `json:"fileRef,omitempty"`
}

func toMessageResponse(m core.Message) messageResponse {
	resp := messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Ciphertext:     m.Ciphertext,
		Nonce:          m.Nonce,
		Tag:            m.Tag,
		MessageType:    string(m.MessageType),
		CreatedAt:      m.CreatedAt,
		ExpiresAt:      m.ExpiresAt,
		ReadAt:         m.ReadAt,
		Consumed:       m.Consumed,
		SenderDeviceID: m.SenderDeviceID,
		FileRef:        m.FileRef,
	}
	if m.File != nil {
		resp.File = &fileMetadataDTO{Name: m.File.Name, Size: m.File.Size, MimeType: m.File.MimeType}
	}
	return resp
}

type bufferedMessageResponse struct {
	ServerID string    `json:"serverId"`
	Status   string    `json:"status"`
	QueuedAt time.Time `json:"queuedAt"`
}

type registerTokenRequest struct {
	OpaqueToken string `json:"opaqueToken"`
}

type uploadFileRequest struct {
	Name          string `json:"name"`
	MimeType      string `json:"mimeType"`
	ContentBase64 string `json:"contentBase64"`
	MessageType   string `json:"messageType"`
}
