// Package messagesvc is the message service: the pipeline and direct
// creation paths, cache-first listing, incremental fetch, and single-shot
// consumption.
package messagesvc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vanish/server/internal/apperr"
	"vanish/server/internal/cache"
	"vanish/server/internal/clock"
	"vanish/server/internal/core"
	"vanish/server/internal/queue"
	"vanish/server/internal/store"
)

// Tier is the caller's subscription tier, which sets the direct-path size
// cap.
type Tier int

const (
	TierFree Tier = iota
	TierPremium
)

const (
	freeTierLimitBytes    = 100 * 1024
	premiumTierLimitBytes = 10 * 1024 * 1024
)

// Pusher is the subset of the vendor push bridge the direct path needs:
// fire-and-forget notification of non-sender participants.
type Pusher interface {
	NotifyNewMessage(ctx context.Context, conv core.Conversation, excludeDeviceID string)
}

// SubscriptionGate resolves a device's subscription tier against the
// external billing system, an out-of-process collaborator this repo does
// not implement. Tier is never taken from the request body: a client
// cannot claim premium for itself.
type SubscriptionGate interface {
	TierFor(ctx context.Context, deviceID string) (Tier, error)
}

// StaticGate is the default SubscriptionGate. No billing integration lives
// in this tree, so every device resolves to the free tier until one is
// wired in.
type StaticGate struct{}

func (StaticGate) TierFor(ctx context.Context, deviceID string) (Tier, error) {
	return TierFree, nil
}

// Payload is the client-supplied ciphertext envelope shared by both
// creation paths.
type Payload struct {
	Ciphertext  string
	Nonce       string
	Tag         *string
	MessageType core.MessageType
	File        *core.FileMetadata
	FileRef     *string
}

func (p Payload) size() int {
	n := len(p.Ciphertext) + len(p.Nonce)
	if p.Tag != nil {
		n += len(*p.Tag)
	}
	return n
}

const conversationMessagesCacheTTL = 24 * time.Hour

type Service struct {
	store *store.Store
	cache cache.Cache
	queue *queue.Queue
	push  Pusher
	clock clock.Clock
	gate  SubscriptionGate
}

func New(st *store.Store, c cache.Cache, q *queue.Queue, pusher Pusher, clk clock.Clock, gate SubscriptionGate) *Service {
	if gate == nil {
		gate = StaticGate{}
	}
	return &Service{store: st, cache: c, queue: q, push: pusher, clock: clk, gate: gate}
}

func conversationMessagesCacheKey(convID string) string {
	return "conversation_messages:" + convID
}

// SendBuffered is the pipeline path: it validates, enqueues, and returns a
// server id immediately, before durability.
func (s *Service) SendBuffered(ctx context.Context, convID, deviceID string, payload Payload) (serverID string, queuedAt time.Time, err error) {
	// conv.ExpiresAt is applied by the worker at ingest time, so only
	// liveness needs checking here.
	if _, err := s.requireLiveConversation(ctx, convID); err != nil {
		return "", time.Time{}, err
	}
	active, err := s.isActiveParticipant(ctx, convID, deviceID)
	if err != nil {
		return "", time.Time{}, err
	}
	if !active {
		return "", time.Time{}, apperr.Forbidden("device is not an active participant")
	}

	now := s.clock.Now()
	bm := core.BufferedMessage{
		ServerID:       uuid.NewString(),
		ConversationID: convID,
		DeviceID:       deviceID,
		Ciphertext:     payload.Ciphertext,
		Nonce:          payload.Nonce,
		Tag:            payload.Tag,
		MessageType:    payload.MessageType,
		File:           payload.File,
		FileRef:        payload.FileRef,
		QueuedAt:       now,
	}
	if err := s.queue.Enqueue(ctx, bm); err != nil {
		return "", time.Time{}, apperr.ServiceUnavailable("enqueue message: %v", err)
	}
	return bm.ServerID, now, nil
}

// CreateInConversation is the direct path: synchronous, durable-first
// creation with a tier-based size cap. Tier is resolved server-side via the
// SubscriptionGate, never trusted from the caller.
func (s *Service) CreateInConversation(ctx context.Context, convID, deviceID string, payload Payload) (core.Message, error) {
	conv, err := s.requireLiveConversation(ctx, convID)
	if err != nil {
		return core.Message{}, err
	}
	active, err := s.isActiveParticipant(ctx, convID, deviceID)
	if err != nil {
		return core.Message{}, err
	}
	if !active {
		return core.Message{}, apperr.Forbidden("device is not an active participant")
	}

	tier, err := s.gate.TierFor(ctx, deviceID)
	if err != nil {
		return core.Message{}, apperr.Internal(err, "resolve subscription tier")
	}

	limit := freeTierLimitBytes
	if tier == TierPremium {
		limit = premiumTierLimitBytes
	}
	if payload.size() > limit {
		return core.Message{}, apperr.PayloadTooLarge("message of %d bytes exceeds tier limit of %d bytes", payload.size(), limit)
	}

	now := s.clock.Now()
	msg := core.Message{
		ID:             uuid.NewString(),
		ConversationID: &convID,
		Ciphertext:     payload.Ciphertext,
		Nonce:          payload.Nonce,
		Tag:            payload.Tag,
		MessageType:    payload.MessageType,
		CreatedAt:      now,
		ExpiresAt:      conv.ExpiresAt,
		SenderDeviceID: &deviceID,
		File:           payload.File,
		FileRef:        payload.FileRef,
	}

	if err := s.store.WithTx(ctx, func(q *store.Queries) error {
		return q.InsertMessage(ctx, msg)
	}); err != nil {
		return core.Message{}, apperr.Internal(err, "create message")
	}

	s.invalidateMessageCache(ctx, convID)
	s.cacheMessage(ctx, msg)

	if s.push != nil {
		s.push.NotifyNewMessage(ctx, conv, deviceID)
	}
	return msg, nil
}

// ListMessages is cache-first: serve the cached list if present, otherwise
// query the durable store and populate the cache.
func (s *Service) ListMessages(ctx context.Context, convID string) ([]core.Message, error) {
	if s.cache != nil {
		payload, err := s.cache.Get(ctx, conversationMessagesCacheKey(convID))
		switch cache.Classify(err) {
		case cache.OutcomeOK:
			var msgs []core.Message
			if jsonErr := json.Unmarshal(payload, &msgs); jsonErr == nil {
				return msgs, nil
			}
			slog.Warn("messagesvc: corrupt cached message list", "conversation_id", convID)
		case cache.OutcomeUnavailable:
			slog.Debug("messagesvc: cache unavailable, falling back to store", "conversation_id", convID)
		}
	}

	msgs, err := s.store.FindActiveByConversation(ctx, convID)
	if err != nil {
		return nil, apperr.Internal(err, "list messages")
	}
	if s.cache != nil {
		if payload, jsonErr := json.Marshal(msgs); jsonErr == nil {
			if setErr := s.cache.Set(ctx, conversationMessagesCacheKey(convID), payload, conversationMessagesCacheTTL); setErr != nil {
				slog.Debug("messagesvc: cache set failed", "err", setErr)
			}
		}
	}
	return msgs, nil
}

// ListMessagesSince always bypasses the cache.
func (s *Service) ListMessagesSince(ctx context.Context, convID string, since time.Time) ([]core.Message, error) {
	msgs, err := s.store.FindActiveByConversationSince(ctx, convID, since)
	if err != nil {
		return nil, apperr.Internal(err, "list messages since")
	}
	return msgs, nil
}

// Consume implements the single-shot read path: once consumed, any
// subsequent call returns apperr.Gone.
func (s *Service) Consume(ctx context.Context, convID, messageID string) (core.Message, error) {
	var result core.Message
	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		msg, err := q.FindMessageByID(ctx, messageID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("message %s not found", messageID)
		}
		if err != nil {
			return err
		}
		if msg.ConversationID == nil || *msg.ConversationID != convID {
			return apperr.NotFound("message %s not found in conversation %s", messageID, convID)
		}
		now := s.clock.Now()
		if !msg.IsConsumable(now) {
			return apperr.Gone("message %s already consumed or expired", messageID)
		}
		if err := q.UpdateMessageConsumed(ctx, messageID, now); err != nil {
			return err
		}
		msg.Consumed = true
		msg.ReadAt = &now
		result = msg
		return nil
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return core.Message{}, err
		}
		return core.Message{}, apperr.Internal(err, "consume message")
	}
	return result, nil
}

func (s *Service) requireLiveConversation(ctx context.Context, convID string) (core.Conversation, error) {
	conv, err := s.store.FindConversationByID(ctx, convID)
	if errors.Is(err, store.ErrNotFound) {
		return core.Conversation{}, apperr.NotFound("conversation %s not found", convID)
	}
	if err != nil {
		return core.Conversation{}, apperr.Internal(err, "find conversation")
	}
	if !conv.IsLive(s.clock.Now()) {
		return core.Conversation{}, apperr.Conflict("conversation is not live")
	}
	return conv, nil
}

func (s *Service) isActiveParticipant(ctx context.Context, convID, deviceID string) (bool, error) {
	p, err := s.store.FindParticipant(ctx, convID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal(err, "find participant")
	}
	return p.IsActive(), nil
}

func (s *Service) invalidateMessageCache(ctx context.Context, convID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, conversationMessagesCacheKey(convID)); err != nil {
		slog.Debug("messagesvc: invalidate cache failed", "err", err)
	}
}

func (s *Service) cacheMessage(ctx context.Context, msg core.Message) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, "message:"+msg.ID, payload, conversationMessagesCacheTTL); err != nil {
		slog.Debug("messagesvc: cache message failed", "err", err)
	}
}
