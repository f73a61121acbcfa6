// Package conversationsvc is the conversation service: creation,
// lookup, deletion, and participant admission with link-consumption
// semantics.
package conversationsvc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vanish/server/internal/apperr"
	"vanish/server/internal/cache"
	"vanish/server/internal/clock"
	"vanish/server/internal/core"
	"vanish/server/internal/store"
)

// Pusher is the subset of the vendor push bridge the service needs for the
// delete-notification side effect.
type Pusher interface {
	NotifyConversationDeleted(ctx context.Context, conv core.Conversation, excludeDeviceID string)
}

type Service struct {
	store *store.Store
	cache cache.Cache
	push  Pusher
	clock clock.Clock
}

func New(st *store.Store, c cache.Cache, pusher Pusher, clk clock.Clock) *Service {
	return &Service{store: st, cache: c, push: pusher, clock: clk}
}

func conversationCacheKey(id string) string { return "conversation:" + id }
func deviceConversationsCacheKey(deviceID string) string {
	return "device_conversations:" + deviceID
}

// CreateConversation materializes a Conversation with expiresAt = now +
// ttlHours and inserts the initiator's Participant row.
func (s *Service) CreateConversation(ctx context.Context, deviceID string, ttlHours int) (core.Conversation, error) {
	if deviceID == "" {
		return core.Conversation{}, apperr.Validation("device id is required")
	}
	if ttlHours <= 0 {
		return core.Conversation{}, apperr.Validation("ttlHours must be positive")
	}

	now := s.clock.Now()
	conv := core.Conversation{
		ID:          uuid.NewString(),
		InitiatorID: deviceID,
		Status:      core.ConversationActive,
		ExpiresAt:   now.Add(time.Duration(ttlHours) * time.Hour),
		CreatedAt:   now,
	}

	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.InsertConversation(ctx, conv); err != nil {
			return err
		}
		return q.InsertParticipant(ctx, core.Participant{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			DeviceID:       deviceID,
			IsInitiator:    true,
			JoinedAt:       now,
		})
	})
	if err != nil {
		return core.Conversation{}, apperr.Internal(err, "create conversation")
	}
	return conv, nil
}

// GetConversation returns apperr.NotFound if id is unknown.
func (s *Service) GetConversation(ctx context.Context, id string) (core.Conversation, error) {
	conv, err := s.store.FindConversationByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return core.Conversation{}, apperr.NotFound("conversation %s not found", id)
	}
	if err != nil {
		return core.Conversation{}, apperr.Internal(err, "get conversation")
	}
	return conv, nil
}

// ListUserConversations returns deviceID's initiated, live conversations.
func (s *Service) ListUserConversations(ctx context.Context, deviceID string) ([]core.Conversation, error) {
	convs, err := s.store.FindActiveByInitiator(ctx, deviceID)
	if err != nil {
		return nil, apperr.Internal(err, "list user conversations")
	}
	now := s.clock.Now()
	live := make([]core.Conversation, 0, len(convs))
	for _, c := range convs {
		if c.IsLive(now) {
			live = append(live, c)
		}
	}
	return live, nil
}

// DeleteConversation tears down a conversation: only the initiator may
// call this. It cascades participant departure and message deletion inside
// one transaction, invalidates caches, and notifies remaining participants
// via vendor push.
func (s *Service) DeleteConversation(ctx context.Context, id, deviceID string) error {
	conv, err := s.store.FindConversationByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("conversation %s not found", id)
	}
	if err != nil {
		return apperr.Internal(err, "find conversation")
	}
	if conv.InitiatorID != deviceID {
		return apperr.Forbidden("only the initiator may delete this conversation")
	}

	now := s.clock.Now()
	err = s.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.MarkAllDeparted(ctx, id, now); err != nil {
			return err
		}
		if _, err := q.DeleteMessagesByConversation(ctx, id); err != nil {
			return err
		}
		if err := q.UpdateConversationStatus(ctx, id, core.ConversationDeleted); err != nil {
			return err
		}
		return q.InsertAudit(ctx, store.AuditEntry{
			ActorDeviceID: deviceID,
			Action:        "conversation_deleted",
			Target:        id,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return apperr.Internal(err, "delete conversation")
	}

	s.invalidateConversationCache(ctx, id)

	if s.push != nil {
		conv.Status = core.ConversationDeleted
		s.push.NotifyConversationDeleted(ctx, conv, deviceID)
	}
	return nil
}

// RegisterParticipant consumes the share link or rejoins an existing,
// departed row for the same device.
func (s *Service) RegisterParticipant(ctx context.Context, convID, deviceID string) (core.Participant, error) {
	conv, err := s.store.FindConversationByID(ctx, convID)
	if errors.Is(err, store.ErrNotFound) {
		return core.Participant{}, apperr.NotFound("conversation %s not found", convID)
	}
	if err != nil {
		return core.Participant{}, apperr.Internal(err, "find conversation")
	}
	if !conv.IsLive(s.clock.Now()) {
		return core.Participant{}, apperr.Conflict("conversation is not live")
	}

	var result core.Participant
	err = s.store.WithTx(ctx, func(q *store.Queries) error {
		now := s.clock.Now()
		existing, err := q.FindParticipant(ctx, convID, deviceID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			has, err := q.HasConsumedSecondary(ctx, convID)
			if err != nil {
				return err
			}
			if has {
				return apperr.Conflict("link already used")
			}
			p := core.Participant{
				ID:             uuid.NewString(),
				ConversationID: convID,
				DeviceID:       deviceID,
				IsInitiator:    conv.InitiatorID == deviceID,
				JoinedAt:       now,
				LinkConsumedAt: &now,
			}
			if p.IsInitiator {
				p.LinkConsumedAt = nil
			}
			if err := q.InsertParticipant(ctx, p); err != nil {
				if errors.Is(err, store.ErrUniqueViolation) {
					return apperr.Conflict("link already used")
				}
				return err
			}
			result = p
			return nil
		case err != nil:
			return err
		default:
			if existing.DepartedAt != nil {
				if err := q.ClearDeparted(ctx, existing.ID); err != nil {
					return err
				}
				existing.DepartedAt = nil
			}
			result = existing
			return nil
		}
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return core.Participant{}, err
		}
		return core.Participant{}, apperr.Internal(err, "register participant")
	}
	return result, nil
}

// LeaveConversation is idempotent: a second call is a no-op. It never
// changes the conversation's own status.
func (s *Service) LeaveConversation(ctx context.Context, convID, deviceID string) error {
	p, err := s.store.FindParticipant(ctx, convID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Internal(err, "find participant")
	}
	if p.DepartedAt != nil {
		return nil
	}
	if err := s.store.MarkDeparted(ctx, p.ID, s.clock.Now()); err != nil {
		return apperr.Internal(err, "leave conversation")
	}
	return nil
}

// GetActiveParticipants lists currently-joined participants.
func (s *Service) GetActiveParticipants(ctx context.Context, convID string) ([]core.Participant, error) {
	participants, err := s.store.FindActiveParticipants(ctx, convID)
	if err != nil {
		return nil, apperr.Internal(err, "get active participants")
	}
	return participants, nil
}

// IsActiveParticipant probes whether deviceID currently holds an active
// row in convID.
func (s *Service) IsActiveParticipant(ctx context.Context, convID, deviceID string) (bool, error) {
	p, err := s.store.FindParticipant(ctx, convID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Internal(err, "find participant")
	}
	return p.IsActive(), nil
}

func (s *Service) invalidateConversationCache(ctx context.Context, convID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, conversationCacheKey(convID)); err != nil {
		slog.Debug("invalidate conversation cache", "err", err)
	}
	if err := s.cache.Del(ctx, "conversation_messages:"+convID); err != nil {
		slog.Debug("invalidate conversation messages cache", "err", err)
	}
}
