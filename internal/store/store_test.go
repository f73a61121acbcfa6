package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"vanish/server/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vanish.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestConversationLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	conv := core.Conversation{
		ID:          uuid.NewString(),
		InitiatorID: "device-a",
		Status:      core.ConversationActive,
		ExpiresAt:   now.Add(10 * time.Minute),
		CreatedAt:   now,
	}
	if err := st.InsertConversation(ctx, conv); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := st.FindConversationByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.InitiatorID != conv.InitiatorID || got.Status != conv.Status {
		t.Fatalf("got %+v, want %+v", got, conv)
	}

	if _, err := st.FindConversationByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	active, err := st.FindActiveByInitiator(ctx, "device-a")
	if err != nil || len(active) != 1 {
		t.Fatalf("find active by initiator: %v, %v", active, err)
	}

	if err := st.UpdateConversationStatus(ctx, conv.ID, core.ConversationExpired); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = st.FindConversationByID(ctx, conv.ID)
	if got.Status != core.ConversationExpired {
		t.Fatalf("status = %v, want EXPIRED", got.Status)
	}

	if err := st.UpdateConversationStatus(ctx, "missing", core.ConversationDeleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on missing update, got %v", err)
	}
}

func TestParticipantOneSecondaryInvariant(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	conv := core.Conversation{ID: uuid.NewString(), InitiatorID: "device-a", Status: core.ConversationActive, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := st.InsertConversation(ctx, conv); err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	initiator := core.Participant{ID: uuid.NewString(), ConversationID: conv.ID, DeviceID: "device-a", IsInitiator: true, JoinedAt: now}
	if err := st.InsertParticipant(ctx, initiator); err != nil {
		t.Fatalf("insert initiator: %v", err)
	}

	consumedAt := now.Add(time.Minute)
	secondary := core.Participant{ID: uuid.NewString(), ConversationID: conv.ID, DeviceID: "device-b", IsInitiator: false, JoinedAt: now, LinkConsumedAt: &consumedAt}
	if err := st.InsertParticipant(ctx, secondary); err != nil {
		t.Fatalf("insert first secondary: %v", err)
	}

	intruder := core.Participant{ID: uuid.NewString(), ConversationID: conv.ID, DeviceID: "device-c", IsInitiator: false, JoinedAt: now, LinkConsumedAt: &consumedAt}
	if err := st.InsertParticipant(ctx, intruder); !errors.Is(err, ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation for second link consumption, got %v", err)
	}

	has, err := st.HasConsumedSecondary(ctx, conv.ID)
	if err != nil || !has {
		t.Fatalf("HasConsumedSecondary = %v, %v, want true", has, err)
	}

	count, err := st.CountActiveParticipants(ctx, conv.ID)
	if err != nil || count != 2 {
		t.Fatalf("CountActiveParticipants = %d, %v, want 2", count, err)
	}

	if err := st.MarkDeparted(ctx, secondary.ID, now.Add(2*time.Minute)); err != nil {
		t.Fatalf("mark departed: %v", err)
	}
	count, _ = st.CountActiveParticipants(ctx, conv.ID)
	if count != 1 {
		t.Fatalf("count after departure = %d, want 1", count)
	}

	if err := st.ClearDeparted(ctx, secondary.ID); err != nil {
		t.Fatalf("clear departed: %v", err)
	}
	count, _ = st.CountActiveParticipants(ctx, conv.ID)
	if count != 2 {
		t.Fatalf("count after rejoin = %d, want 2", count)
	}
}

func TestMessageQueriesAndTx(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	convID := uuid.NewString()
	conv := core.Conversation{ID: convID, InitiatorID: "device-a", Status: core.ConversationActive, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := st.InsertConversation(ctx, conv); err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	msgs := []core.Message{
		{ID: uuid.NewString(), ConversationID: &convID, Ciphertext: "aa", Nonce: "n1", MessageType: core.MessageText, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: uuid.NewString(), ConversationID: &convID, Ciphertext: "bb", Nonce: "n2", MessageType: core.MessageText, CreatedAt: now.Add(time.Second), ExpiresAt: now.Add(time.Hour)},
	}
	for _, m := range msgs {
		if err := st.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert message: %v", err)
		}
	}

	got, err := st.FindActiveByConversation(ctx, convID)
	if err != nil || len(got) != 2 {
		t.Fatalf("find active by conversation: %v, %v", got, err)
	}
	if got[0].ID != msgs[0].ID || got[1].ID != msgs[1].ID {
		t.Fatalf("expected ascending createdAt order")
	}

	since, err := st.FindActiveByConversationSince(ctx, convID, now)
	if err != nil || len(since) != 1 || since[0].ID != msgs[1].ID {
		t.Fatalf("find since: %v, %v", since, err)
	}

	readAt := now.Add(time.Minute)
	if err := st.UpdateMessageConsumed(ctx, msgs[0].ID, readAt); err != nil {
		t.Fatalf("update consumed: %v", err)
	}
	if err := st.UpdateMessageConsumed(ctx, msgs[0].ID, readAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double-consume, got %v", err)
	}

	m0, err := st.FindMessageByID(ctx, msgs[0].ID)
	if err != nil || !m0.Consumed || m0.ReadAt == nil {
		t.Fatalf("message not marked consumed: %+v, %v", m0, err)
	}

	n, err := st.DeleteWhereConsumedAndReadBefore(ctx, readAt.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("delete consumed: %d, %v", n, err)
	}

	count, err := st.CountByConversation(ctx, convID)
	if err != nil || count != 1 {
		t.Fatalf("count after delete = %d, %v, want 1", count, err)
	}

	if err := st.WithTx(ctx, func(q *Queries) error {
		if err := q.DeleteMessagesByConversation(ctx, convID); err != nil {
			return err
		}
		_, err := q.DeleteMessagesByConversation(ctx, convID)
		return err
	}); err != nil {
		t.Fatalf("withtx: %v", err)
	}

	count, _ = st.CountByConversation(ctx, convID)
	if count != 0 {
		t.Fatalf("count after tx delete = %d, want 0", count)
	}
}

func TestMessageTxRollsBackOnError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	convID := uuid.NewString()
	msgID := uuid.NewString()

	wantErr := errors.New("boom")
	err := st.WithTx(ctx, func(q *Queries) error {
		m := core.Message{ID: msgID, ConversationID: &convID, Ciphertext: "x", Nonce: "n", MessageType: core.MessageText, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		if err := q.InsertMessage(ctx, m); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}

	if _, err := st.FindMessageByID(ctx, msgID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected rollback to discard insert, got %v", err)
	}
}

func TestDeviceTokenMoveSemantics(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := st.RegisterDeviceToken(ctx, "device-a", "tok-1", now); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Same token re-registered against a different device: this moves
	// ownership instead of creating a duplicate row.
	if err := st.RegisterDeviceToken(ctx, "device-b", "tok-1", now.Add(time.Minute)); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	tok, err := st.FindByOpaqueToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if tok.DeviceID != "device-b" || !tok.Active {
		t.Fatalf("token = %+v, want active on device-b", tok)
	}

	active, err := st.FindActiveByDevices(ctx, []string{"device-a", "device-b"})
	if err != nil || len(active) != 1 || active[0].DeviceID != "device-b" {
		t.Fatalf("find active by devices: %v, %v", active, err)
	}

	if err := st.DeactivateToken(ctx, "tok-1", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	tok, _ = st.FindByOpaqueToken(ctx, "tok-1")
	if tok.Active {
		t.Fatalf("expected token inactive after deactivate")
	}
}

func TestRegisterDeviceTokenDeactivatesDevicesPriorToken(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := st.RegisterDeviceToken(ctx, "device-a", "tok-1", now); err != nil {
		t.Fatalf("register tok-1: %v", err)
	}
	// Same device registers a different token (app reinstall, new push
	// registration): the device's prior token must be deactivated so at
	// most one active token exists per device.
	if err := st.RegisterDeviceToken(ctx, "device-a", "tok-2", now.Add(time.Minute)); err != nil {
		t.Fatalf("register tok-2: %v", err)
	}

	oldTok, err := st.FindByOpaqueToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("find tok-1: %v", err)
	}
	if oldTok.Active {
		t.Fatalf("expected tok-1 inactive after device-a registered tok-2, got %+v", oldTok)
	}

	newTok, err := st.FindByOpaqueToken(ctx, "tok-2")
	if err != nil {
		t.Fatalf("find tok-2: %v", err)
	}
	if !newTok.Active || newTok.DeviceID != "device-a" {
		t.Fatalf("expected tok-2 active on device-a, got %+v", newTok)
	}

	active, err := st.FindActiveByDevices(ctx, []string{"device-a"})
	if err != nil || len(active) != 1 || active[0].OpaqueToken != "tok-2" {
		t.Fatalf("find active by devices: %v, %v", active, err)
	}
}

func TestAuditLog(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := st.InsertAudit(ctx, AuditEntry{ActorDeviceID: "device-a", Action: "CONVERSATION_CREATE", Target: "conv-1", CreatedAt: now}); err != nil {
		t.Fatalf("insert audit: %v", err)
	}
	if err := st.InsertAudit(ctx, AuditEntry{ActorDeviceID: "device-a", Action: "CONVERSATION_DELETE", Target: "conv-1", CreatedAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("insert audit: %v", err)
	}

	entries, err := st.ListAuditByActor(ctx, "device-a", 10)
	if err != nil || len(entries) != 2 {
		t.Fatalf("list audit: %v, %v", entries, err)
	}
	if entries[0].Action != "CONVERSATION_DELETE" {
		t.Fatalf("expected newest-first ordering, got %+v", entries[0])
	}
}
