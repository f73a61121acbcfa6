package conversationsvc

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vanish/server/internal/apperr"
	"vanish/server/internal/cache"
	"vanish/server/internal/clock"
	"vanish/server/internal/core"
	"vanish/server/internal/store"
)

type fakePusher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakePusher) NotifyConversationDeleted(ctx context.Context, conv core.Conversation, excludeDeviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func newTestService(t *testing.T, now time.Time) (*Service, *store.Store, *fakePusher) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "vanish.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	pusher := &fakePusher{}
	return New(st, cache.NewMemory(), pusher, clock.NewFixed(now)), st, pusher
}

func TestCreateConversationInsertsInitiator(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, now)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "device-a", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.ExpiresAt != now.Add(time.Hour) {
		t.Fatalf("expiresAt = %v, want %v", conv.ExpiresAt, now.Add(time.Hour))
	}

	active, err := svc.GetActiveParticipants(ctx, conv.ID)
	if err != nil || len(active) != 1 || !active[0].IsInitiator {
		t.Fatalf("active participants = %+v, %v", active, err)
	}
}

func TestShareLinkConsumedOnFirstJoinOnly(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, now)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "device-a", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.RegisterParticipant(ctx, conv.ID, "device-b"); err != nil {
		t.Fatalf("device-b join: %v", err)
	}

	_, err = svc.RegisterParticipant(ctx, conv.ID, "device-c")
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Code != apperr.CodeConflict {
		t.Fatalf("device-c join should conflict, got %v", err)
	}

	if err := svc.LeaveConversation(ctx, conv.ID, "device-b"); err != nil {
		t.Fatalf("device-b leave: %v", err)
	}
	active, err := svc.IsActiveParticipant(ctx, conv.ID, "device-b")
	if err != nil || active {
		t.Fatalf("device-b should be inactive after leave: %v, %v", active, err)
	}

	p, err := svc.RegisterParticipant(ctx, conv.ID, "device-b")
	if err != nil {
		t.Fatalf("device-b rejoin should succeed: %v", err)
	}
	if p.IsInitiator {
		t.Fatalf("device-b is not the initiator")
	}
	active, _ = svc.IsActiveParticipant(ctx, conv.ID, "device-b")
	if !active {
		t.Fatalf("device-b should be active after rejoin")
	}
}

func TestDeleteConversationRequiresInitiator(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, st, pusher := newTestService(t, now)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "device-a", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.RegisterParticipant(ctx, conv.ID, "device-b"); err != nil {
		t.Fatalf("join: %v", err)
	}

	err = svc.DeleteConversation(ctx, conv.ID, "device-b")
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Code != apperr.CodeForbidden {
		t.Fatalf("non-initiator delete should be forbidden, got %v", err)
	}

	if err := svc.DeleteConversation(ctx, conv.ID, "device-a"); err != nil {
		t.Fatalf("initiator delete: %v", err)
	}

	got, err := st.FindConversationByID(ctx, conv.ID)
	if err != nil || got.Status != core.ConversationDeleted {
		t.Fatalf("status = %v, %v, want DELETED", got.Status, err)
	}
	active, err := st.CountActiveParticipants(ctx, conv.ID)
	if err != nil || active != 0 {
		t.Fatalf("expected all participants departed, count=%d, %v", active, err)
	}
	if pusher.calls != 1 {
		t.Fatalf("expected delete push invoked once, got %d", pusher.calls)
	}
}

func TestLeaveConversationIsIdempotent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(t, now)
	ctx := context.Background()

	conv, _ := svc.CreateConversation(ctx, "device-a", 1)
	if _, err := svc.RegisterParticipant(ctx, conv.ID, "device-b"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := svc.LeaveConversation(ctx, conv.ID, "device-b"); err != nil {
		t.Fatalf("first leave: %v", err)
	}
	if err := svc.LeaveConversation(ctx, conv.ID, "device-b"); err != nil {
		t.Fatalf("second leave should be a no-op, got %v", err)
	}

	got, err := svc.GetConversation(ctx, conv.ID)
	if err != nil || got.Status != core.ConversationActive {
		t.Fatalf("leave must not change conversation status: %v, %v", got.Status, err)
	}
}
