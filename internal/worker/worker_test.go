package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"vanish/server/internal/cache"
	"vanish/server/internal/clock"
	"vanish/server/internal/core"
	"vanish/server/internal/queue"
	"vanish/server/internal/store"
)

type fakeNotifier struct {
	mu     sync.Mutex
	topics map[string][]any
	users  map[string][]any
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{topics: map[string][]any{}, users: map[string][]any{}}
}

func (f *fakeNotifier) PublishTopic(convID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[convID] = append(f.topics[convID], payload)
	return nil
}

func (f *fakeNotifier) PublishUser(deviceID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[deviceID] = append(f.users[deviceID], payload)
	return nil
}

type fakePusher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakePusher) NotifyNewMessage(ctx context.Context, conv core.Conversation, excludeDeviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "vanish.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestDrainTickDeliversMessage(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := openTestStore(t)

	convID := uuid.NewString()
	conv := core.Conversation{ID: convID, InitiatorID: "device-a", Status: core.ConversationActive, ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	if err := st.InsertConversation(ctx, conv); err != nil {
		t.Fatalf("insert conversation: %v", err)
	}

	q := queue.New(cache.NewMemory())
	notifier := newFakeNotifier()
	pusher := &fakePusher{}
	w := New(q, st, notifier, pusher, clock.NewFixed(now), time.Millisecond, 0, 0)

	bm := core.BufferedMessage{ServerID: "srv-1", ConversationID: convID, DeviceID: "device-a", Ciphertext: "c", Nonce: "n", MessageType: core.MessageText, QueuedAt: now}
	if err := q.Enqueue(ctx, bm); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w.drainTick(ctx)

	msgs, err := st.FindActiveByConversation(ctx, convID)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one persisted message, got %v, %v", msgs, err)
	}
	if msgs[0].ExpiresAt != conv.ExpiresAt {
		t.Fatalf("message should inherit conversation expiry: message expiresAt %v != conversation expiresAt %v", msgs[0].ExpiresAt, conv.ExpiresAt)
	}

	if len(notifier.users["device-a"]) != 1 {
		t.Fatalf("expected one MESSAGE_DELIVERED event, got %d", len(notifier.users["device-a"]))
	}
	if len(notifier.topics[convID]) != 1 {
		t.Fatalf("expected one NEW_MESSAGE event, got %d", len(notifier.topics[convID]))
	}
	if pusher.calls != 1 {
		t.Fatalf("expected vendor push invoked once, got %d", pusher.calls)
	}
}

func TestRetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := openTestStore(t)

	q := queue.New(cache.NewMemory())
	notifier := newFakeNotifier()
	w := New(q, st, notifier, nil, clock.NewFixed(now), time.Millisecond, 0, 0)

	// References a conversation that does not exist, so ingest always fails.
	bm := core.BufferedMessage{ServerID: "srv-2", ConversationID: "missing-conv", DeviceID: "device-a", QueuedAt: now}
	if err := q.Enqueue(ctx, bm); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A single tick drains up to batchSize records; since requeue puts the
	// record right back at the tail of an otherwise-empty queue, one tick is
	// enough to walk it through all three retries to the dead letter.
	w.drainTick(ctx)

	if size, _ := q.Size(ctx); size != 0 {
		t.Fatalf("expected queue empty after dead-lettering, size=%d", size)
	}
	if len(notifier.users["device-a"]) != 1 {
		t.Fatalf("expected exactly one MESSAGE_FAILED event, got %d", len(notifier.users["device-a"]))
	}

	if n, err := st.CountByConversation(ctx, "missing-conv"); err != nil || n != 0 {
		t.Fatalf("expected no message persisted for a terminally failed record, count=%d err=%v", n, err)
	}
}
