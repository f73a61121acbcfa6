package push

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"vanish/server/internal/cache"
	"vanish/server/internal/clock"
	"vanish/server/internal/core"
	"vanish/server/internal/store"
)

// intentQueueDepth bounds how many pending notifications the bridge buffers
// ahead of its pool. A full queue drops the newest intent rather than
// blocking the caller: a skipped silent push is recoverable (the recipient
// still sees the message on next fetch), and blocking the caller is exactly
// what the pool exists to avoid.
const intentQueueDepth = 4096

// defaultPoolSize is how many goroutines drain the intent queue concurrently.
const defaultPoolSize = 8

type intentKind int

const (
	intentNewMessage intentKind = iota
	intentConversationDeleted
	intentConversationExpired
)

type intent struct {
	kind            intentKind
	conv            core.Conversation
	excludeDeviceID string
}

// Bridge is the vendor push bridge. Every Notify call is fire-and-forget
// from the caller's perspective: it hands an intent to the bridge's own
// task pool and returns immediately, never blocking the caller's goroutine
// on a gateway round trip. Callers never observe success or failure; only
// token-deactivation side effects land back in the durable store.
type Bridge struct {
	store   *store.Store
	cache   cache.Cache
	gateway Gateway
	clock   clock.Clock
	limiter *rate.Limiter

	intents chan intent
	wg      sync.WaitGroup
	stop    chan struct{}
}

// New constructs a Bridge. ratePerSecond bounds outbound dispatch rate to
// the vendor gateway. Start must be called for queued intents to actually
// be delivered.
func New(st *store.Store, c cache.Cache, gateway Gateway, clk clock.Clock, ratePerSecond float64) *Bridge {
	if ratePerSecond <= 0 {
		ratePerSecond = 50
	}
	return &Bridge{
		store:   st,
		cache:   c,
		gateway: gateway,
		clock:   clk,
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), int(ratePerSecond)),
		intents: make(chan intent, intentQueueDepth),
		stop:    make(chan struct{}),
	}
}

// Start launches the bridge's own fixed-size task pool. Pool workers run
// against ctx rather than the context of whichever HTTP request or worker
// tick raised the notification, since that request is typically long gone
// by the time an intent reaches the front of the queue.
func (b *Bridge) Start(ctx context.Context) {
	for i := 0; i < defaultPoolSize; i++ {
		b.wg.Add(1)
		go b.runPoolWorker(ctx)
	}
}

// Stop signals every pool worker to exit and waits for in-flight dispatches
// to finish.
func (b *Bridge) Stop() {
	close(b.stop)
	b.wg.Wait()
}

func (b *Bridge) runPoolWorker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case in := <-b.intents:
			b.deliver(ctx, in)
		}
	}
}

func (b *Bridge) enqueue(in intent) {
	select {
	case b.intents <- in:
	default:
		slog.Warn("push: intent queue full, dropping notification", "kind", in.kind, "conversation_id", in.conv.ID)
	}
}

// NotifyNewMessage pushes a silent wake notification to every active
// participant of conv except excludeDeviceID (the sender). Satisfies
// worker.Pusher and messagesvc.Pusher by structural typing.
func (b *Bridge) NotifyNewMessage(ctx context.Context, conv core.Conversation, excludeDeviceID string) {
	b.enqueue(intent{kind: intentNewMessage, conv: conv, excludeDeviceID: excludeDeviceID})
}

// NotifyConversationDeleted pushes a typed alert to every participant of
// conv except excludeDeviceID (the initiator who performed the delete).
// Deletion has already marked every participant departed, so departed rows
// are included in the fan-out.
func (b *Bridge) NotifyConversationDeleted(ctx context.Context, conv core.Conversation, excludeDeviceID string) {
	b.enqueue(intent{kind: intentConversationDeleted, conv: conv, excludeDeviceID: excludeDeviceID})
}

// NotifyConversationExpired pushes a typed alert to every device that has
// ever joined conv (the sweeper's step 4 fan-out), with no exclusion.
func (b *Bridge) NotifyConversationExpired(ctx context.Context, conv core.Conversation) {
	b.enqueue(intent{kind: intentConversationExpired, conv: conv})
}

func (b *Bridge) deliver(ctx context.Context, in intent) {
	switch in.kind {
	case intentNewMessage:
		b.deliverNewMessage(ctx, in.conv, in.excludeDeviceID)
	case intentConversationDeleted:
		b.deliverConversationDeleted(ctx, in.conv, in.excludeDeviceID)
	case intentConversationExpired:
		b.deliverConversationExpired(ctx, in.conv)
	}
}

func (b *Bridge) deliverNewMessage(ctx context.Context, conv core.Conversation, excludeDeviceID string) {
	deviceIDs, err := b.activeParticipantDevices(ctx, conv.ID, excludeDeviceID)
	if err != nil {
		slog.Warn("push: resolve active participants failed", "conversation_id", conv.ID, "err", err)
		return
	}
	payload := Payload{
		Aps: map[string]any{"content-available": 1},
		C:   RoutingHash(conv.ID),
	}
	b.fanOut(ctx, deviceIDs, payload)
}

func (b *Bridge) deliverConversationDeleted(ctx context.Context, conv core.Conversation, excludeDeviceID string) {
	participants, err := b.store.FindParticipantsByConversation(ctx, conv.ID)
	if err != nil {
		slog.Warn("push: resolve participants failed", "conversation_id", conv.ID, "err", err)
		return
	}
	deviceIDs := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.DeviceID == excludeDeviceID {
			continue
		}
		deviceIDs = append(deviceIDs, p.DeviceID)
	}
	b.fanOut(ctx, deviceIDs, Payload{
		Aps:  map[string]any{"alert": map[string]string{"title": "Conversation deleted"}},
		C:    RoutingHash(conv.ID),
		Type: "deleted",
	})
}

func (b *Bridge) deliverConversationExpired(ctx context.Context, conv core.Conversation) {
	participants, err := b.store.FindParticipantsByConversation(ctx, conv.ID)
	if err != nil {
		slog.Warn("push: resolve ever-participants failed", "conversation_id", conv.ID, "err", err)
		return
	}
	deviceIDs := make([]string, 0, len(participants))
	for _, p := range participants {
		deviceIDs = append(deviceIDs, p.DeviceID)
	}
	b.fanOut(ctx, deviceIDs, Payload{
		Aps:  map[string]any{"alert": map[string]string{"title": "Conversation expired"}},
		C:    RoutingHash(conv.ID),
		Type: "expired",
	})
}

func (b *Bridge) activeParticipantDevices(ctx context.Context, convID, excludeDeviceID string) ([]string, error) {
	participants, err := b.store.FindActiveParticipants(ctx, convID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.DeviceID == excludeDeviceID {
			continue
		}
		out = append(out, p.DeviceID)
	}
	return out, nil
}

// fanOut resolves deviceIDs to active tokens and dispatches in parallel. A
// failure for one device never affects the others. This already runs on a
// pool worker, so there is no caller left to block.
func (b *Bridge) fanOut(ctx context.Context, deviceIDs []string, payload Payload) {
	if len(deviceIDs) == 0 {
		return
	}
	tokens, err := b.store.FindActiveByDevices(ctx, deviceIDs)
	if err != nil {
		slog.Warn("push: resolve device tokens failed", "err", err)
		return
	}

	var wg sync.WaitGroup
	for _, tok := range tokens {
		tok := tok
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.dispatch(ctx, tok.OpaqueToken, payload)
		}()
	}
	wg.Wait()
}

func (b *Bridge) dispatch(ctx context.Context, opaqueToken string, payload Payload) {
	if err := b.limiter.Wait(ctx); err != nil {
		return
	}
	result, err := b.gateway.Send(ctx, opaqueToken, payload)
	if err != nil {
		slog.Warn("push: dispatch failed", "err", err)
	}
	switch result.Reject {
	case RejectBadDeviceToken, RejectUnregistered:
		now := b.clock.Now()
		if err := b.store.DeactivateToken(ctx, opaqueToken, now); err != nil {
			slog.Warn("push: deactivate token failed", "err", err)
			return
		}
		if err := b.cache.Del(ctx, deviceTokenCacheKey(opaqueToken)); err != nil {
			slog.Debug("push: cache invalidate failed", "err", err)
		}
		if err := b.store.InsertAudit(ctx, store.AuditEntry{
			ActorDeviceID: "system:push-bridge",
			Action:        "token_deactivated",
			Target:        opaqueToken,
			Details:       rejectReasonLabel(result.Reject),
			CreatedAt:     now,
		}); err != nil {
			slog.Debug("push: audit log write failed", "err", err)
		}
	}
}

func rejectReasonLabel(r RejectReason) string {
	if r == RejectUnregistered {
		return "unregistered"
	}
	return "bad_device_token"
}

func deviceTokenCacheKey(opaqueToken string) string {
	return "device_token:" + opaqueToken
}
