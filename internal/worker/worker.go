// Package worker is the async worker pool: a ticker-driven loop that
// drains the ingestion queue into durable storage with bounded retry.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vanish/server/internal/clock"
	"vanish/server/internal/core"
	"vanish/server/internal/events"
	"vanish/server/internal/queue"
	"vanish/server/internal/store"
)

// defaultMaxRetries caps in-queue retry attempts before a record is
// dead-lettered, unless overridden at construction.
const defaultMaxRetries = 3

// defaultBatchSize bounds how many records a single tick drains, preventing
// one overloaded conversation from starving the rest of the batch.
const defaultBatchSize = 100

// Notifier is the subset of the push channel hub a worker needs: topic
// broadcast and per-device user-queue delivery.
type Notifier interface {
	PublishTopic(convID string, payload any) error
	PublishUser(deviceID string, payload any) error
}

// Pusher is the subset of the vendor push bridge a worker needs: silent
// fan-out to a conversation's active participants, excluding the sender.
type Pusher interface {
	NotifyNewMessage(ctx context.Context, conv core.Conversation, excludeDeviceID string)
}

// Worker drains queue.Queue into store.Store on a fixed tick, emitting
// delivery/failure events through Notifier and Pusher.
type Worker struct {
	queue      *queue.Queue
	store      *store.Store
	notifier   Notifier
	pusher     Pusher
	clock      clock.Clock
	interval   time.Duration
	batchSize  int
	maxRetries int

	wg   sync.WaitGroup
	stop chan struct{}
}

// New constructs a Worker. batchSize and maxRetries fall back to their
// defaults when given as <= 0, letting callers leave either unconfigured.
func New(q *queue.Queue, st *store.Store, notifier Notifier, pusher Pusher, clk clock.Clock, interval time.Duration, batchSize, maxRetries int) *Worker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Worker{
		queue:      q,
		store:      st,
		notifier:   notifier,
		pusher:     pusher,
		clock:      clk,
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		stop:       make(chan struct{}),
	}
}

// Start runs the drain loop until Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.drainTick(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight tick to finish
// before returning.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Worker) drainTick(ctx context.Context) {
	for i := 0; i < w.batchSize; i++ {
		m, ok, err := w.queue.Dequeue(ctx)
		if err != nil {
			slog.Error("worker dequeue failed", "err", err)
			return
		}
		if !ok {
			return
		}
		w.process(ctx, m)
	}
}

func (w *Worker) process(ctx context.Context, m core.BufferedMessage) {
	if err := w.ingest(ctx, m); err != nil {
		slog.Warn("worker ingest failed", "server_id", m.ServerID, "retry_count", m.RetryCount, "err", err)
		w.retryOrFail(ctx, m)
		return
	}
}

func (w *Worker) ingest(ctx context.Context, m core.BufferedMessage) error {
	conv, err := w.store.FindConversationByID(ctx, m.ConversationID)
	if err != nil {
		return err
	}

	now := w.clock.Now()
	msg := core.Message{
		ID:             uuid.NewString(),
		ConversationID: &m.ConversationID,
		Ciphertext:     m.Ciphertext,
		Nonce:          m.Nonce,
		Tag:            m.Tag,
		MessageType:    m.MessageType,
		CreatedAt:      now,
		ExpiresAt:      conv.ExpiresAt, // pipeline messages inherit the conversation's expiry.
		SenderDeviceID: &m.DeviceID,
		File:           m.File,
		FileRef:        m.FileRef,
	}

	if err := w.store.InsertMessage(ctx, msg); err != nil {
		return err
	}

	if err := w.notifier.PublishUser(m.DeviceID, events.NewMessageDelivered(m.ServerID, msg.ID, now)); err != nil {
		slog.Warn("publish delivered failed", "server_id", m.ServerID, "err", err)
	}
	if err := w.notifier.PublishTopic(m.ConversationID, events.NewNewMessage(m.ConversationID, msg.ID)); err != nil {
		slog.Warn("publish new message failed", "conversation_id", m.ConversationID, "err", err)
	}
	if w.pusher != nil {
		w.pusher.NotifyNewMessage(ctx, conv, m.DeviceID)
	}
	return nil
}

func (w *Worker) retryOrFail(ctx context.Context, m core.BufferedMessage) {
	m.RetryCount++
	if m.RetryCount < w.maxRetries {
		if err := w.queue.Requeue(ctx, m); err != nil {
			slog.Error("worker requeue failed", "server_id", m.ServerID, "err", err)
		}
		return
	}

	if err := w.queue.DeadLetter(ctx, m); err != nil {
		slog.Error("worker dead-letter failed", "server_id", m.ServerID, "err", err)
	}
	if err := w.notifier.PublishUser(m.DeviceID, events.NewMessageFailed(m.ServerID, w.clock.Now())); err != nil {
		slog.Warn("publish failed event failed", "server_id", m.ServerID, "err", err)
	}
}
