// Package sweeper implements the periodic TTL/lifecycle cleanup task.
// Each run executes six steps in order; a failure in one step is logged and
// never prevents the remaining steps from running.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vanish/server/internal/clock"
	"vanish/server/internal/core"
	"vanish/server/internal/store"
)

const (
	defaultInterval      = time.Hour
	consumedRetention    = time.Hour
	deletedHardRetention = time.Hour
)

// Pusher is the subset of the vendor push bridge the sweeper needs for
// step 4's fan-out.
type Pusher interface {
	NotifyConversationExpired(ctx context.Context, conv core.Conversation)
}

// FileCleaner is the subset of the file staging service the sweeper needs
// for step 6.
type FileCleaner interface {
	CleanupBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper runs the six-step cleanup on a fixed interval in its own
// goroutine, mirroring the worker's ticker-driven shutdown shape.
type Sweeper struct {
	store    *store.Store
	pusher   Pusher
	files    FileCleaner
	clock    clock.Clock
	interval time.Duration

	wg   sync.WaitGroup
	stop chan struct{}
}

// New constructs a Sweeper. files may be nil if file staging is not wired;
// step 6 is then skipped.
func New(st *store.Store, pusher Pusher, files FileCleaner, clk clock.Clock, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{store: st, pusher: pusher, files: files, clock: clk, interval: interval, stop: make(chan struct{})}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Run(ctx)
			}
		}
	}()
}

// Stop signals the loop to exit and waits for the in-flight sweep, if any,
// to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Run executes one sweep synchronously. Exported so callers (tests, a
// manual admin trigger) can drive a single pass deterministically.
func (s *Sweeper) Run(ctx context.Context) {
	now := s.clock.Now()

	if n, err := s.store.DeleteWhereExpiredBefore(ctx, now); err != nil {
		slog.Error("sweeper: delete expired messages failed", "err", err)
	} else if n > 0 {
		slog.Info("sweeper: deleted expired messages", "count", n)
	}

	if n, err := s.store.DeleteWhereConsumedAndReadBefore(ctx, now.Add(-consumedRetention)); err != nil {
		slog.Error("sweeper: delete consumed messages failed", "err", err)
	} else if n > 0 {
		slog.Info("sweeper: deleted consumed messages", "count", n)
	}

	if n, err := s.store.DeleteWhereConversationExpired(ctx, now); err != nil {
		slog.Error("sweeper: delete messages of dead conversations failed", "err", err)
	} else if n > 0 {
		slog.Info("sweeper: deleted messages of dead conversations", "count", n)
	}

	s.expireConversations(ctx, now)
	s.hardDeleteConversations(ctx, now)

	if s.files != nil {
		if n, err := s.files.CleanupBefore(ctx, now.Add(-deletedHardRetention)); err != nil {
			slog.Error("sweeper: file staging cleanup failed", "err", err)
		} else if n > 0 {
			slog.Info("sweeper: removed file staging folders", "count", n)
		}
	}
}

// expireConversations is step 4: ACTIVE -> EXPIRED, fanning out
// CONVERSATION_EXPIRED to every ever-joined participant.
func (s *Sweeper) expireConversations(ctx context.Context, now time.Time) {
	conversations, err := s.store.FindWhereStatusActiveAndExpiresBefore(ctx, now)
	if err != nil {
		slog.Error("sweeper: find expiring conversations failed", "err", err)
		return
	}
	for _, conv := range conversations {
		if err := s.store.UpdateConversationStatus(ctx, conv.ID, core.ConversationExpired); err != nil {
			slog.Error("sweeper: expire conversation failed", "conversation_id", conv.ID, "err", err)
			continue
		}
		conv.Status = core.ConversationExpired
		if s.pusher != nil {
			s.pusher.NotifyConversationExpired(ctx, conv)
		}
	}
}

// hardDeleteConversations is step 5: remove DELETED conversations whose
// createdAt is older than the retention window. The time of deletion itself
// is not recorded, so a conversation created long ago is removed on the
// first sweep after it is deleted.
func (s *Sweeper) hardDeleteConversations(ctx context.Context, now time.Time) {
	conversations, err := s.store.FindWhereDeletedAndCreatedBefore(ctx, now.Add(-deletedHardRetention))
	if err != nil {
		slog.Error("sweeper: find hard-deletable conversations failed", "err", err)
		return
	}
	for _, conv := range conversations {
		if err := s.store.DeleteConversationHard(ctx, conv.ID); err != nil {
			slog.Error("sweeper: hard delete conversation failed", "conversation_id", conv.ID, "err", err)
		}
	}
}
