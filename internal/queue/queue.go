// Package queue is the ingestion queue: a single FIFO list carried by
// the cache under a fixed key, holding serialized BufferedMessage
// records between a request handler's enqueue and the worker pool's drain.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"vanish/server/internal/cache"
	"vanish/server/internal/core"
)

// messageQueueKey is the single FIFO list key, shared by every producer and
// consumer of the pipeline path.
const messageQueueKey = "message_queue"

// Queue wraps a cache.Cache's list operations with the BufferedMessage
// JSON codec used by the ingestion pipeline.
type Queue struct {
	cache cache.Cache
}

func New(c cache.Cache) *Queue {
	return &Queue{cache: c}
}

// Enqueue right-pushes a serialized record onto the tail of the FIFO.
func (q *Queue) Enqueue(ctx context.Context, m core.BufferedMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal buffered message: %w", err)
	}
	if err := q.cache.PushRight(ctx, messageQueueKey, payload); err != nil {
		return fmt.Errorf("enqueue buffered message: %w", err)
	}
	return nil
}

// Dequeue left-pops the oldest record. ok is false when the queue is empty;
// callers MUST NOT treat that as an error.
func (q *Queue) Dequeue(ctx context.Context) (m core.BufferedMessage, ok bool, err error) {
	payload, err := q.cache.PopLeft(ctx, messageQueueKey)
	if errors.Is(err, cache.ErrMiss) {
		return core.BufferedMessage{}, false, nil
	}
	if err != nil {
		return core.BufferedMessage{}, false, fmt.Errorf("dequeue buffered message: %w", err)
	}
	if err := json.Unmarshal(payload, &m); err != nil {
		return core.BufferedMessage{}, false, fmt.Errorf("unmarshal buffered message: %w", err)
	}
	return m, true, nil
}

// Size reports the current backlog depth, used by callers as a backpressure
// signal.
func (q *Queue) Size(ctx context.Context) (int, error) {
	n, err := q.cache.Size(ctx, messageQueueKey)
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return int(n), nil
}

// Requeue pushes a record back onto the tail after a retryable failure,
// incrementing RetryCount is the caller's responsibility (the worker owns
// the retry policy; this just performs the tail re-insert).
func (q *Queue) Requeue(ctx context.Context, m core.BufferedMessage) error {
	return q.Enqueue(ctx, m)
}

// deadLetterKey holds records that exhausted their retry budget.
const deadLetterKey = "message_dlq"

// DeadLetter moves a terminally-failed record to the DLQ list for later
// inspection; it is never drained automatically.
func (q *Queue) DeadLetter(ctx context.Context, m core.BufferedMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := q.cache.PushRight(ctx, deadLetterKey, payload); err != nil {
		return fmt.Errorf("dead letter buffered message: %w", err)
	}
	return nil
}
