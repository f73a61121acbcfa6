// Package cache models a generic, string-keyed, TTL-bearing,
// FIFO-list-capable store shaped after Redis. Every method returns an
// error so that cache absence is always a recoverable outcome; callers
// fall back to the durable store rather than failing the request.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get/PopLeft when the key (or list) has no value.
// Callers MUST treat ErrMiss as an empty result, not a failure.
var ErrMiss = errors.New("cache: miss")

// Cache is the capability set the rest of this codebase needs from the
// ephemeral store: keyed blobs with TTL, FIFO lists for queueing, and sets
// for membership tracking.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
	HasKey(ctx context.Context, key string) (bool, error)

	PushRight(ctx context.Context, key string, value []byte) error
	PopLeft(ctx context.Context, key string) ([]byte, error)
	Size(ctx context.Context, key string) (int64, error)
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	Add(ctx context.Context, key string, member string) error
	Remove(ctx context.Context, key string, member string) error
	Members(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error
}

// Outcome tags a cache read so callers can distinguish a clean miss from an
// unavailable backend without parsing error strings.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeEmpty
	OutcomeUnavailable
)

// Classify maps an error from a Cache method to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrMiss):
		return OutcomeEmpty
	default:
		return OutcomeUnavailable
	}
}
