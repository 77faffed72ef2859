// Package persistence provides the pluggable external store used by the
// event bus for durable event history, the replay timeline, and dead
// letters. The contract is a narrow log + sorted index + TTL cache; any
// backend exposing these operations can serve it. Store failures are
// best-effort by design: the bus logs and continues, degrading to
// local-only delivery.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no value exists for the key
// (or it has expired).
var ErrNotFound = errors.New("key not found")

// EventStore is the external persistence contract of the event bus.
//
// Keys are opaque strings chosen by the caller. Timeline scores are epoch
// seconds; members are event ids. MaxLen bounds are approximate where the
// backend only supports approximate trimming.
type EventStore interface {
	// AppendStream appends blob to an append-only stream, trimming it to
	// roughly maxLen entries. This is the cross-process distribution
	// channel.
	AppendStream(ctx context.Context, streamKey string, blob []byte, maxLen int64) error

	// AddToTimeline indexes member under the given epoch-seconds score.
	AddToTimeline(ctx context.Context, timelineKey string, score int64, member string) error

	// SetWithTTL stores blob under key with the given time-to-live.
	SetWithTTL(ctx context.Context, key string, blob []byte, ttl time.Duration) error

	// RangeByScore returns the members of a timeline whose score lies in
	// [min, max], ascending.
	RangeByScore(ctx context.Context, timelineKey string, min, max int64) ([]string, error)

	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// PushDeadLetter prepends blob to the dead-letter list, trimming it
	// to maxLen entries.
	PushDeadLetter(ctx context.Context, dlqKey string, blob []byte, maxLen int64) error

	// Ping reports backend connectivity.
	Ping(ctx context.Context) error
}
