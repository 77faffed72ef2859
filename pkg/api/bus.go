package api

import (
	"context"
	"time"
)

// Handler processes one delivered event. Returning an error triggers the
// bus's retry policy for this (event, handler) pair; exhausting all retries
// dead-letters the event.
type Handler func(ctx context.Context, e Event) error

// Filter decides whether a subscribed handler should see an event.
// Returning false skips delivery silently; it is not counted as an error.
type Filter func(e Event) bool

// SubscribeOption customizes a single subscription.
type SubscribeOption func(*SubscribeOptions)

// SubscribeOptions holds per-subscription settings. Zero values mean
// "no filter" and the bus default retry count.
type SubscribeOptions struct {
	Filter     Filter
	MaxRetries int
}

// WithFilter attaches a delivery filter to the subscription.
func WithFilter(f Filter) SubscribeOption {
	return func(o *SubscribeOptions) { o.Filter = f }
}

// WithMaxRetries overrides the bus default retry count for this
// subscription. Retries are attempts beyond the first delivery.
func WithMaxRetries(n int) SubscribeOption {
	return func(o *SubscribeOptions) { o.MaxRetries = n }
}

// DeadLetter records one event that exhausted delivery retries for some
// subscriber.
type DeadLetter struct {
	Event Event     `json:"event"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// BusStats is a read-only snapshot of bus counters.
type BusStats struct {
	Published    int64
	Delivered    int64
	Retried      int64
	DeadLettered int64

	QueueDepth    int
	QueueCapacity int
	StoredEvents  int

	// Subscribers maps each event type to its current subscriber count.
	Subscribers map[EventType]int

	DeadLetters int
}

// BusHealth reports liveness of the bus and connectivity of its optional
// external store.
type BusHealth struct {
	Running         bool
	StoreConfigured bool
	StoreConnected  bool
	Subscriptions   int
}

// Bus is an in-process publish/subscribe broker with bounded retention,
// per-subscriber retries, dead-lettering and replay.
//
// Publish is fire-and-forget with respect to handler completion: it returns
// once the event is recorded and queued for dispatch. One handler's failure
// or slowness never affects delivery to other handlers of the same event.
type Bus interface {
	// Publish creates, records and asynchronously dispatches an event.
	// Persistence to the external store is best-effort and never fails
	// the call.
	Publish(ctx context.Context, typ EventType, payload map[string]any, meta Metadata) (Event, error)

	// Subscribe registers a handler for one or more event types and
	// returns the subscription id.
	Subscribe(types []EventType, h Handler, opts ...SubscribeOption) (string, error)

	// Unsubscribe removes a subscription. With no types given the whole
	// subscription is removed; otherwise only the named types are dropped.
	Unsubscribe(id string, types ...EventType) error

	// Replay re-dispatches stored events whose timestamp falls in
	// [from, to] to the current subscribers, de-duplicated by id and in
	// ascending timestamp order. Zero times mean an open bound. Replayed
	// events are not persisted again. It returns the number of events
	// dispatched.
	Replay(ctx context.Context, from, to time.Time, types ...EventType) (int, error)

	// DeadLetters returns a snapshot of the in-memory dead-letter queue,
	// oldest first.
	DeadLetters() []DeadLetter

	// Stats returns a snapshot of bus counters. It has no side effects.
	Stats() BusStats

	// Health reports bus liveness and store connectivity.
	Health(ctx context.Context) BusHealth

	// Close stops the dispatch pool. Pending deliveries are abandoned.
	Close() error
}
