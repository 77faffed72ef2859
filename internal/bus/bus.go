// Package bus implements the in-process event bus: bounded retention,
// supervised asynchronous fan-out, per-subscriber retries with exponential
// backoff, dead-lettering, and replay over in-memory plus external history.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tourvia/sagaflow/internal/persistence"
	"github.com/tourvia/sagaflow/pkg/api"
)

// Config describes how to construct a Bus. The zero value is usable; every
// field has a default.
type Config struct {
	// Store is the optional external event store. Nil degrades the bus to
	// local-only delivery; store errors are logged and never fail a
	// publish.
	Store persistence.EventStore

	Logger *slog.Logger

	// KeyPrefix namespaces all store keys. Default "sagaflow:".
	KeyPrefix string

	// RingCapacity bounds the in-memory event buffer. Default 1024.
	RingCapacity int

	// DLQCapacity bounds the in-memory dead-letter queue. Default 256.
	DLQCapacity int

	// QueueCapacity bounds the dispatch queue. A full queue backpressures
	// publishers. Default 256.
	QueueCapacity int

	// Workers is the size of the dispatch pool. Default 8.
	Workers int

	// DefaultMaxRetries is the per-subscription retry count (attempts
	// beyond the first delivery) when WithMaxRetries is not given.
	// Default 3.
	DefaultMaxRetries int

	// BackoffBase is the base of the delivery backoff base*2^attempt.
	// Default 500ms.
	BackoffBase time.Duration

	// StoreTTL is the time-to-live of persisted events. Default 24h.
	StoreTTL time.Duration

	// StreamMaxLen bounds the distribution stream. Default 10000.
	StreamMaxLen int64

	// DLQMaxLen bounds the persisted dead-letter list. Default 1000.
	DLQMaxLen int64
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "sagaflow:"
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = 1024
	}
	if c.DLQCapacity <= 0 {
		c.DLQCapacity = 256
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.StoreTTL <= 0 {
		c.StoreTTL = 24 * time.Hour
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = 10000
	}
	if c.DLQMaxLen <= 0 {
		c.DLQMaxLen = 1000
	}
}

type subscription struct {
	id         string
	handler    api.Handler
	filter     api.Filter
	maxRetries int
	errorCount atomic.Int64
}

type task struct {
	event api.Event
	sub   *subscription
}

// Bus is the concrete api.Bus. All state shared across publishers and the
// dispatch pool (subscriber registry, ring buffer, DLQ) is synchronized
// here; events themselves are immutable values.
type Bus struct {
	cfg    Config
	store  persistence.EventStore
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[api.EventType][]*subscription
	closed bool

	ringMu sync.Mutex
	ring   *ring[api.Event]

	dlqMu sync.Mutex
	dlq   *ring[api.DeadLetter]

	tasks    chan task
	quit     chan struct{}
	baseCtx  context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup

	published    atomic.Int64
	delivered    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

var _ api.Bus = (*Bus)(nil)

// New creates a Bus and starts its dispatch pool.
func New(cfg Config) *Bus {
	cfg.applyDefaults()

	baseCtx, stopBase := context.WithCancel(context.Background())
	b := &Bus{
		cfg:      cfg,
		store:    cfg.Store,
		logger:   cfg.Logger,
		subs:     make(map[api.EventType][]*subscription),
		ring:     newRing[api.Event](cfg.RingCapacity),
		dlq:      newRing[api.DeadLetter](cfg.DLQCapacity),
		tasks:    make(chan task, cfg.QueueCapacity),
		quit:     make(chan struct{}),
		baseCtx:  baseCtx,
		stopBase: stopBase,
	}

	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) eventKey(id string) string { return b.cfg.KeyPrefix + "event:" + id }
func (b *Bus) timelineKey() string       { return b.cfg.KeyPrefix + "timeline" }
func (b *Bus) streamKey() string         { return b.cfg.KeyPrefix + "stream" }
func (b *Bus) dlqKey() string            { return b.cfg.KeyPrefix + "dlq" }

func (b *Bus) Publish(ctx context.Context, typ api.EventType, payload map[string]any, meta api.Metadata) (api.Event, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return api.Event{}, api.ErrBusClosed
	}

	ev := api.NewEvent(typ, payload, meta)

	b.persist(ctx, ev)

	b.ringMu.Lock()
	b.ring.push(ev)
	b.ringMu.Unlock()

	b.published.Add(1)
	b.fanout(ctx, ev)

	return ev, nil
}

// persist writes the event to the external store: TTL-bounded body, replay
// timeline, and the cross-process distribution stream. All three are
// best-effort.
func (b *Bus) persist(ctx context.Context, ev api.Event) {
	if b.store == nil {
		return
	}
	blob, err := api.EncodeEvent(ev)
	if err != nil {
		b.logger.Warn("event encode failed", "event_id", ev.ID, "type", ev.Type, "error", err)
		return
	}
	if err := b.store.SetWithTTL(ctx, b.eventKey(ev.ID), blob, b.cfg.StoreTTL); err != nil {
		b.logger.Warn("event persistence failed", "event_id", ev.ID, "error", err)
	}
	if err := b.store.AddToTimeline(ctx, b.timelineKey(), ev.Timestamp.Unix(), ev.ID); err != nil {
		b.logger.Warn("timeline update failed", "event_id", ev.ID, "error", err)
	}
	if err := b.store.AppendStream(ctx, b.streamKey(), blob, b.cfg.StreamMaxLen); err != nil {
		b.logger.Warn("stream append failed", "event_id", ev.ID, "error", err)
	}
}

// fanout enqueues one dispatch task per matching subscriber. A full queue
// blocks the publisher rather than spawning unbounded goroutines.
func (b *Bus) fanout(ctx context.Context, ev api.Event) {
	b.mu.RLock()
	matching := b.subs[ev.Type]
	subs := make([]*subscription, len(matching))
	copy(subs, matching)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case b.tasks <- task{event: ev, sub: sub}:
		case <-b.quit:
			return
		case <-ctx.Done():
			b.logger.Warn("fan-out abandoned", "event_id", ev.ID, "error", ctx.Err())
			return
		}
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.quit:
			return
		case t := <-b.tasks:
			b.deliver(b.baseCtx, t)
		}
	}
}

// deliver runs one (event, subscriber) delivery including its retries.
// Retries for a single delivery are serialized; other deliveries proceed on
// other workers, so a failing or slow handler never blocks its peers.
func (b *Bus) deliver(ctx context.Context, t task) {
	sub := t.sub
	if sub.filter != nil && !sub.filter(t.event) {
		return
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := b.invoke(ctx, sub, t.event)
		if err == nil {
			b.delivered.Add(1)
			return
		}
		lastErr = err
		sub.errorCount.Add(1)

		if attempt >= sub.maxRetries {
			break
		}
		b.retried.Add(1)

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.BackoffBase << attempt):
		}
	}

	b.deadLetter(ctx, t.event, lastErr)
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, ev api.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, ev)
}

func (b *Bus) deadLetter(ctx context.Context, ev api.Event, cause error) {
	dl := api.DeadLetter{
		Event: ev,
		Error: cause.Error(),
		At:    time.Now().UTC(),
	}

	b.dlqMu.Lock()
	b.dlq.push(dl)
	b.dlqMu.Unlock()
	b.deadLettered.Add(1)

	b.logger.Error("event dead-lettered",
		"event_id", ev.ID,
		"type", ev.Type,
		"error", cause,
	)

	if b.store == nil {
		return
	}
	blob, err := json.Marshal(dl)
	if err != nil {
		b.logger.Warn("dead letter encode failed", "event_id", ev.ID, "error", err)
		return
	}
	if err := b.store.PushDeadLetter(ctx, b.dlqKey(), blob, b.cfg.DLQMaxLen); err != nil {
		b.logger.Warn("dead letter persistence failed", "event_id", ev.ID, "error", err)
	}
}

func (b *Bus) Subscribe(types []api.EventType, h api.Handler, opts ...api.SubscribeOption) (string, error) {
	if h == nil {
		return "", errors.New("subscribe: nil handler")
	}
	if len(types) == 0 {
		return "", errors.New("subscribe: at least one event type required")
	}

	o := api.SubscribeOptions{MaxRetries: b.cfg.DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}

	sub := &subscription{
		id:         uuid.NewString(),
		handler:    h,
		filter:     o.Filter,
		maxRetries: o.MaxRetries,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", api.ErrBusClosed
	}
	for _, typ := range types {
		b.subs[typ] = append(b.subs[typ], sub)
	}
	return sub.id, nil
}

func (b *Bus) Unsubscribe(id string, types ...api.EventType) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	targets := types
	if len(targets) == 0 {
		for typ := range b.subs {
			targets = append(targets, typ)
		}
	}

	found := false
	for _, typ := range targets {
		subs := b.subs[typ]
		for i, sub := range subs {
			if sub.id == id {
				b.subs[typ] = append(subs[:i:i], subs[i+1:]...)
				found = true
				break
			}
		}
		if len(b.subs[typ]) == 0 {
			delete(b.subs, typ)
		}
	}
	if !found {
		return api.ErrSubscriptionNotFound
	}
	return nil
}

func (b *Bus) Replay(ctx context.Context, from, to time.Time, types ...api.EventType) (int, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return 0, api.ErrBusClosed
	}

	typeSet := make(map[api.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	match := func(ev api.Event) bool {
		if len(typeSet) > 0 && !typeSet[ev.Type] {
			return false
		}
		if !from.IsZero() && ev.Timestamp.Before(from) {
			return false
		}
		if !to.IsZero() && ev.Timestamp.After(to) {
			return false
		}
		return true
	}

	seen := make(map[string]bool)
	var events []api.Event

	b.ringMu.Lock()
	buffered := b.ring.items()
	b.ringMu.Unlock()
	for _, ev := range buffered {
		if match(ev) && !seen[ev.ID] {
			seen[ev.ID] = true
			events = append(events, ev)
		}
	}

	if b.store != nil {
		minScore := int64(0)
		if !from.IsZero() {
			minScore = from.Unix()
		}
		maxScore := int64(math.MaxInt64)
		if !to.IsZero() {
			maxScore = to.Unix()
		}

		ids, err := b.store.RangeByScore(ctx, b.timelineKey(), minScore, maxScore)
		if err != nil {
			b.logger.Warn("timeline range failed", "error", err)
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			blob, err := b.store.Get(ctx, b.eventKey(id))
			if err != nil {
				if !errors.Is(err, persistence.ErrNotFound) {
					b.logger.Warn("stored event fetch failed", "event_id", id, "error", err)
				}
				continue
			}
			ev, err := api.DecodeEvent(blob)
			if err != nil {
				b.logger.Warn("stored event decode failed", "event_id", id, "error", err)
				continue
			}
			// The timeline index has second granularity; re-check the
			// precise timestamp.
			if match(ev) {
				seen[ev.ID] = true
				events = append(events, ev)
			}
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})

	// Re-dispatch only; replayed events are not persisted or buffered
	// again.
	for _, ev := range events {
		b.fanout(ctx, ev)
	}
	return len(events), nil
}

func (b *Bus) DeadLetters() []api.DeadLetter {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()
	return b.dlq.items()
}

func (b *Bus) Stats() api.BusStats {
	b.mu.RLock()
	subscribers := make(map[api.EventType]int, len(b.subs))
	for typ, subs := range b.subs {
		subscribers[typ] = len(subs)
	}
	b.mu.RUnlock()

	b.ringMu.Lock()
	stored := b.ring.len()
	b.ringMu.Unlock()

	b.dlqMu.Lock()
	dead := b.dlq.len()
	b.dlqMu.Unlock()

	return api.BusStats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Retried:       b.retried.Load(),
		DeadLettered:  b.deadLettered.Load(),
		QueueDepth:    len(b.tasks),
		QueueCapacity: cap(b.tasks),
		StoredEvents:  stored,
		Subscribers:   subscribers,
		DeadLetters:   dead,
	}
}

func (b *Bus) Health(ctx context.Context) api.BusHealth {
	b.mu.RLock()
	running := !b.closed
	subscriptions := 0
	for _, subs := range b.subs {
		subscriptions += len(subs)
	}
	b.mu.RUnlock()

	h := api.BusHealth{
		Running:         running,
		StoreConfigured: b.store != nil,
		Subscriptions:   subscriptions,
	}
	if b.store != nil {
		h.StoreConnected = b.store.Ping(ctx) == nil
	}
	return h
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.quit)
	b.stopBase()
	b.wg.Wait()
	return nil
}
