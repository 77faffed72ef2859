package sagaflow

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tourvia/sagaflow/internal/bus"
	"github.com/tourvia/sagaflow/internal/engine"
	"github.com/tourvia/sagaflow/internal/persistence"
	"github.com/tourvia/sagaflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Event              = api.Event
	EventType          = api.EventType
	Metadata           = api.Metadata
	Handler            = api.Handler
	Filter             = api.Filter
	DeadLetter         = api.DeadLetter
	Bus                = api.Bus
	BusStats           = api.BusStats
	BusHealth          = api.BusHealth
	Engine             = api.Engine
	Context            = api.Context
	StepFunc           = api.StepFunc
	CompensateFunc     = api.CompensateFunc
	ConditionFunc      = api.ConditionFunc
	StepDefinition     = api.StepDefinition
	StepResult         = api.StepResult
	WorkflowDefinition = api.WorkflowDefinition
	TemplateBuilder    = api.TemplateBuilder
	ExecutionResult    = api.ExecutionResult
	WorkflowStatus     = api.WorkflowStatus
	InstanceFilter     = api.InstanceFilter
	Status             = api.Status
	StepStatus         = api.StepStatus
	Observer           = api.Observer
	LoggingObserver    = api.LoggingObserver
	CompositeObserver  = api.CompositeObserver
	NoopObserver       = api.NoopObserver
	BasicMetrics       = api.BasicMetrics
	ConfigurationError = api.ConfigurationError
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	WithFilter           = api.WithFilter
	WithMaxRetries       = api.WithMaxRetries
	IsConfigurationError = api.IsConfigurationError
)

// Re-export status values for convenience.

const (
	StatusPending      = api.StatusPending
	StatusRunning      = api.StatusRunning
	StatusCompleted    = api.StatusCompleted
	StatusFailed       = api.StatusFailed
	StatusCancelled    = api.StatusCancelled
	StatusCompensating = api.StatusCompensating
	StatusCompensated  = api.StatusCompensated
)

// BusOption customizes bus construction.
type BusOption func(*bus.Config)

// WithBusLogger sets the bus logger. Default slog.Default().
func WithBusLogger(l *slog.Logger) BusOption {
	return func(c *bus.Config) { c.Logger = l }
}

// WithWorkers sets the dispatch pool size.
func WithWorkers(n int) BusOption {
	return func(c *bus.Config) { c.Workers = n }
}

// WithQueueCapacity bounds the dispatch queue. A full queue backpressures
// publishers instead of growing without limit.
func WithQueueCapacity(n int) BusOption {
	return func(c *bus.Config) { c.QueueCapacity = n }
}

// WithRingCapacity bounds the in-memory event buffer.
func WithRingCapacity(n int) BusOption {
	return func(c *bus.Config) { c.RingCapacity = n }
}

// WithDefaultMaxRetries sets the default per-subscription delivery retry
// count (attempts beyond the first).
func WithDefaultMaxRetries(n int) BusOption {
	return func(c *bus.Config) { c.DefaultMaxRetries = n }
}

// WithDeliveryBackoff sets the base of the delivery backoff base*2^attempt.
func WithDeliveryBackoff(d time.Duration) BusOption {
	return func(c *bus.Config) { c.BackoffBase = d }
}

// WithKeyPrefix namespaces all external store keys.
func WithKeyPrefix(prefix string) BusOption {
	return func(c *bus.Config) { c.KeyPrefix = prefix }
}

// WithStoreTTL sets the time-to-live of persisted events.
func WithStoreTTL(d time.Duration) BusOption {
	return func(c *bus.Config) { c.StoreTTL = d }
}

// Bus constructors
// These wrap the internal/bus package so external callers never need to
// import internal packages.

// NewBus returns a local-only Bus with no external store. Events live in the
// bounded in-memory buffer; replay covers only that buffer.
func NewBus(opts ...BusOption) Bus {
	var cfg bus.Config
	for _, opt := range opts {
		opt(&cfg)
	}
	return bus.New(cfg)
}

// NewMemoryStoreBus returns a Bus backed by the in-process event store.
// Functionally close to NewBus but exercises the full store contract, which
// makes it the right choice for tests.
func NewMemoryStoreBus(opts ...BusOption) Bus {
	cfg := bus.Config{Store: persistence.NewMemoryEventStore()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return bus.New(cfg)
}

// NewRedisBus returns a Bus that persists events in Redis: TTL-bounded
// bodies, a replay timeline, a capped distribution stream and a capped
// dead-letter list.
func NewRedisBus(client *redis.Client, opts ...BusOption) Bus {
	cfg := bus.Config{Store: persistence.NewRedisEventStore(client)}
	for _, opt := range opts {
		opt(&cfg)
	}
	return bus.New(cfg)
}

// NewSQLiteBus returns a Bus that persists events in a SQLite database.
// The schema is created on first use.
func NewSQLiteBus(db *sql.DB, opts ...BusOption) (Bus, error) {
	store, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	cfg := bus.Config{Store: store}
	for _, opt := range opts {
		opt(&cfg)
	}
	return bus.New(cfg), nil
}

// EngineOption customizes engine construction.
type EngineOption func(*engine.Config)

// WithEngineLogger sets the engine logger. Default slog.Default().
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(c *engine.Config) { c.Logger = l }
}

// WithObserver attaches a lifecycle observer to the engine.
func WithObserver(obs Observer) EngineOption {
	return func(c *engine.Config) { c.Observer = obs }
}

// WithStepBackoff sets the base of the step retry backoff base*2^attempt.
func WithStepBackoff(d time.Duration) EngineOption {
	return func(c *engine.Config) { c.BackoffBase = d }
}

// NewEngine returns a workflow engine publishing lifecycle events to the
// given bus. A nil bus disables event emission without affecting execution.
func NewEngine(b Bus, opts ...EngineOption) Engine {
	cfg := engine.Config{}
	if b != nil {
		cfg.Bus = b
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.New(cfg)
}
