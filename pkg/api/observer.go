package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called once when a workflow instance starts
	// executing, before the first step group runs.
	OnWorkflowStart(ctx context.Context, workflowID, template string)

	// OnWorkflowCompleted is called when all step groups succeed.
	OnWorkflowCompleted(ctx context.Context, workflowID, template string, duration time.Duration)

	// OnWorkflowFailed is called when a step failure (or cancellation)
	// sends the workflow down the compensation path.
	OnWorkflowFailed(ctx context.Context, workflowID, template string, err error)

	// OnWorkflowCompensated is called after the compensation walk
	// finishes, whether or not every compensator succeeded.
	OnWorkflowCompensated(ctx context.Context, workflowID, template string)

	// OnStepStart is called before a step's first handler attempt.
	OnStepStart(ctx context.Context, workflowID, step string)

	// OnStepCompleted is called once per step with its final result,
	// including skips and failures.
	OnStepCompleted(ctx context.Context, workflowID, step string, res StepResult)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, workflowID, template string) {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, workflowID, template string, d time.Duration) {
}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, workflowID, template string, err error) {}
func (NoopObserver) OnWorkflowCompensated(ctx context.Context, workflowID, template string)       {}
func (NoopObserver) OnStepStart(ctx context.Context, workflowID, step string)                     {}
func (NoopObserver) OnStepCompleted(ctx context.Context, workflowID, step string, res StepResult) {}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, workflowID, template string) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, workflowID, template)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, workflowID, template string, d time.Duration) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, workflowID, template, d)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, workflowID, template string, err error) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, workflowID, template, err)
	}
}

func (c *CompositeObserver) OnWorkflowCompensated(ctx context.Context, workflowID, template string) {
	for _, o := range c.observers {
		o.OnWorkflowCompensated(ctx, workflowID, template)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, workflowID, step string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, workflowID, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, workflowID, step string, res StepResult) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, workflowID, step, res)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow / step lifecycle
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, workflowID, template string) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow_id", workflowID),
		slog.String("template", template),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, workflowID, template string, d time.Duration) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow_id", workflowID),
		slog.String("template", template),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, workflowID, template string, err error) {
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow_id", workflowID),
		slog.String("template", template),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnWorkflowCompensated(ctx context.Context, workflowID, template string) {
	o.Logger.WarnContext(ctx, "workflow_compensated",
		slog.String("workflow_id", workflowID),
		slog.String("template", template),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, workflowID, step string) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow_id", workflowID),
		slog.String("step", step),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, workflowID, step string, res StepResult) {
	level := slog.LevelDebug
	if res.Status == StepFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow_id", workflowID),
		slog.String("step", step),
		slog.String("status", string(res.Status)),
		slog.Int("retries_used", res.RetriesUsed),
		slog.Duration("duration", res.Duration),
		slog.Any("error", res.Err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted     atomic.Int64
	workflowsCompleted   atomic.Int64
	workflowsFailed      atomic.Int64
	workflowsCompensated atomic.Int64
	stepsCompleted       atomic.Int64
	stepsFailed          atomic.Int64
	stepsSkipped         atomic.Int64
	totalStepDuration    atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted     int64
	WorkflowsCompleted   int64
	WorkflowsFailed      int64
	WorkflowsCompensated int64
	RunningWorkflows     int64

	StepsCompleted  int64
	StepsFailed     int64
	StepsSkipped    int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, workflowID, template string) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, workflowID, template string, d time.Duration) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, workflowID, template string, err error) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompensated(ctx context.Context, workflowID, template string) {
	m.workflowsCompensated.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, workflowID, step string, res StepResult) {
	switch res.Status {
	case StepCompleted:
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(res.Duration.Nanoseconds())
	case StepFailed:
		m.stepsFailed.Add(1)
	case StepSkipped:
		m.stepsSkipped.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:     started,
		WorkflowsCompleted:   completed,
		WorkflowsFailed:      failed,
		WorkflowsCompensated: m.workflowsCompensated.Load(),
		RunningWorkflows:     started - completed - failed,
		StepsCompleted:       steps,
		StepsFailed:          m.stepsFailed.Load(),
		StepsSkipped:         m.stepsSkipped.Load(),
		AvgStepDuration:      avg,
	}
}
