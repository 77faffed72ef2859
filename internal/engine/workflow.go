// Package engine implements the saga orchestration layer: dependency-ordered
// execution of step graphs with partial parallelism, per-step retry and
// timeout policies, and compensating rollback of completed work on failure.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tourvia/sagaflow/pkg/api"
)

// Publisher is the slice of the event bus the engine needs: lifecycle
// emission only. Step logic never depends on it.
type Publisher interface {
	Publish(ctx context.Context, typ api.EventType, payload map[string]any, meta api.Metadata) (api.Event, error)
}

// Config describes how workflows are wired. Only used inside this package;
// external callers go through the root package constructors.
type Config struct {
	Bus      Publisher
	Logger   *slog.Logger
	Observer api.Observer

	// BackoffBase is the base of the per-step retry backoff
	// base * 2^attempt. Default 1s.
	BackoffBase time.Duration
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
}

// Workflow is one saga instance: a named graph of steps sharing one mutable
// execution context. It exclusively owns its steps and context for the
// lifetime of one execution.
type Workflow struct {
	id       string
	template string
	steps    []*step
	index    map[string]*step
	wctx     *workflowContext

	bus         Publisher
	logger      *slog.Logger
	observer    api.Observer
	backoffBase time.Duration

	mu             sync.Mutex
	status         api.Status
	startedAt      time.Time
	finishedAt     time.Time
	execErr        error
	execCancel     context.CancelFunc
	compensated    bool
	startedEventID string
}

// newWorkflow validates a definition and builds the runnable instance.
// Step names must be unique and non-empty, handlers non-nil, and DependsOn
// may only reference steps declared earlier. Violations are
// ConfigurationErrors, fatal and never retried.
func newWorkflow(id, template string, def api.WorkflowDefinition, cfg Config) (*Workflow, error) {
	cfg.applyDefaults()

	if len(def.Steps) == 0 {
		return nil, &api.ConfigurationError{Workflow: template, Reason: "workflow must have at least one step"}
	}

	w := &Workflow{
		id:          id,
		template:    template,
		index:       make(map[string]*step, len(def.Steps)),
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		observer:    cfg.Observer,
		backoffBase: cfg.BackoffBase,
		status:      api.StatusPending,
	}

	for _, sd := range def.Steps {
		if sd.Name == "" {
			return nil, &api.ConfigurationError{Workflow: template, Reason: "step name must not be empty"}
		}
		if sd.Handler == nil {
			return nil, &api.ConfigurationError{Workflow: template, Reason: fmt.Sprintf("step %q has no handler", sd.Name)}
		}
		if _, dup := w.index[sd.Name]; dup {
			return nil, &api.ConfigurationError{Workflow: template, Reason: fmt.Sprintf("duplicate step name %q", sd.Name)}
		}
		for _, dep := range sd.DependsOn {
			if _, ok := w.index[dep]; !ok {
				return nil, &api.ConfigurationError{
					Workflow: template,
					Reason:   fmt.Sprintf("step %q depends on %q, which is not declared before it", sd.Name, dep),
				}
			}
		}
		s := newStep(sd)
		w.steps = append(w.steps, s)
		w.index[sd.Name] = s
	}

	w.wctx = newWorkflowContext(nil)
	return w, nil
}

// ID returns the workflow instance id.
func (w *Workflow) ID() string { return w.id }

// Execute runs the workflow to completion. Step failures never surface as
// the error return; they are converted into the structured failure outcome
// after compensation. The error is reserved for configuration problems and
// re-execution attempts.
func (w *Workflow) Execute(ctx context.Context, extra map[string]any) (*api.ExecutionResult, error) {
	w.mu.Lock()
	if w.status != api.StatusPending {
		w.mu.Unlock()
		return nil, fmt.Errorf("workflow %s: cannot execute in status %s", w.id, w.status)
	}
	w.status = api.StatusRunning
	w.startedAt = time.Now()
	execCtx, cancel := context.WithCancel(ctx)
	w.execCancel = cancel
	w.mu.Unlock()
	defer cancel()

	w.wctx.merge(extra)

	groups, err := w.organize()
	if err != nil {
		// A broken graph fails outright instead of silently dropping the
		// unreachable steps.
		w.mu.Lock()
		w.status = api.StatusFailed
		w.execErr = err
		w.finishedAt = time.Now()
		w.mu.Unlock()
		w.observer.OnWorkflowFailed(ctx, w.id, w.template, err)
		return nil, err
	}

	w.observer.OnWorkflowStart(ctx, w.id, w.template)
	started := w.publish(ctx, api.EventWorkflowStarted, map[string]any{
		"workflow_id": w.id,
		"template":    w.template,
	}, "")
	w.startedEventID = started.ID

	var failedStep *step
	for _, group := range groups {
		failedStep = w.runGroup(execCtx, group)
		if failedStep != nil || execCtx.Err() != nil {
			break
		}
	}

	if failedStep != nil || execCtx.Err() != nil {
		return w.fail(ctx, failedStep), nil
	}

	w.mu.Lock()
	w.status = api.StatusCompleted
	w.finishedAt = time.Now()
	duration := w.finishedAt.Sub(w.startedAt)
	w.mu.Unlock()

	w.publish(ctx, api.EventWorkflowCompleted, map[string]any{
		"workflow_id": w.id,
		"template":    w.template,
		"duration_ms": duration.Milliseconds(),
	}, w.startedEventID)
	w.observer.OnWorkflowCompleted(ctx, w.id, w.template, duration)

	return &api.ExecutionResult{
		WorkflowID: w.id,
		Status:     api.ResultSuccess,
		Context:    w.wctx.Snapshot(),
		Duration:   duration,
	}, nil
}

// fail converts a failed or cancelled execution into the structured failure
// outcome: compensate completed steps in reverse declaration order, then
// emit the terminal event.
func (w *Workflow) fail(ctx context.Context, failedStep *step) *api.ExecutionResult {
	w.mu.Lock()
	wasCancelled := w.status == api.StatusCancelled
	var failErr error
	if failedStep != nil {
		failErr = failedStep.Result().Err
	} else if wasCancelled {
		failErr = context.Canceled
	} else {
		failErr = ctx.Err()
		if failErr == nil {
			failErr = context.Canceled
		}
	}
	if !wasCancelled {
		w.status = api.StatusFailed
	}
	w.execErr = failErr
	w.mu.Unlock()

	w.observer.OnWorkflowFailed(ctx, w.id, w.template, failErr)
	w.compensate(ctx)

	w.mu.Lock()
	w.finishedAt = time.Now()
	duration := w.finishedAt.Sub(w.startedAt)
	w.mu.Unlock()

	terminal := api.EventWorkflowFailed
	if wasCancelled {
		terminal = api.EventWorkflowCancelled
	}
	w.publish(ctx, terminal, map[string]any{
		"workflow_id": w.id,
		"template":    w.template,
		"error":       failErr.Error(),
	}, w.startedEventID)

	return &api.ExecutionResult{
		WorkflowID: w.id,
		Status:     api.ResultFailed,
		Context:    w.wctx.Snapshot(),
		Duration:   duration,
		Err:        failErr,
	}
}

// Cancel cancels a non-terminal workflow and runs the same compensation
// procedure as the failure path. Cancellation of in-flight steps is
// cooperative: their contexts are cancelled, but a handler that ignores
// cancellation runs to completion with its result discarded.
func (w *Workflow) Cancel(ctx context.Context) error {
	w.mu.Lock()
	switch w.status {
	case api.StatusCompleted, api.StatusCompensated, api.StatusCancelled,
		api.StatusFailed, api.StatusCompensating:
		w.mu.Unlock()
		return fmt.Errorf("workflow %s in status %s: %w", w.id, w.status, api.ErrWorkflowTerminal)

	case api.StatusRunning:
		w.status = api.StatusCancelled
		cancel := w.execCancel
		w.mu.Unlock()
		// The running Execute observes the cancelled context and finishes
		// the compensation walk itself.
		cancel()
		return nil

	default: // PENDING
		w.status = api.StatusCancelled
		w.mu.Unlock()
		w.compensate(ctx)
		w.mu.Lock()
		w.finishedAt = time.Now()
		w.mu.Unlock()
		w.publish(ctx, api.EventWorkflowCancelled, map[string]any{
			"workflow_id": w.id,
			"template":    w.template,
		}, "")
		return nil
	}
}

// organize resolves the step graph into ordered execution groups: each
// iteration collects every not-yet-placed step whose dependencies are fully
// satisfied, coalescing steps that share a parallel group into one
// concurrent unit. A stalled iteration means a cycle or an unsatisfiable
// dependency and fails the workflow outright.
func (w *Workflow) organize() ([][]*step, error) {
	placed := make(map[string]bool, len(w.steps))
	var groups [][]*step

	for len(placed) < len(w.steps) {
		var ready []*step
		for _, s := range w.steps {
			if placed[s.name()] {
				continue
			}
			ok := true
			for _, dep := range s.def.DependsOn {
				if !placed[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, s)
			}
		}
		if len(ready) == 0 {
			return nil, &api.ConfigurationError{
				Workflow: w.template,
				Reason:   "dependency cycle: remaining steps can never become ready",
			}
		}

		// Coalesce by parallel group, preserving declaration order.
		units := make(map[string][]*step)
		var order []string
		for _, s := range ready {
			key := s.def.ParallelGroup
			if key == "" {
				// Singleton unit; the NUL prefix cannot collide with a
				// user-supplied group tag.
				key = "\x00" + s.name()
			}
			if _, seen := units[key]; !seen {
				order = append(order, key)
			}
			units[key] = append(units[key], s)
		}
		for _, key := range order {
			unit := units[key]
			groups = append(groups, unit)
			for _, s := range unit {
				placed[s.name()] = true
			}
		}
	}
	return groups, nil
}

// runGroup executes one group. Singletons run synchronously; larger groups
// run all members concurrently and join. The first failing member cancels
// its siblings' contexts (structured concurrency: no member outlives the
// join). It returns the failed step, if any.
func (w *Workflow) runGroup(ctx context.Context, group []*step) *step {
	if len(group) == 1 {
		s := group[0]
		w.runStep(ctx, s)
		if s.Status() == api.StepFailed {
			return s
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range group {
		s := s
		g.Go(func() error {
			w.runStep(gctx, s)
			if s.Status() == api.StepFailed {
				return s.Result().Err
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range group {
		if s.Status() == api.StepFailed {
			return s
		}
	}
	return nil
}

// runStep executes one step, first propagating skips: a step whose
// dependency ended SKIPPED is itself SKIPPED (without failing the workflow)
// unless it opted into RequireCompleted.
func (w *Workflow) runStep(ctx context.Context, s *step) {
	for _, dep := range s.def.DependsOn {
		if w.index[dep].Status() != api.StepSkipped {
			continue
		}
		var res api.StepResult
		if s.def.RequireCompleted {
			res = api.StepResult{
				Status: api.StepFailed,
				Err:    fmt.Errorf("step %q requires dependency %q, which was skipped", s.name(), dep),
			}
		} else {
			res = api.StepResult{Status: api.StepSkipped}
			w.wctx.Set(s.name()+"_status", string(api.StepSkipped))
		}
		s.finish(res)
		w.observer.OnStepCompleted(ctx, w.id, s.name(), res)
		return
	}

	w.observer.OnStepStart(ctx, w.id, s.name())
	res := s.execute(ctx, w.wctx, w.backoffBase)

	switch res.Status {
	case api.StepCompleted:
		w.wctx.Set(s.name()+"_result", res.Output)
		w.wctx.Set(s.name()+"_status", string(api.StepCompleted))
		w.publish(ctx, api.EventWorkflowStepCompleted, map[string]any{
			"workflow_id":  w.id,
			"step":         s.name(),
			"retries_used": res.RetriesUsed,
			"duration_ms":  res.Duration.Milliseconds(),
		}, w.startedEventID)
	case api.StepSkipped:
		w.wctx.Set(s.name()+"_status", string(api.StepSkipped))
	}

	w.observer.OnStepCompleted(ctx, w.id, s.name(), res)
}

// compensate walks all steps in strict reverse declaration order, invoking
// the compensator of every COMPLETED step. Compensation failures are
// logged and the walk continues; it runs at most once per instance.
func (w *Workflow) compensate(ctx context.Context) {
	w.mu.Lock()
	if w.compensated {
		w.mu.Unlock()
		return
	}
	w.compensated = true
	w.status = api.StatusCompensating
	w.mu.Unlock()

	for i := len(w.steps) - 1; i >= 0; i-- {
		s := w.steps[i]
		if s.Status() != api.StepCompleted {
			continue
		}
		s.compensate(ctx, w.wctx, w.logger)
	}

	w.mu.Lock()
	w.status = api.StatusCompensated
	w.mu.Unlock()
	w.observer.OnWorkflowCompensated(ctx, w.id, w.template)
}

// publish emits a lifecycle event with the workflow id as correlation id.
// A nil bus (tests) is a no-op; publish errors are logged, never raised.
func (w *Workflow) publish(ctx context.Context, typ api.EventType, payload map[string]any, causation string) api.Event {
	if w.bus == nil {
		return api.Event{}
	}
	ev, err := w.bus.Publish(ctx, typ, payload, api.Metadata{
		CorrelationID: w.id,
		CausationID:   causation,
		ServiceName:   "workflow-engine",
	})
	if err != nil {
		w.logger.Warn("lifecycle publish failed",
			"workflow_id", w.id, "type", typ, "error", err)
	}
	return ev
}

// StatusSnapshot returns a read-only view of the instance.
func (w *Workflow) StatusSnapshot() *api.WorkflowStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	steps := make(map[string]api.StepStatus, len(w.steps))
	for _, s := range w.steps {
		steps[s.name()] = s.Status()
	}
	return &api.WorkflowStatus{
		ID:         w.id,
		Template:   w.template,
		Status:     w.status,
		Steps:      steps,
		StartedAt:  w.startedAt,
		FinishedAt: w.finishedAt,
		Err:        w.execErr,
	}
}
