package api

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
//
// Transitions are monotonic:
//
//	PENDING → RUNNING → COMPLETED
//	                  → FAILED    → COMPENSATING → COMPENSATED
//	                  → CANCELLED → COMPENSATING → COMPENSATED
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated:
		return true
	}
	return false
}

// StepStatus is the outcome state of a single workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// Context is the shared mutable state of one workflow execution. It is a
// string-keyed map behind an interface so templates that need typed access
// can wrap or substitute it. Each workflow instance exclusively owns its
// Context; implementations are safe for use from parallel step groups.
type Context interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Keys() []string
	// Snapshot returns a shallow copy of the current contents.
	Snapshot() map[string]any
}

// StepFunc is the handler of a single saga step. It reads and writes the
// shared workflow Context and returns the step output. Failure is signalled
// by the error return; the engine applies the step's retry policy around it.
type StepFunc func(ctx context.Context, wctx Context) (any, error)

// CompensateFunc undoes the work of a previously completed step. Its error
// is reported but never propagated: remaining compensations still run.
type CompensateFunc func(ctx context.Context, wctx Context) error

// ConditionFunc gates a step. Returning false skips the step without
// failing the workflow.
type ConditionFunc func(wctx Context) bool

// StepResult is the explicit three-way outcome of one step execution:
// skipped, completed, or failed after exhausting retries.
type StepResult struct {
	Status      StepStatus
	Output      any
	Err         error
	Duration    time.Duration
	RetriesUsed int
}

// StepDefinition describes one step of a workflow template.
//
// Retries is the total number of handler attempts (minimum 1). Timeout, if
// positive, bounds each individual attempt; a timed-out attempt counts as a
// failed one. DependsOn must name steps declared earlier in the definition.
// Steps sharing a non-empty ParallelGroup run concurrently as one
// join-before-continue unit.
type StepDefinition struct {
	Name       string
	Handler    StepFunc
	Compensate CompensateFunc
	Condition  ConditionFunc

	Retries int
	Timeout time.Duration

	DependsOn     []string
	ParallelGroup string

	// RequireCompleted makes a SKIPPED dependency fail this step instead
	// of propagating the skip.
	RequireCompleted bool
}

// WorkflowDefinition describes a workflow template as an ordered list of
// step definitions. Declaration order fixes the compensation order (strict
// reverse) and breaks scheduling ties.
type WorkflowDefinition struct {
	Name  string
	Steps []StepDefinition
}

// TemplateBuilder produces a fully-wired workflow definition for a new
// instance. Builders encode one business process and are registered once by
// name on the engine.
type TemplateBuilder func(workflowID string, initial map[string]any) (WorkflowDefinition, error)

// ExecutionResult is the caller-visible outcome of one workflow execution.
// Status is "success" or "failed"; completed work must be inferred from
// Context contents, not from a separate success list.
type ExecutionResult struct {
	WorkflowID string
	Status     string
	Context    map[string]any
	Duration   time.Duration
	Err        error
}

const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// WorkflowStatus is a read-only snapshot of a workflow instance.
type WorkflowStatus struct {
	ID       string
	Template string
	Status   Status
	Steps    map[string]StepStatus

	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// InstanceFilter selects workflow instances when listing. Zero values mean
// "no filter".
type InstanceFilter struct {
	Template string
	Status   Status
}

// Engine manages workflow templates and their instances.
type Engine interface {
	// RegisterTemplate registers a template builder by name. Registering
	// the same name twice is an error.
	RegisterTemplate(name string, b TemplateBuilder) error

	// CreateWorkflow instantiates a template. An empty id gets a fresh
	// UUID. The returned id addresses the instance in the other calls.
	CreateWorkflow(template, id string, initial map[string]any) (string, error)

	// ExecuteWorkflow runs an instance to completion, compensating on
	// failure. Step failures surface in the ExecutionResult, never as the
	// error return; the error is reserved for unknown ids and
	// configuration problems.
	ExecuteWorkflow(ctx context.Context, id string, extra map[string]any) (*ExecutionResult, error)

	// GetWorkflowStatus returns a snapshot of one instance.
	GetWorkflowStatus(id string) (*WorkflowStatus, error)

	// CancelWorkflow cancels a non-terminal instance and runs the same
	// compensation procedure as the failure path.
	CancelWorkflow(ctx context.Context, id string) error

	// ListWorkflows returns snapshots of instances matching the filter.
	ListWorkflows(filter InstanceFilter) ([]*WorkflowStatus, error)
}
