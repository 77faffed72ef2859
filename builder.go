package sagaflow

import (
	"fmt"
	"time"

	"github.com/tourvia/sagaflow/pkg/api"
)

// FlowBuilder provides a fluent API for defining saga workflows:
//
//	def := sagaflow.New("generate_quotation").
//	    Step("validate_group", validateGroup).
//	    ParallelStep("availability", "check_hotels", checkHotels,
//	        sagaflow.WithCompensation(releaseHotels),
//	        sagaflow.DependsOn("validate_group")).
//	    ParallelStep("availability", "check_transport", checkTransport,
//	        sagaflow.DependsOn("validate_group")).
//	    Step("calculate_costs", calculateCosts,
//	        sagaflow.DependsOn("check_hotels", "check_transport")).
//	    Definition()
//
//	engine.RegisterTemplate("generate_quotation", sagaflow.StaticTemplate(def))
type FlowBuilder struct {
	def api.WorkflowDefinition
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{
		def: api.WorkflowDefinition{
			Name:  name,
			Steps: make([]api.StepDefinition, 0),
		},
	}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.def.Name
}

// Definition returns the underlying WorkflowDefinition.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	return b.def
}

// StepOption customizes a single step definition.
type StepOption func(*api.StepDefinition)

// WithCompensation registers the step's compensator, invoked in reverse
// declaration order when a later step fails.
func WithCompensation(fn CompensateFunc) StepOption {
	return func(d *api.StepDefinition) { d.Compensate = fn }
}

// WithCondition gates the step. Returning false skips it without failing
// the workflow.
func WithCondition(fn ConditionFunc) StepOption {
	return func(d *api.StepDefinition) { d.Condition = fn }
}

// WithRetries sets the total number of handler attempts (minimum 1).
func WithRetries(n int) StepOption {
	return func(d *api.StepDefinition) { d.Retries = n }
}

// WithTimeout bounds each individual attempt. A timed-out attempt counts as
// a failed one.
func WithTimeout(d time.Duration) StepOption {
	return func(sd *api.StepDefinition) { sd.Timeout = d }
}

// DependsOn names steps that must finish before this one starts. All named
// steps must be declared earlier.
func DependsOn(steps ...string) StepOption {
	return func(d *api.StepDefinition) { d.DependsOn = append(d.DependsOn, steps...) }
}

// RequireCompleted makes a SKIPPED dependency fail this step instead of
// propagating the skip.
func RequireCompleted() StepOption {
	return func(d *api.StepDefinition) { d.RequireCompleted = true }
}

// Step appends a sequential step to the workflow.
func (b *FlowBuilder) Step(name string, fn StepFunc, opts ...StepOption) *FlowBuilder {
	return b.append("", name, fn, opts)
}

// ParallelStep appends a step belonging to the named parallel group. Steps
// sharing a group run concurrently as one join-before-continue unit.
func (b *FlowBuilder) ParallelStep(group, name string, fn StepFunc, opts ...StepOption) *FlowBuilder {
	if group == "" {
		panic("sagaflow: parallel group name must not be empty")
	}
	return b.append(group, name, fn, opts)
}

func (b *FlowBuilder) append(group, name string, fn StepFunc, opts []StepOption) *FlowBuilder {
	if name == "" {
		panic("sagaflow: step name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("sagaflow: step %q has nil function", name))
	}

	d := api.StepDefinition{
		Name:          name,
		Handler:       fn,
		ParallelGroup: group,
	}
	for _, opt := range opts {
		opt(&d)
	}

	b.def.Steps = append(b.def.Steps, d)
	return b
}

// Register registers the built workflow on the engine as a static template
// under the workflow's name.
func (b *FlowBuilder) Register(eng Engine) error {
	return eng.RegisterTemplate(b.def.Name, StaticTemplate(b.def))
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

// StaticTemplate wraps a fixed definition into a TemplateBuilder that
// ignores the per-instance id and initial context.
func StaticTemplate(def WorkflowDefinition) TemplateBuilder {
	return func(string, map[string]any) (WorkflowDefinition, error) {
		return def, nil
	}
}
