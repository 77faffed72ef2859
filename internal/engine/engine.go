package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tourvia/sagaflow/pkg/api"
)

// Engine is the in-memory workflow engine: a template registry plus an
// instance store. It holds no global state; every Engine is an independent
// instance wired at construction.
type Engine struct {
	cfg Config

	mu        sync.RWMutex
	templates map[string]api.TemplateBuilder
	instances map[string]*Workflow
	order     []string
}

var _ api.Engine = (*Engine)(nil)

// New builds a workflow engine from the given configuration.
func New(cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		templates: make(map[string]api.TemplateBuilder),
		instances: make(map[string]*Workflow),
	}
}

// RegisterTemplate registers a template builder by name.
func (e *Engine) RegisterTemplate(name string, b api.TemplateBuilder) error {
	if name == "" {
		return fmt.Errorf("template name must not be empty")
	}
	if b == nil {
		return fmt.Errorf("template %q: builder must not be nil", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.templates[name]; exists {
		return fmt.Errorf("template %q already registered", name)
	}
	e.templates[name] = b
	return nil
}

// CreateWorkflow instantiates a template and stores the instance in PENDING
// state. An empty id gets a fresh UUID.
func (e *Engine) CreateWorkflow(template, id string, initial map[string]any) (string, error) {
	e.mu.RLock()
	builder, ok := e.templates[template]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q: %w", template, api.ErrTemplateNotFound)
	}

	if id == "" {
		id = uuid.NewString()
	}

	def, err := builder(id, initial)
	if err != nil {
		return "", fmt.Errorf("building workflow %s from template %q: %w", id, template, err)
	}

	w, err := newWorkflow(id, template, def, e.cfg)
	if err != nil {
		return "", err
	}
	w.wctx.merge(initial)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.instances[id]; dup {
		return "", fmt.Errorf("workflow id %q already in use", id)
	}
	e.instances[id] = w
	e.order = append(e.order, id)
	return id, nil
}

// ExecuteWorkflow runs an instance to completion, compensating on failure.
func (e *Engine) ExecuteWorkflow(ctx context.Context, id string, extra map[string]any) (*api.ExecutionResult, error) {
	w, err := e.instance(id)
	if err != nil {
		return nil, err
	}
	return w.Execute(ctx, extra)
}

// GetWorkflowStatus returns a snapshot of one instance.
func (e *Engine) GetWorkflowStatus(id string) (*api.WorkflowStatus, error) {
	w, err := e.instance(id)
	if err != nil {
		return nil, err
	}
	return w.StatusSnapshot(), nil
}

// CancelWorkflow cancels a non-terminal instance.
func (e *Engine) CancelWorkflow(ctx context.Context, id string) error {
	w, err := e.instance(id)
	if err != nil {
		return err
	}
	return w.Cancel(ctx)
}

// ListWorkflows returns snapshots of instances matching the filter, in
// creation order.
func (e *Engine) ListWorkflows(filter api.InstanceFilter) ([]*api.WorkflowStatus, error) {
	e.mu.RLock()
	ids := make([]string, len(e.order))
	copy(ids, e.order)
	instances := make(map[string]*Workflow, len(e.instances))
	for id, w := range e.instances {
		instances[id] = w
	}
	e.mu.RUnlock()

	var out []*api.WorkflowStatus
	for _, id := range ids {
		w, ok := instances[id]
		if !ok {
			continue
		}
		snap := w.StatusSnapshot()
		if filter.Template != "" && snap.Template != filter.Template {
			continue
		}
		if filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (e *Engine) instance(id string) (*Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.instances[id]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", id, api.ErrWorkflowNotFound)
	}
	return w, nil
}
