package engine

import (
	"sync"

	"github.com/tourvia/sagaflow/pkg/api"
)

// workflowContext is the schemaless shared state of one workflow execution,
// a goroutine-safe string-keyed map. It is exclusively owned by its
// workflow; the lock only arbitrates between members of one parallel group.
type workflowContext struct {
	mu   sync.RWMutex
	data map[string]any
}

var _ api.Context = (*workflowContext)(nil)

func newWorkflowContext(initial map[string]any) *workflowContext {
	c := &workflowContext{data: make(map[string]any, len(initial))}
	for k, v := range initial {
		c.data[k] = v
	}
	return c
}

func (c *workflowContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *workflowContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *workflowContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	return keys
}

func (c *workflowContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

func (c *workflowContext) merge(m map[string]any) {
	if len(m) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range m {
		c.data[k] = v
	}
}
