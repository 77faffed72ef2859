package api

import (
	"errors"
	"fmt"
)

var (
	// ErrTemplateNotFound is returned when a workflow template is not
	// registered under the requested name.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrWorkflowNotFound is returned when no workflow instance exists
	// for the requested id.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrBusClosed is returned by bus operations after Close.
	ErrBusClosed = errors.New("event bus closed")

	// ErrSubscriptionNotFound is returned by Unsubscribe for unknown ids.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrWorkflowTerminal is returned when an operation requires a
	// non-terminal workflow instance.
	ErrWorkflowTerminal = errors.New("workflow already terminal")
)

// ConfigurationError reports a misconfigured workflow graph: duplicate or
// empty step names, depends_on references to unknown steps, or a dependency
// cycle discovered while organizing execution groups. It is fatal and never
// retried.
type ConfigurationError struct {
	Workflow string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("workflow %q misconfigured: %s", e.Workflow, e.Reason)
}

// IsConfigurationError reports whether err is (or wraps) a
// ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
