package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	NoopObserver
	starts int
}

func (c *countingObserver) OnWorkflowStart(ctx context.Context, workflowID, template string) {
	c.starts++
}

func TestNewCompositeObserver(t *testing.T) {
	t.Run("no observers yields noop", func(t *testing.T) {
		obs := NewCompositeObserver()
		require.IsType(t, NoopObserver{}, obs)
	})

	t.Run("nil observers are dropped", func(t *testing.T) {
		c := &countingObserver{}
		obs := NewCompositeObserver(nil, c, nil)
		require.Same(t, c, obs)
	})

	t.Run("fans out to all", func(t *testing.T) {
		a, b := &countingObserver{}, &countingObserver{}
		obs := NewCompositeObserver(a, b)
		obs.OnWorkflowStart(context.Background(), "wf-1", "tmpl")
		require.Equal(t, 1, a.starts)
		require.Equal(t, 1, b.starts)
	})
}

func TestBasicMetricsSnapshot(t *testing.T) {
	ctx := context.Background()
	m := &BasicMetrics{}

	m.OnWorkflowStart(ctx, "wf-1", "t")
	m.OnWorkflowStart(ctx, "wf-2", "t")
	m.OnWorkflowStart(ctx, "wf-3", "t")
	m.OnWorkflowCompleted(ctx, "wf-1", "t", time.Second)
	m.OnWorkflowFailed(ctx, "wf-2", "t", errors.New("boom"))
	m.OnWorkflowCompensated(ctx, "wf-2", "t")

	m.OnStepCompleted(ctx, "wf-1", "a", StepResult{Status: StepCompleted, Duration: 100 * time.Millisecond})
	m.OnStepCompleted(ctx, "wf-1", "b", StepResult{Status: StepCompleted, Duration: 300 * time.Millisecond})
	m.OnStepCompleted(ctx, "wf-2", "c", StepResult{Status: StepFailed, Err: errors.New("boom")})
	m.OnStepCompleted(ctx, "wf-3", "d", StepResult{Status: StepSkipped})

	snap := m.Snapshot()
	require.Equal(t, int64(3), snap.WorkflowsStarted)
	require.Equal(t, int64(1), snap.WorkflowsCompleted)
	require.Equal(t, int64(1), snap.WorkflowsFailed)
	require.Equal(t, int64(1), snap.WorkflowsCompensated)
	require.Equal(t, int64(1), snap.RunningWorkflows)
	require.Equal(t, int64(2), snap.StepsCompleted)
	require.Equal(t, int64(1), snap.StepsFailed)
	require.Equal(t, int64(1), snap.StepsSkipped)
	require.Equal(t, 200*time.Millisecond, snap.AvgStepDuration)
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCompensated}
	for _, s := range terminal {
		require.True(t, s.Terminal(), "status %s", s)
	}
	nonTerminal := []Status{StatusPending, StatusRunning, StatusFailed, StatusCancelled, StatusCompensating}
	for _, s := range nonTerminal {
		require.False(t, s.Terminal(), "status %s", s)
	}
}

func TestIsConfigurationError(t *testing.T) {
	err := &ConfigurationError{Workflow: "w", Reason: "bad graph"}
	wrapped := errors.Join(errors.New("outer"), err)

	require.True(t, IsConfigurationError(err))
	require.True(t, IsConfigurationError(wrapped))
	require.False(t, IsConfigurationError(errors.New("plain")))
	require.Contains(t, err.Error(), "bad graph")
}
