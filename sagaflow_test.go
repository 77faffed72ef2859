package sagaflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tourvia/sagaflow"
	"github.com/tourvia/sagaflow/pkg/api"
)

func TestFlowBuilderDefinition(t *testing.T) {
	handler := func(context.Context, sagaflow.Context) (any, error) { return nil, nil }
	compensate := func(context.Context, sagaflow.Context) error { return nil }

	def := sagaflow.New("quote").
		Step("validate", handler).
		ParallelStep("checks", "hotels", handler,
			sagaflow.WithCompensation(compensate),
			sagaflow.WithRetries(2),
			sagaflow.WithTimeout(time.Second),
			sagaflow.DependsOn("validate")).
		ParallelStep("checks", "transport", handler,
			sagaflow.DependsOn("validate")).
		Step("price", handler,
			sagaflow.DependsOn("hotels", "transport"),
			sagaflow.RequireCompleted()).
		Definition()

	require.Equal(t, "quote", def.Name)
	require.Len(t, def.Steps, 4)

	hotels := def.Steps[1]
	require.Equal(t, "hotels", hotels.Name)
	require.Equal(t, "checks", hotels.ParallelGroup)
	require.Equal(t, 2, hotels.Retries)
	require.Equal(t, time.Second, hotels.Timeout)
	require.NotNil(t, hotels.Compensate)
	require.Equal(t, []string{"validate"}, hotels.DependsOn)

	price := def.Steps[3]
	require.Empty(t, price.ParallelGroup)
	require.True(t, price.RequireCompleted)
	require.Equal(t, []string{"hotels", "transport"}, price.DependsOn)
}

func TestFlowBuilderPanics(t *testing.T) {
	handler := func(context.Context, sagaflow.Context) (any, error) { return nil, nil }

	require.Panics(t, func() { sagaflow.New("w").Step("", handler) })
	require.Panics(t, func() { sagaflow.New("w").Step("a", nil) })
	require.Panics(t, func() { sagaflow.New("w").ParallelStep("", "a", handler) })
}

func TestBuilderRegisterAndRun(t *testing.T) {
	eng := sagaflow.NewEngine(nil)

	sagaflow.New("double").
		Step("double", func(_ context.Context, wctx sagaflow.Context) (any, error) {
			n, _ := wctx.Get("n")
			return n.(int) * 2, nil
		}).
		MustRegister(eng)

	// Same name registers once only.
	err := sagaflow.New("double").Step("x", func(context.Context, sagaflow.Context) (any, error) {
		return nil, nil
	}).Register(eng)
	require.Error(t, err)

	id, err := eng.CreateWorkflow("double", "", map[string]any{"n": 21})
	require.NoError(t, err)

	res, err := eng.ExecuteWorkflow(context.Background(), id, nil)
	require.NoError(t, err)
	require.Equal(t, sagaflow.StatusCompleted, sagaflow.Status("COMPLETED"))
	require.Equal(t, api.ResultSuccess, res.Status)
	require.Equal(t, 42, res.Context["double_result"])
}

func TestBundleEndToEnd(t *testing.T) {
	// A single worker makes delivery order deterministic for the assertion
	// below.
	bundle := sagaflow.NewBundle(
		[]sagaflow.BusOption{
			sagaflow.WithDeliveryBackoff(time.Millisecond),
			sagaflow.WithWorkers(1),
		},
		sagaflow.WithStepBackoff(time.Millisecond),
	)
	defer bundle.Close()

	var mu sync.Mutex
	var seen []sagaflow.EventType
	_, err := bundle.Bus.Subscribe([]sagaflow.EventType{
		api.EventWorkflowStarted,
		api.EventWorkflowStepCompleted,
		api.EventWorkflowCompleted,
	}, func(_ context.Context, e sagaflow.Event) error {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	sagaflow.New("greet").
		Step("hello", func(context.Context, sagaflow.Context) (any, error) {
			return "hi", nil
		}).
		MustRegister(bundle.Engine)

	id, err := bundle.Engine.CreateWorkflow("greet", "wf-greet", nil)
	require.NoError(t, err)
	require.Equal(t, "wf-greet", id)

	res, err := bundle.Engine.ExecuteWorkflow(context.Background(), id, nil)
	require.NoError(t, err)
	require.Equal(t, api.ResultSuccess, res.Status)

	// Bus delivery is asynchronous; wait for the lifecycle trail.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []sagaflow.EventType{
		api.EventWorkflowStarted,
		api.EventWorkflowStepCompleted,
		api.EventWorkflowCompleted,
	}, seen)
}

func TestCompensationEndToEnd(t *testing.T) {
	eng := sagaflow.NewEngine(nil, sagaflow.WithStepBackoff(time.Millisecond))

	var undone []string
	sagaflow.New("saga").
		Step("reserve", func(context.Context, sagaflow.Context) (any, error) {
			return "held", nil
		}, sagaflow.WithCompensation(func(context.Context, sagaflow.Context) error {
			undone = append(undone, "reserve")
			return nil
		})).
		Step("charge", func(context.Context, sagaflow.Context) (any, error) {
			return nil, errors.New("card declined")
		}, sagaflow.WithRetries(2), sagaflow.DependsOn("reserve")).
		MustRegister(eng)

	id, err := eng.CreateWorkflow("saga", "", nil)
	require.NoError(t, err)

	res, err := eng.ExecuteWorkflow(context.Background(), id, nil)
	require.NoError(t, err)
	require.Equal(t, api.ResultFailed, res.Status)
	require.ErrorContains(t, res.Err, "card declined")
	require.Equal(t, []string{"reserve"}, undone)

	status, err := eng.GetWorkflowStatus(id)
	require.NoError(t, err)
	require.Equal(t, sagaflow.StatusCompensated, status.Status)
}

func TestMemoryStoreBusReplay(t *testing.T) {
	bus := sagaflow.NewMemoryStoreBus(sagaflow.WithDeliveryBackoff(time.Millisecond))
	defer bus.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(ctx, api.EventAnalyticsTracked, map[string]any{"i": i}, sagaflow.Metadata{})
		require.NoError(t, err)
	}

	var count int
	var mu sync.Mutex
	_, err := bus.Subscribe([]sagaflow.EventType{api.EventAnalyticsTracked}, func(context.Context, sagaflow.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	n, err := bus.Replay(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		c := count
		mu.Unlock()
		if c == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	mu.Lock()
	require.Equal(t, 3, count)
	mu.Unlock()
}
