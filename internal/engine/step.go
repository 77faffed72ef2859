package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tourvia/sagaflow/pkg/api"
)

// step is the runtime state of one StepDefinition within a workflow
// instance. Status and result are mutated only during the owning workflow's
// execution; the small lock exists because parallel group members read
// sibling statuses.
type step struct {
	def api.StepDefinition

	mu     sync.Mutex
	status api.StepStatus
	result api.StepResult
}

func newStep(def api.StepDefinition) *step {
	if def.Retries < 1 {
		def.Retries = 1
	}
	return &step{def: def, status: api.StepPending}
}

func (s *step) name() string { return s.def.Name }

func (s *step) Status() api.StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *step) Result() api.StepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *step) setStatus(st api.StepStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *step) finish(res api.StepResult) {
	s.mu.Lock()
	s.status = res.Status
	s.result = res
	s.mu.Unlock()
}

// execute runs the step: condition gate, then up to Retries handler
// attempts with exponential backoff (backoffBase * 2^attempt) between
// failed attempts. The outcome is an explicit three-way result; nothing is
// signalled by panicking.
func (s *step) execute(ctx context.Context, wctx api.Context, backoffBase time.Duration) api.StepResult {
	if s.def.Condition != nil && !s.def.Condition(wctx) {
		res := api.StepResult{Status: api.StepSkipped}
		s.finish(res)
		return res
	}

	s.setStatus(api.StepRunning)

	attempts := s.def.Retries
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			res := api.StepResult{
				Status:      api.StepCancelled,
				Err:         ctx.Err(),
				Duration:    time.Since(start),
				RetriesUsed: attempt,
			}
			s.finish(res)
			return res
		}

		out, err := s.attempt(ctx, wctx)
		if err == nil {
			res := api.StepResult{
				Status:      api.StepCompleted,
				Output:      out,
				Duration:    time.Since(start),
				RetriesUsed: attempt,
			}
			s.finish(res)
			return res
		}
		lastErr = err

		// No backoff after the last attempt.
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			res := api.StepResult{
				Status:      api.StepCancelled,
				Err:         ctx.Err(),
				Duration:    time.Since(start),
				RetriesUsed: attempt + 1,
			}
			s.finish(res)
			return res
		case <-time.After(backoffBase << attempt):
		}
	}

	// A handler that failed because the group was cancelled is CANCELLED,
	// not FAILED: its retries were cut short, not exhausted.
	if ctx.Err() != nil {
		res := api.StepResult{
			Status:      api.StepCancelled,
			Err:         ctx.Err(),
			Duration:    time.Since(start),
			RetriesUsed: attempts,
		}
		s.finish(res)
		return res
	}

	res := api.StepResult{
		Status:      api.StepFailed,
		Err:         fmt.Errorf("step %q failed after %d attempts: %w", s.def.Name, attempts, lastErr),
		Duration:    time.Since(start),
		RetriesUsed: attempts,
	}
	s.finish(res)
	return res
}

// attempt runs one handler invocation, bounded by the per-attempt timeout
// when one is configured. A handler that ignores cancellation keeps running
// in its goroutine, but its result is discarded once the deadline passes.
func (s *step) attempt(ctx context.Context, wctx api.Context) (any, error) {
	if s.def.Timeout <= 0 {
		return s.def.Handler(ctx, wctx)
	}

	tctx, cancel := context.WithTimeout(ctx, s.def.Timeout)
	defer cancel()

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := s.def.Handler(tctx, wctx)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-tctx.Done():
		return nil, fmt.Errorf("step %q attempt timed out after %s: %w", s.def.Name, s.def.Timeout, tctx.Err())
	}
}

// compensate undoes a completed step. A missing compensator is a warned
// no-op success. Compensator errors are reported, never raised: the
// workflow's reverse walk continues regardless.
func (s *step) compensate(ctx context.Context, wctx api.Context, logger *slog.Logger) bool {
	if s.def.Compensate == nil {
		logger.Warn("no compensator registered", "step", s.def.Name)
		return true
	}
	if err := s.def.Compensate(ctx, wctx); err != nil {
		logger.Error("compensation failed", "step", s.def.Name, "error", err)
		return false
	}
	return true
}
