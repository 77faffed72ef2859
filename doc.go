// Package sagaflow provides an embeddable event bus and saga workflow
// engine for Go backends.
//
// Sagaflow is designed for services that coordinate multi-step business
// processes with external side effects, such as bookings, quotations or
// payments, where a failure midway must undo the work already done. It runs
// fully in-process, supports optional persistence backends, and integrates
// cleanly into existing codebases.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Bus
//  2. Engine
//  3. FlowBuilder
//  4. StepFunc / CompensateFunc
//  5. Observer
//
// # Bus
//
// The Bus is an in-process publish/subscribe broker. Publishing is
// fire-and-forget: the event is recorded in a bounded buffer and dispatched
// asynchronously by a fixed worker pool, so one slow or failing handler
// never delays another. Per-subscription delivery retries use exponential
// backoff; events that exhaust their retries land in a dead-letter queue.
//
// Buses can optionally persist events to an external store:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Redis
//
// A persisted bus can Replay historical events by time window and type to
// the current subscribers.
//
// # Engine
//
// The Engine stores workflow templates and manages their instances. A
// workflow is a named graph of steps: declaration order plus DependsOn
// edges determine the execution plan, and steps sharing a parallel group
// run concurrently. When a step fails after exhausting its retries, the
// engine compensates every completed step in strict reverse declaration
// order, then reports the failure in the execution result.
//
// Engines hold no global state; construct as many as needed and wire each
// to its own Bus.
//
// # FlowBuilder
//
// FlowBuilder provides the declarative API used to define workflows:
//
//	sagaflow.New("confirm_booking").
//	    Step("authorize_payment", authorize,
//	        sagaflow.WithCompensation(refund),
//	        sagaflow.WithRetries(3)).
//	    Step("reserve_rooms", reserve,
//	        sagaflow.WithCompensation(release),
//	        sagaflow.DependsOn("authorize_payment")).
//	    MustRegister(engine)
//
// # StepFunc
//
// A StepFunc is the fundamental executable unit:
//
//	type StepFunc func(ctx context.Context, wctx Context) (any, error)
//
// Steps read and write the shared workflow Context and signal failure by
// returning an error; the engine applies the step's retry and timeout
// policy around each attempt. A CompensateFunc undoes a completed step when
// the workflow later fails.
//
// # Observer
//
// Observers receive workflow and step lifecycle callbacks. The package
// ships a structured-logging observer, an atomic-counter metrics observer,
// and a composite that fans out to several.
//
// For examples, see the /examples directory or the project README.
package sagaflow
