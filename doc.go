// Package saga provides an orchestrator for distributed sagas in Go.
//
// A saga runs a business operation as an ordered list of local transactions
// ("steps") against independent services. When a step fails terminally, the
// steps that already completed are compensated in reverse order so that the
// system returns to a consistent state. For more on distributed sagas, see the
// 2017 JOTB talk by Caitie McCaffrey: https://www.youtube.com/watch?v=0UTOLRTwOX0
//
// Overview
//
//  1. Define your steps:
//     - Implement the Step interface, or use NewStep to package an execute and
//     a compensate function into a StepFunc.
//     - Steps must be idempotent. A compensation must be safe to call even if
//     the forward action never ran.
//  2. Build a Definition:
//     - NewDefinition(sagaType, steps...) fixes the order of the steps.
//     - Register the Definition in a Registry so that records can be resumed
//     after a crash by their saga type.
//  3. Pick a Store:
//     - MemoryStore for tests, FileStore for a single host, or one of the
//     redisstore / sqlstore packages for shared storage.
//  4. Run sagas:
//     - New(store, registry, opts...) returns an Orchestrator.
//     - Run drives a saga synchronously; Start returns the saga id straight
//     away and AwaitOutcome waits for the terminal state.
//     - Cancel moves a running saga to compensation.
//     - A Sweeper resumes RUNNING and COMPENSATING records whose owner stopped
//     updating them.
//
// Every state transition is a single optimistic-concurrency write to the
// Store. Many orchestrators may share one Store; a worker that loses a write
// race reloads the record and backs off without repeating side effects.
package saga
