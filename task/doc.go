// Package task implements a dependency-aware asynchronous task engine.
//
// A Task moves through a strictly monotonic lifecycle (Initialized through
// Finished) under the control of a Queue. Before a task becomes ready its
// conditions are evaluated; a condition may inject a dependency task at
// enqueue time or veto execution with a typed error. Tasks that share an
// exclusivity key execute in strict enqueue order. Groups compose a set of
// child tasks behind a barrier, and Retry re-runs a generated task until it
// succeeds, hits a non-retryable error, or exhausts its attempt budget.
//
// Waiting is represented by state, not stack suspension: a task stays in
// StateExecuting until something calls its Finish entry point, which makes
// the engine suitable for work completed by asynchronous callbacks.
package task
