// Package worker drives issue workflows forward from a task queue.
//
// A Worker dequeues run and resume tasks and hands each to the engine's
// Execute, which replays the instance's workflow until it finishes or parks
// on a long sleep. A Pool runs several workers against the same queue.
//
// # Lease contention
//
// Only one run may replay an instance at a time. When Execute reports that
// another run holds the instance's lease, the worker puts the task back on
// the queue with a short delay instead of dropping it.
//
// # Failures
//
// Dequeued tasks are removed from the queue. A run that fails, or a worker
// that dies mid-run, leaves the instance in its last durable state; the
// engine's sweeper re-enqueues it once it has been idle past the lease TTL.
package worker
