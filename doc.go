// Package gitfix is a durable engine that triages repository issues and
// works them through to a fix.
//
// Each issue becomes a workflow instance. The triage-and-fix workflow
// classifies the issue, investigates the code, attempts a change, verifies
// it, and either opens a pull request with a drafted issue comment or
// escalates after a bounded number of attempts. Everything the workflow
// does is recorded twice: durably in the instance's activity log, and live
// on the instance's stream channel for viewers.
//
// # Durability
//
// A run is a plain Go function replayed from the start every time it is
// executed. Steps memoize their results by id, so a replay skips work that
// already happened and resumes at the first step that has not. Sleeps
// persist their wake time; short ones are waited out in place, long ones
// park the instance and schedule a resume task.
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each backend has a matching task queue so workers can reliably fetch work.
// This package exposes the in-memory and SQLite engines; the gitfix command
// builds the others from configuration.
//
// # Workers
//
// A Worker pulls run and resume tasks from the queue and executes them.
// Only one run of an instance proceeds at a time: runs hold a lease on the
// instance, and a worker that finds the lease taken re-enqueues its task.
//
// # Review
//
// Repositories in approval mode stop in awaiting_review once a comment is
// drafted. Engine.ApproveAndPost posts it and resolves the issue;
// Engine.Approve resolves without posting. Repositories in auto mode post
// the comment as the last step of the run.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue and worker pool into one
// process-local helper for development and tests. It is not crash-durable.
package gitfix
