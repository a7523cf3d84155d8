// Package api contains the core types shared by the gitfix engine, its
// stores, the live stream and the HTTP surface.
//
// Most users interact with the higher-level gitfix package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom stores, transports and agents.
//
// # Instances
//
// A WorkflowInstance is one issue-fix attempt; its ID is the issue id. Its
// Status follows a closed state machine:
//
//	analyzing -> fixing -> (awaiting_review | too_complex | skipped) -> resolved
//	fixing -> escalated
//
// Only analyzing and fixing (and the short-lived pr_open) are active.
//
// # Activity and stream messages
//
// Every durable milestone is an ActivityRecord whose Details is one variant
// per Topic. The same variants travel over the live channel inside a
// StreamMessage. A consumer collapses messages that share a correlation id
// (Details.Correlation) into one timeline entry; see package timeline.
//
// # Errors
//
// Entry points return the sentinels in errors.go wrapped with context, so
// callers test them with errors.Is. Step failures are *StepError.
//
// # Observability
//
// Observer receives run and step lifecycle callbacks. LoggingObserver writes
// them through log/slog, BasicMetrics keeps counters, and
// NewCompositeObserver fans out to several observers.
package api
