// Package triage implements the triage-and-fix workflow: classify an issue,
// investigate it, apply and verify a fix with bounded retries, open a pull
// request and draft the issue comment.
//
// The decisions come from an Agent. SimulatedAgent is a deterministic
// stand-in that replays a fixed investigation, so the whole pipeline can be
// exercised without a model.
//
// Every durable milestone is appended to the activity log inside a memoized
// step and then published on the instance's channel, so a viewer that
// reconciles the live stream against the log ends up with the same picture.
package triage
