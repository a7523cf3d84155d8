package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// Agent is the AI collaborator that decides what the workflow does. Every
// call happens inside a memoized step, so an Agent may be nondeterministic.
type Agent interface {
	Triage(ctx context.Context, issue Issue) (api.TriageResult, error)
	Investigate(ctx context.Context, issue Issue) (Investigation, error)
	// Attempt proposes the changes and verification commands for remediation
	// attempt n, starting at 1.
	Attempt(ctx context.Context, issue Issue, n int) (Attempt, error)
	// Recover explains a failed attempt before the next one.
	Recover(ctx context.Context, issue Issue, failure Failure) (Reasoning, error)
	Resolve(ctx context.Context, issue Issue) (Resolution, error)
}

// Issue is the agent's view of the instance being fixed.
type Issue struct {
	ID         string
	Number     int
	Title      string
	Body       string
	Repository api.Repository
}

func issueFromInstance(inst *api.WorkflowInstance, repo api.Repository) Issue {
	return Issue{
		ID:         inst.ID,
		Number:     inst.IssueNumber,
		Title:      inst.Title,
		Body:       inst.Body,
		Repository: repo,
	}
}

// Reasoning is streamed thinking. Think is how long the agent spent on it.
type Reasoning struct {
	Text  string
	Think time.Duration
}

// DurationSeconds is the whole-second thinking time reported to viewers.
func (r Reasoning) DurationSeconds() int {
	s := int(r.Think.Round(time.Second) / time.Second)
	return max(1, s)
}

type Search struct {
	Query   string
	Snippet string
}

// Investigation is everything the agent learns before changing code.
type Investigation struct {
	Initial  Reasoning
	Reads    []string
	Analysis Reasoning
	Search   *Search
	Plan     Reasoning
}

type FileChange struct {
	Path string
	Diff string
}

// Command is a verification command and its outcome. Diagnosis, if set,
// is the agent's explanation of a non-zero exit.
type Command struct {
	Command   string
	Output    string
	ExitCode  int
	Diagnosis string
}

func (c Command) failureMessage() string {
	if c.Diagnosis != "" {
		return c.Diagnosis
	}
	return fmt.Sprintf("%s exited with code %d", c.Command, c.ExitCode)
}

type Attempt struct {
	Changes  []FileChange
	Commands []Command
}

// Failure describes why an attempt did not land. Command is the first
// failing verification command; it is zero when the attempt itself errored
// or CI went red, and Message carries the reason instead.
type Failure struct {
	Attempt int
	Command Command
	Message string
}

func (f Failure) String() string {
	if f.Message != "" {
		return f.Message
	}
	return f.Command.failureMessage()
}

type PullRequest struct {
	Title  string
	URL    string
	Number int
	Branch string
}

type CIResult struct {
	Status string
	Checks int
	Passed int
	Failed int
}

// Resolution is the agent's wrap-up once verification passes.
type Resolution struct {
	Final        Reasoning
	PullRequest  PullRequest
	CI           CIResult
	FixSummary   string
	IssueComment string
}
