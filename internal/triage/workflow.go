package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lorenzkrinner/gitfix/internal/engine"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// Stream and step ids shared with viewers and tests.
const (
	StreamDoneSummary = "done-summary"
	StepAutoPost      = "auto-post"
)

// Config wires a Workflow to its collaborators.
type Config struct {
	Agent  Agent
	Pacing Pacing
	// Commenter posts the drafted comment for repositories in auto mode.
	Commenter api.Commenter
	Logger    *slog.Logger
}

// Workflow is the triage-and-fix workflow.
type Workflow struct {
	agent     Agent
	pacing    Pacing
	commenter api.Commenter
	logger    *slog.Logger
}

// New creates a Workflow. A nil Agent uses SimulatedAgent.
func New(cfg Config) *Workflow {
	w := &Workflow{
		agent:     cfg.Agent,
		pacing:    cfg.Pacing,
		commenter: cfg.Commenter,
		logger:    cfg.Logger,
	}
	if w.agent == nil {
		w.agent = SimulatedAgent{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Register makes the workflow the engine's default.
func Register(eng *engine.Engine, w *Workflow) error {
	return eng.RegisterWorkflow(api.DefaultWorkflow, w.Run)
}

// Run is the workflow body. Step and sleep ids are stable across releases:
// replays of in-flight instances depend on them.
//
// Every step performs at most one non-idempotent write and performs it last.
// Terminal statuses are set in their own step after the final done record,
// so an instance whose done append failed is still active and gets replayed.
func (w *Workflow) Run(ctx context.Context, run *engine.Run) error {
	issue := issueFromInstance(run.Instance(), run.Repository())

	result, err := engine.Step(run, "triage", func(ctx context.Context) (api.TriageResult, error) {
		res, err := w.agent.Triage(ctx, issue)
		if err != nil {
			return res, err
		}
		if err := run.Update(func(inst *api.WorkflowInstance) {
			inst.Triage = &api.TriageResult{Classification: res.Classification, Reasoning: res.Reasoning}
			if res.Classification == api.ClassificationFixable {
				inst.Status = api.StatusFixing
			}
		}); err != nil {
			return res, err
		}
		return res, run.Append(api.TriageDetails{Classification: res.Classification, Reasoning: res.Reasoning})
	})
	if err != nil {
		return err
	}
	run.Publish(api.TriageDetails{Classification: result.Classification, Reasoning: result.Reasoning})

	if result.Classification != api.ClassificationFixable {
		if err := emit(run, "done-unfixable", api.DoneDetails{
			Summary:  fmt.Sprintf("Issue classified as %s: %s", result.Classification, result.Reasoning),
			StreamID: "done-unfixable",
			Status:   api.ActivityCompleted,
		}); err != nil {
			return err
		}
		return setStatus(run, "status-unfixable", result.Classification.StatusAfterTriage())
	}

	if err := run.Sleep("pause-after-triage", w.pacing.of(pauseAfterTriage)); err != nil {
		return err
	}
	ok, err := w.investigate(run, issue)
	if err != nil || !ok {
		return err
	}
	return w.fix(run, issue)
}

// outcome is the memoized result of an agent call. A failed call is
// remembered too, so replays take the same branch.
type outcome[T any] struct {
	Value  T
	Failed string
}

// callAgent runs fn as step id. Agent failures are returned as a message;
// only engine faults come back as errors.
func callAgent[T any](run *engine.Run, id string, fn func(ctx context.Context) (T, error)) (T, string, error) {
	out, err := engine.Step(run, id, func(ctx context.Context) (outcome[T], error) {
		v, err := fn(ctx)
		switch {
		case err == nil:
			return outcome[T]{Value: v}, nil
		case isFault(ctx, err):
			return outcome[T]{}, err
		default:
			return outcome[T]{Failed: err.Error()}, nil
		}
	})
	return out.Value, out.Failed, err
}

// isFault reports errors that belong to the engine rather than the agent.
func isFault(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, api.ErrStorageUnavailable) ||
		errors.Is(err, engine.ErrLeaseLost)
}

// fail records an error under id and hands the instance to a maintainer.
func (w *Workflow) fail(run *engine.Run, id, message, reason string) error {
	if err := emit(run, id, api.ErrorDetails{Message: message, StepID: id}); err != nil {
		return err
	}
	return w.escalate(run, reason)
}

func (w *Workflow) investigate(run *engine.Run, issue Issue) (bool, error) {
	inv, failed, err := callAgent(run, "investigate", func(ctx context.Context) (Investigation, error) {
		return w.agent.Investigate(ctx, issue)
	})
	if err != nil {
		return false, err
	}
	if failed != "" {
		return false, w.fail(run, "error-investigate", "Investigation failed: "+failed,
			"Could not investigate the issue; handing off to a maintainer.")
	}

	repo := issue.Repository.FullName
	if repo == "" {
		repo = issue.Repository.ID
	}
	path := "/tmp/gitfix/" + strings.ReplaceAll(repo, "/", "-")
	if err := emitTool(run, "clone-repo",
		api.RepoCloneDetails{Repository: repo, StepID: "clone-repo", Status: api.ActivityStarted},
		api.RepoCloneDetails{Repository: repo, Path: path, StepID: "clone-repo", Status: api.ActivityCompleted},
		w.pacing.of(cloneDuration), nil); err != nil {
		return false, err
	}

	if err := streamReasoning(run, "reasoning-initial", inv.Initial, w.pacing.of(inv.Initial.Think)); err != nil {
		return false, err
	}

	for i, file := range inv.Reads {
		id := fmt.Sprintf("read-%d", i+1)
		if err := emitTool(run, id,
			api.FileReadDetails{FilePath: file, StepID: id, Status: api.ActivityStarted},
			api.FileReadDetails{FilePath: file, StepID: id, Status: api.ActivityCompleted},
			w.pacing.of(readDuration), nil); err != nil {
			return false, err
		}
	}

	if err := streamReasoning(run, "reasoning-analysis", inv.Analysis, w.pacing.of(inv.Analysis.Think)); err != nil {
		return false, err
	}

	if s := inv.Search; s != nil {
		if err := emitTool(run, "web-search-1",
			api.WebSearchDetails{Query: s.Query, StepID: "web-search-1", Status: api.ActivityStarted},
			api.WebSearchDetails{Query: s.Query, Snippet: s.Snippet, StepID: "web-search-1", Status: api.ActivityCompleted},
			w.pacing.of(searchDuration), nil); err != nil {
			return false, err
		}
	}

	return true, streamReasoning(run, "reasoning-plan", inv.Plan, w.pacing.of(inv.Plan.Think))
}

// fix alternates remediation and resolution until a pull request passes CI
// or the repository's retry limit runs out. Each red CI costs one attempt.
func (w *Workflow) fix(run *engine.Run, issue Issue) error {
	limit := issue.Repository.RetryLimit()
	for a, round := 1, 1; ; round++ {
		last, fixed, err := w.remediate(run, issue, a, limit)
		if err != nil || !fixed {
			return err
		}
		again, err := w.resolve(run, issue, last, round, limit)
		if err != nil || !again {
			return err
		}
		a = last + 1
	}
}

// remediate runs attempts from the given one until verification passes or
// the retry limit is exhausted. It returns the passing attempt, or false
// after escalating.
func (w *Workflow) remediate(run *engine.Run, issue Issue, from, limit int) (int, bool, error) {
	for a := from; ; a++ {
		att, failed, err := callAgent(run, fmt.Sprintf("attempt-%d", a), func(ctx context.Context) (Attempt, error) {
			return w.agent.Attempt(ctx, issue, a)
		})
		if err != nil {
			return a, false, err
		}

		var failure *Failure
		if failed != "" {
			id := fmt.Sprintf("error-attempt-%d", a)
			failure = &Failure{Attempt: a, Message: fmt.Sprintf("Attempt %d failed: %s", a, failed)}
			if err := emit(run, id, api.ErrorDetails{Message: failure.Message, StepID: id}); err != nil {
				return a, false, err
			}
		} else {
			for i, change := range att.Changes {
				if err := streamFileChange(run, fmt.Sprintf("change-%d-%d", a, i+1), change); err != nil {
					return a, false, err
				}
			}

			cmd, err := w.verify(run, a, att.Commands)
			if err != nil {
				return a, false, err
			}
			if cmd == nil {
				return a, true, nil
			}

			id := fmt.Sprintf("error-verify-%d", a)
			failure = &Failure{Attempt: a, Command: *cmd}
			if err := emit(run, id, api.ErrorDetails{Message: cmd.failureMessage(), StepID: id}); err != nil {
				return a, false, err
			}
		}

		again, err := w.retry(run, issue, *failure, limit)
		if err != nil || !again {
			return a, false, err
		}
	}
}

// retry books a failed attempt. Past the limit it escalates and reports
// false; otherwise it bumps the retry count and asks the agent to recover.
func (w *Workflow) retry(run *engine.Run, issue Issue, failure Failure, limit int) (bool, error) {
	a := failure.Attempt
	if a > limit {
		reason := fmt.Sprintf("No passing fix after %d attempts; handing off to a maintainer.", a)
		return false, w.escalate(run, reason)
	}

	if err := engine.StepVoid(run, fmt.Sprintf("retry-%d", a), func(ctx context.Context) error {
		return run.Update(func(inst *api.WorkflowInstance) { inst.RetryCount = a })
	}); err != nil {
		return false, err
	}

	recovery, failed, err := callAgent(run, fmt.Sprintf("recover-%d", a), func(ctx context.Context) (Reasoning, error) {
		return w.agent.Recover(ctx, issue, failure)
	})
	if err != nil {
		return false, err
	}
	if failed != "" {
		id := fmt.Sprintf("error-recover-%d", a)
		return true, emit(run, id, api.ErrorDetails{Message: "Recovery failed: " + failed, StepID: id})
	}
	return true, streamReasoning(run, fmt.Sprintf("reasoning-recovery-%d", a), recovery, w.pacing.of(recovery.Think))
}

// verify runs the attempt's commands in order and returns the first one
// that failed, or nil.
func (w *Workflow) verify(run *engine.Run, attempt int, cmds []Command) (*Command, error) {
	for i, cmd := range cmds {
		id := fmt.Sprintf("verify-%d-%d", attempt, i+1)
		completed := api.RunCommandDetails{
			Command:  cmd.Command,
			Output:   cmd.Output,
			ExitCode: api.IntPtr(cmd.ExitCode),
			StepID:   id,
			Status:   api.ActivityCompleted,
		}
		if err := emitTool(run, id,
			api.RunCommandDetails{Command: cmd.Command, StepID: id, Status: api.ActivityStarted},
			completed, w.pacing.of(commandDuration), nil); err != nil {
			return nil, err
		}
		if !completed.Succeeded() {
			return &cmd, nil
		}
	}
	return nil, nil
}

func (w *Workflow) escalate(run *engine.Run, reason string) error {
	escalated := api.EscalatedDetails{Reason: reason, RetryCount: run.Instance().RetryCount, StepID: "escalate"}
	if err := emit(run, "escalate", escalated); err != nil {
		return err
	}
	if err := emit(run, "done-escalated", api.DoneDetails{
		Summary:  reason,
		StreamID: "done-escalated",
		Status:   api.ActivityCompleted,
	}); err != nil {
		return err
	}
	return setStatus(run, "status-escalated", api.StatusEscalated)
}

// setStatus moves the instance to a terminal status. It is always the last
// step of a run.
func setStatus(run *engine.Run, id string, status api.Status) error {
	return engine.StepVoid(run, id, func(ctx context.Context) error {
		return run.Update(func(inst *api.WorkflowInstance) {
			inst.Status = status
			if status == api.StatusResolved {
				inst.ResolvedAt = time.Now().UTC()
			}
		})
	})
}

// roundID suffixes id for the second and later resolution rounds.
func roundID(id string, round int) string {
	if round == 1 {
		return id
	}
	return fmt.Sprintf("%s-%d", id, round)
}

// resolve opens the pull request for attempt a and waits on CI. A green
// run is finalized; a red one is booked as a failed attempt, and resolve
// reports true when another remediation round should follow.
func (w *Workflow) resolve(run *engine.Run, issue Issue, a, round, limit int) (bool, error) {
	res, failed, err := callAgent(run, roundID("resolve", round), func(ctx context.Context) (Resolution, error) {
		return w.agent.Resolve(ctx, issue)
	})
	if err != nil {
		return false, err
	}
	if failed != "" {
		return false, w.fail(run, roundID("error-resolve", round), "Opening the pull request failed: "+failed,
			"Could not open a pull request; handing off to a maintainer.")
	}

	if err := streamReasoning(run, roundID("reasoning-final", round), res.Final, w.pacing.of(res.Final.Think)); err != nil {
		return false, err
	}

	pr := res.PullRequest
	prID := roundID("create-pr", round)
	if err := emitTool(run, prID,
		api.PRCreatedDetails{Title: pr.Title, StepID: prID, Status: api.ActivityStarted},
		api.PRCreatedDetails{Title: pr.Title, URL: pr.URL, Number: pr.Number, Branch: pr.Branch, StepID: prID, Status: api.ActivityCompleted},
		w.pacing.of(prDuration),
		func(ctx context.Context) error {
			return run.Update(func(inst *api.WorkflowInstance) {
				inst.PRURL = pr.URL
				inst.PRNumber = pr.Number
				inst.BranchName = pr.Branch
				inst.Status = api.StatusPROpen
			})
		}); err != nil {
		return false, err
	}

	ci := res.CI
	ciID := roundID("ci-check", round)
	if err := emitTool(run, ciID,
		api.CIStatusDetails{PRNumber: pr.Number, Status: api.CIPending, Phase: api.ActivityStarted, StepID: ciID},
		api.CIStatusDetails{
			PRNumber: pr.Number,
			Status:   ci.Status,
			Phase:    api.ActivityCompleted,
			Checks:   ci.Checks,
			Passed:   ci.Passed,
			Failed:   ci.Failed,
			StepID:   ciID,
		},
		w.pacing.of(ciDuration), nil); err != nil {
		return false, err
	}

	if ci.Status == api.CIFailed {
		id := fmt.Sprintf("error-ci-%d", a)
		failure := Failure{
			Attempt: a,
			Message: fmt.Sprintf("CI failed on PR #%d: %d of %d checks failed", pr.Number, ci.Failed, ci.Checks),
		}
		if err := emit(run, id, api.ErrorDetails{Message: failure.Message, StepID: id}); err != nil {
			return false, err
		}
		return w.retry(run, issue, failure, limit)
	}

	return false, w.conclude(run, issue, res)
}

// conclude drafts the comment and summary, records the final done and then
// either posts the comment (auto mode) or parks the instance for review.
func (w *Workflow) conclude(run *engine.Run, issue Issue, res Resolution) error {
	if err := run.Sleep("pause-before-summary", w.pacing.of(pauseShort)); err != nil {
		return err
	}

	if err := emit(run, "comment-drafted", api.CommentDraftedDetails{
		IssueComment: res.IssueComment,
		PRURL:        res.PullRequest.URL,
		StepID:       "comment-drafted",
	}); err != nil {
		return err
	}
	if err := emit(run, "fix-summary", api.FixSummaryDetails{Summary: res.FixSummary, StepID: "fix-summary"}); err != nil {
		return err
	}

	if err := w.finalize(run, res); err != nil {
		return err
	}

	if run.Repository().Mode == api.ModeAuto {
		if w.commenter != nil {
			return w.autoPost(run, issue, res.IssueComment)
		}
		w.logger.Warn("auto mode without a commenter; leaving instance for review",
			slog.String("instance_id", issue.ID),
			slog.String("repository_id", issue.Repository.ID))
	}
	return setStatus(run, "await-review", api.StatusAwaitingReview)
}

// finalize streams the summary and then records it.
func (w *Workflow) finalize(run *engine.Run, res Resolution) error {
	run.Publish(api.DoneDetails{StreamID: StreamDoneSummary, Status: api.ActivityStreaming})
	for _, partial := range chunks(run.Instance().ID+StreamDoneSummary, strings.Split(res.FixSummary, " "), " ", 0.6) {
		run.Publish(api.DoneDetails{Summary: partial, StreamID: StreamDoneSummary, Status: api.ActivityStreaming})
	}

	done := api.DoneDetails{Summary: res.FixSummary, StreamID: StreamDoneSummary, Status: api.ActivityCompleted}
	if err := engine.StepVoid(run, "finalize-issue", func(ctx context.Context) error {
		if err := run.Update(func(inst *api.WorkflowInstance) {
			inst.FixSummary = res.FixSummary
			inst.IssueComment = res.IssueComment
		}); err != nil {
			return err
		}
		return run.Append(done)
	}); err != nil {
		return err
	}
	run.Publish(done)
	return nil
}

// autoPost posts the drafted comment, records it and resolves the instance,
// each in its own step.
func (w *Workflow) autoPost(run *engine.Run, issue Issue, body string) error {
	url, err := engine.Step(run, StepAutoPost, func(ctx context.Context) (string, error) {
		return w.commenter.PostComment(ctx, issue.Repository, issue.Number, body)
	})
	if err != nil {
		return err
	}
	if err := emit(run, StepAutoPost, api.CommentPostedDetails{CommentURL: url, Body: body, StepID: StepAutoPost}); err != nil {
		return err
	}
	return setStatus(run, "status-resolved", api.StatusResolved)
}
