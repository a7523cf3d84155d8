package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// ApproveAndPostStepID correlates the comment_posted record written by
// ApproveAndPost.
const ApproveAndPostStepID = "approve-and-post"

func (e *Engine) Approve(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	var out *api.WorkflowInstance
	err := e.withLease(ctx, id, func(inst *api.WorkflowInstance) error {
		if inst.Status != api.StatusAwaitingReview {
			return fmt.Errorf("approve %s from %s: %w", id, inst.Status, api.ErrInvalidTransition)
		}
		next, err := e.resolve(ctx, inst, nil)
		out = next
		return err
	})
	return out, err
}

func (e *Engine) ApproveAndPost(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	var out *api.WorkflowInstance
	err := e.withLease(ctx, id, func(inst *api.WorkflowInstance) error {
		if inst.Status != api.StatusAwaitingReview {
			return fmt.Errorf("approve %s from %s: %w", id, inst.Status, api.ErrInvalidTransition)
		}

		draft, err := e.lastDraft(ctx, id)
		if err != nil {
			return err
		}
		if e.commenter == nil {
			return errors.New("no commenter configured")
		}

		// A previous call that recorded its post but failed to resolve only
		// needs the resolve.
		_, posted, err := e.postedComment(ctx, id)
		if err != nil {
			return err
		}
		if !posted {
			if err := e.postDraft(ctx, inst, draft); err != nil {
				return err
			}
		}

		next, err := e.resolve(ctx, inst, func(w *api.WorkflowInstance) {
			w.IssueComment = draft.IssueComment
		})
		out = next
		return err
	})
	return out, err
}

// withLease runs fn on a fresh read of the instance while holding its lease.
func (e *Engine) withLease(ctx context.Context, id string, fn func(*api.WorkflowInstance) error) error {
	if _, err := e.GetInstance(ctx, id); err != nil {
		return err
	}

	owner := e.owner + "/" + uuid.NewString()
	ok, err := e.instances.TryAcquireLease(ctx, id, owner, e.leaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("instance %s: %w", id, api.ErrLeaseHeld)
	}
	defer func() {
		if err := e.instances.ReleaseLease(context.WithoutCancel(ctx), id, owner); err != nil {
			e.logger.Warn("release lease failed", slog.String("instance_id", id), slog.Any("error", err))
		}
	}()

	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	return fn(inst)
}

func (e *Engine) postDraft(ctx context.Context, inst *api.WorkflowInstance, draft api.CommentDraftedDetails) error {
	repo, err := e.repos.GetRepository(ctx, inst.RepositoryID)
	if err != nil {
		return err
	}
	commentURL, err := e.commenter.PostComment(ctx, repo, inst.IssueNumber, draft.IssueComment)
	if err != nil {
		return fmt.Errorf("post comment for %s: %w", inst.ID, err)
	}

	posted := api.CommentPostedDetails{
		CommentURL: commentURL,
		Body:       draft.IssueComment,
		StepID:     ApproveAndPostStepID,
	}
	if _, err := e.activity.AppendActivity(ctx, inst.ID, posted); err != nil {
		return fmt.Errorf("append %s: %w", posted.Topic(), err)
	}
	if err := e.broker.Publish(ctx, api.NewStreamMessage(inst.ID, posted)); err != nil {
		e.logger.Warn("publish failed", slog.String("instance_id", inst.ID), slog.Any("error", err))
	}
	return nil
}

// postedComment returns the comment_posted record an earlier ApproveAndPost
// wrote, if any.
func (e *Engine) postedComment(ctx context.Context, id string) (api.CommentPostedDetails, bool, error) {
	records, err := e.activity.ListActivity(ctx, id)
	if err != nil {
		return api.CommentPostedDetails{}, false, err
	}
	for _, r := range records {
		switch d := r.Details.(type) {
		case api.CommentPostedDetails:
			if d.StepID == ApproveAndPostStepID {
				return d, true, nil
			}
		case *api.CommentPostedDetails:
			if d.StepID == ApproveAndPostStepID {
				return *d, true, nil
			}
		}
	}
	return api.CommentPostedDetails{}, false, nil
}

// lastDraft returns the most recent comment_drafted record for the instance.
func (e *Engine) lastDraft(ctx context.Context, id string) (api.CommentDraftedDetails, error) {
	records, err := e.activity.ListActivity(ctx, id)
	if err != nil {
		return api.CommentDraftedDetails{}, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		switch d := records[i].Details.(type) {
		case api.CommentDraftedDetails:
			return d, nil
		case *api.CommentDraftedDetails:
			return *d, nil
		}
	}
	return api.CommentDraftedDetails{}, fmt.Errorf("instance %s: %w", id, api.ErrNoDraftAvailable)
}

func (e *Engine) resolve(ctx context.Context, inst *api.WorkflowInstance, fn func(*api.WorkflowInstance)) (*api.WorkflowInstance, error) {
	next := inst.Clone()
	if fn != nil {
		fn(next)
	}
	now := time.Now().UTC()
	next.Status = api.StatusResolved
	next.ResolvedAt = now
	next.UpdatedAt = now
	if err := e.instances.UpdateInstance(ctx, next); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", inst.ID, err)
	}
	return next, nil
}
