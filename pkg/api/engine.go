package api

import (
	"context"
	"fmt"
)

// DefaultWorkflow is the workflow new instances run unless they name another.
const DefaultWorkflow = "triage-and-fix"

// Engine is the high-level engine API.
type Engine interface {
	// CreateInstance stores a new instance in status analyzing. Callers
	// create the row before calling Enqueue.
	CreateInstance(ctx context.Context, inst *WorkflowInstance) error

	// Enqueue schedules a run of the instance's workflow on the task queue.
	// It must be called at most once per instance.
	Enqueue(ctx context.Context, id string) error

	// Execute replays the instance's workflow in the calling goroutine until
	// it finishes or suspends on a long sleep.
	Execute(ctx context.Context, id string) (*WorkflowInstance, error)

	// Approve moves an awaiting_review instance to resolved without posting.
	Approve(ctx context.Context, id string) (*WorkflowInstance, error)

	// ApproveAndPost posts the drafted comment, records comment_posted and
	// moves the instance to resolved.
	ApproveAndPost(ctx context.Context, id string) (*WorkflowInstance, error)

	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// ListActivity returns the durable snapshot, oldest first.
	ListActivity(ctx context.Context, id string) ([]ActivityRecord, error)

	// Subscribe opens a live sequence of the instance's stream messages. It
	// carries no history; callers reconcile against ListActivity.
	Subscribe(ctx context.Context, id string, topics []Topic) (Subscription, error)
}

// Repositories resolves repository configuration by id.
type Repositories interface {
	GetRepository(ctx context.Context, id string) (Repository, error)
}

// StaticRepositories is a Repositories backed by a fixed map.
type StaticRepositories map[string]Repository

func (s StaticRepositories) GetRepository(ctx context.Context, id string) (Repository, error) {
	repo, ok := s[id]
	if !ok {
		return Repository{}, fmt.Errorf("repository %q: %w", id, ErrNotFound)
	}
	return repo, nil
}

// Commenter posts an issue comment on behalf of the app. It returns the
// comment's URL.
type Commenter interface {
	PostComment(ctx context.Context, repo Repository, issueNumber int, body string) (string, error)
}
