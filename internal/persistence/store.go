package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = api.ErrNotFound

	// ErrInstanceExists is returned by CreateInstance for a duplicate id.
	ErrInstanceExists = errors.New("instance already exists")
)

// InstanceFilter is used to select instances from the store.
// Empty string / zero status mean "no filter" for that field.
type InstanceFilter struct {
	RepositoryID string
	Status       api.Status
}

func (f InstanceFilter) matches(inst *api.WorkflowInstance) bool {
	if f.RepositoryID != "" && inst.RepositoryID != f.RepositoryID {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}

// InstanceStore handles storage of workflow instances.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	// UpdateInstance overwrites every field except the lease, which only the
	// lease methods change.
	UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on an instance.
	// If the instance is currently leased by another owner and the lease has not expired,
	// it returns acquired=false, err=nil.
	//
	// Implementations treat a lease owned by the same owner as re-entrant.
	TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (acquired bool, err error)
	// ReleaseLease releases a lease if it is owned by 'owner'. It is idempotent.
	ReleaseLease(ctx context.Context, instanceID, owner string) error
}

// ActivityStore is the append-only event log, keyed by instance.
type ActivityStore interface {
	// AppendActivity durably records d before returning.
	AppendActivity(ctx context.Context, instanceID string, d api.Details) (api.ActivityRecord, error)
	// ListActivity returns the instance's records, oldest first.
	ListActivity(ctx context.Context, instanceID string) ([]api.ActivityRecord, error)
}

// CheckpointStore memoizes step results and sleep wake times per instance.
// Both writes are first-write-wins.
type CheckpointStore interface {
	LoadStep(ctx context.Context, instanceID, stepID string) (data []byte, ok bool, err error)
	SaveStep(ctx context.Context, instanceID, stepID string, data []byte) error

	LoadWake(ctx context.Context, instanceID, sleepID string) (wakeAt time.Time, ok bool, err error)
	// SaveWake stores wakeAt unless a wake time already exists, and returns
	// the stored value.
	SaveWake(ctx context.Context, instanceID, sleepID string, wakeAt time.Time) (time.Time, error)
}

// Store is a backend that serves all three concerns.
type Store interface {
	InstanceStore
	ActivityStore
	CheckpointStore
}
