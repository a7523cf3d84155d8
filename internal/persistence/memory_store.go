package persistence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of Store backed
// by maps. Data does not survive the process, but it does survive an engine
// being discarded and rebuilt over the same store, which is how tests model a
// restart.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.WorkflowInstance
	activity  map[string][]api.ActivityRecord
	steps     map[checkpointKey][]byte
	wakes     map[checkpointKey]time.Time
}

type checkpointKey struct {
	instanceID string
	id         string
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.WorkflowInstance),
		activity:  make(map[string][]api.ActivityRecord),
		steps:     make(map[checkpointKey][]byte),
		wakes:     make(map[checkpointKey]time.Time),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrInstanceExists
	}
	cp := inst.Clone()
	cp.LeaseOwner = ""
	cp.LeaseExpiresAt = time.Time{}
	s.instances[inst.ID] = cp
	return nil
}

func (s *InMemoryStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}

	cp := inst.Clone()
	cp.LeaseOwner = existing.LeaseOwner
	cp.LeaseExpiresAt = existing.LeaseExpiresAt
	s.instances[inst.ID] = cp
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, inst := range s.instances {
		if filter.matches(inst) {
			result = append(result, inst.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *api.WorkflowInstance) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return false, ErrInstanceNotFound
	}

	now := time.Now()
	if inst.LeaseOwner != "" && inst.LeaseOwner != owner && now.Before(inst.LeaseExpiresAt) {
		return false, nil
	}
	inst.LeaseOwner = owner
	inst.LeaseExpiresAt = now.Add(ttl)
	return true, nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return nil
	}
	if inst.LeaseOwner == owner {
		inst.LeaseOwner = ""
		inst.LeaseExpiresAt = time.Time{}
	}
	return nil
}

func (s *InMemoryStore) AppendActivity(ctx context.Context, instanceID string, d api.Details) (api.ActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := api.ActivityRecord{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Type:       d.Topic(),
		Details:    d,
		CreatedAt:  time.Now().UTC(),
	}
	s.activity[instanceID] = append(s.activity[instanceID], rec)
	return rec, nil
}

func (s *InMemoryStore) ListActivity(ctx context.Context, instanceID string) ([]api.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.activity[instanceID]), nil
}

func (s *InMemoryStore) LoadStep(ctx context.Context, instanceID, stepID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.steps[checkpointKey{instanceID, stepID}]
	return slices.Clone(data), ok, nil
}

func (s *InMemoryStore) SaveStep(ctx context.Context, instanceID, stepID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := checkpointKey{instanceID, stepID}
	if _, ok := s.steps[key]; ok {
		return nil
	}
	s.steps[key] = slices.Clone(data)
	return nil
}

func (s *InMemoryStore) LoadWake(ctx context.Context, instanceID, sleepID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	at, ok := s.wakes[checkpointKey{instanceID, sleepID}]
	return at, ok, nil
}

func (s *InMemoryStore) SaveWake(ctx context.Context, instanceID, sleepID string, wakeAt time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := checkpointKey{instanceID, sleepID}
	if existing, ok := s.wakes[key]; ok {
		return existing, nil
	}
	s.wakes[key] = wakeAt
	return wakeAt, nil
}
