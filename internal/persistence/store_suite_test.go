package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// StoreSuite checks the Store contract. Each backend embeds it and sets
// store in SetupSuite or SetupTest.
type StoreSuite struct {
	suite.Suite
	store Store
	ctx   context.Context
}

func (s *StoreSuite) SetupSuite() {
	s.ctx = context.Background()
}

func (s *StoreSuite) newInstance(repo string) *api.WorkflowInstance {
	return &api.WorkflowInstance{
		ID:           uuid.NewString(),
		Workflow:     api.DefaultWorkflow,
		RepositoryID: repo,
		IssueNumber:  7,
		Title:        "TypeError when session expires",
		Status:       api.StatusAnalyzing,
		CreatedAt:    time.Now().UTC(),
	}
}

func (s *StoreSuite) TestCreateGetUpdate() {
	inst := s.newInstance("repo-" + uuid.NewString())
	s.Require().NoError(s.store.CreateInstance(s.ctx, inst))

	err := s.store.CreateInstance(s.ctx, inst)
	s.ErrorIs(err, ErrInstanceExists)

	got, err := s.store.GetInstance(s.ctx, inst.ID)
	s.Require().NoError(err)
	s.Equal(inst.Title, got.Title)
	s.Equal(api.StatusAnalyzing, got.Status)
	s.Nil(got.Triage)
	s.True(inst.CreatedAt.Equal(got.CreatedAt))

	got.Status = api.StatusFixing
	got.Triage = &api.TriageResult{Classification: api.ClassificationFixable, Reasoning: "null check"}
	got.PRURL = "https://github.com/owner/repo/pull/42"
	got.PRNumber = 42
	got.RetryCount = 1
	s.Require().NoError(s.store.UpdateInstance(s.ctx, got))

	again, err := s.store.GetInstance(s.ctx, inst.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusFixing, again.Status)
	s.Require().NotNil(again.Triage)
	s.Equal(api.ClassificationFixable, again.Triage.Classification)
	s.Equal(42, again.PRNumber)
	s.Equal(1, again.RetryCount)
}

func (s *StoreSuite) TestMissingInstance() {
	_, err := s.store.GetInstance(s.ctx, "missing-"+uuid.NewString())
	s.ErrorIs(err, ErrInstanceNotFound)
	s.True(errors.Is(err, api.ErrNotFound))

	inst := s.newInstance("repo")
	s.ErrorIs(s.store.UpdateInstance(s.ctx, inst), ErrInstanceNotFound)
}

func (s *StoreSuite) TestListInstancesFilters() {
	repo := "repo-" + uuid.NewString()
	a := s.newInstance(repo)
	b := s.newInstance(repo)
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	b.Status = api.StatusAwaitingReview
	other := s.newInstance("repo-" + uuid.NewString())

	for _, inst := range []*api.WorkflowInstance{b, a, other} {
		s.Require().NoError(s.store.CreateInstance(s.ctx, inst))
	}

	byRepo, err := s.store.ListInstances(s.ctx, InstanceFilter{RepositoryID: repo})
	s.Require().NoError(err)
	s.Require().Len(byRepo, 2)
	s.Equal(a.ID, byRepo[0].ID)
	s.Equal(b.ID, byRepo[1].ID)

	active, err := s.store.ListInstances(s.ctx, InstanceFilter{RepositoryID: repo, Status: api.StatusAnalyzing})
	s.Require().NoError(err)
	s.Require().Len(active, 1)
	s.Equal(a.ID, active[0].ID)

	// Status changes move the instance between filters.
	a.Status = api.StatusAwaitingReview
	s.Require().NoError(s.store.UpdateInstance(s.ctx, a))
	review, err := s.store.ListInstances(s.ctx, InstanceFilter{RepositoryID: repo, Status: api.StatusAwaitingReview})
	s.Require().NoError(err)
	s.Len(review, 2)
}

func (s *StoreSuite) TestLease() {
	inst := s.newInstance("repo")
	s.Require().NoError(s.store.CreateInstance(s.ctx, inst))

	ok, err := s.store.TryAcquireLease(s.ctx, inst.ID, "w1", time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.TryAcquireLease(s.ctx, inst.ID, "w2", time.Minute)
	s.Require().NoError(err)
	s.False(ok, "second owner must not acquire an active lease")

	ok, err = s.store.TryAcquireLease(s.ctx, inst.ID, "w1", time.Minute)
	s.Require().NoError(err)
	s.True(ok, "lease is re-entrant for its owner")

	got, err := s.store.GetInstance(s.ctx, inst.ID)
	s.Require().NoError(err)
	s.Equal("w1", got.LeaseOwner)

	// UpdateInstance leaves the lease alone.
	got.LeaseOwner = ""
	s.Require().NoError(s.store.UpdateInstance(s.ctx, got))
	ok, err = s.store.TryAcquireLease(s.ctx, inst.ID, "w2", time.Minute)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.store.ReleaseLease(s.ctx, inst.ID, "w2"))
	ok, err = s.store.TryAcquireLease(s.ctx, inst.ID, "w2", time.Minute)
	s.Require().NoError(err)
	s.False(ok, "release by a non-owner is a no-op")

	s.Require().NoError(s.store.ReleaseLease(s.ctx, inst.ID, "w1"))
	ok, err = s.store.TryAcquireLease(s.ctx, inst.ID, "w2", time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	_, err = s.store.TryAcquireLease(s.ctx, "missing-"+uuid.NewString(), "w1", time.Minute)
	s.ErrorIs(err, ErrInstanceNotFound)
}

func (s *StoreSuite) TestLeaseExpires() {
	inst := s.newInstance("repo")
	s.Require().NoError(s.store.CreateInstance(s.ctx, inst))

	ok, err := s.store.TryAcquireLease(s.ctx, inst.ID, "w1", 50*time.Millisecond)
	s.Require().NoError(err)
	s.True(ok)

	time.Sleep(120 * time.Millisecond)

	ok, err = s.store.TryAcquireLease(s.ctx, inst.ID, "w2", time.Minute)
	s.Require().NoError(err)
	s.True(ok, "expired lease can be taken over")
}

func (s *StoreSuite) TestActivityIsOrderedAndTyped() {
	id := uuid.NewString()
	_, err := s.store.AppendActivity(s.ctx, id, api.TriageDetails{
		Classification: api.ClassificationFixable,
		Reasoning:      "missing null check",
	})
	s.Require().NoError(err)
	_, err = s.store.AppendActivity(s.ctx, id, api.RunCommandDetails{
		Command:  "pnpm typecheck",
		ExitCode: api.IntPtr(1),
		StepID:   "verify-1-1",
		Status:   api.ActivityCompleted,
	})
	s.Require().NoError(err)
	rec, err := s.store.AppendActivity(s.ctx, id, api.DoneDetails{Summary: "done", StreamID: "done-summary"})
	s.Require().NoError(err)
	s.NotEmpty(rec.ID)
	s.Equal(api.TopicDone, rec.Type)

	list, err := s.store.ListActivity(s.ctx, id)
	s.Require().NoError(err)
	s.Require().Len(list, 3)
	s.Equal(api.TopicTriage, list[0].Type)
	s.Equal(api.TopicRunCommand, list[1].Type)
	s.Equal(api.TopicDone, list[2].Type)
	s.Equal(rec.ID, list[2].ID)

	cmd, ok := list[1].Details.(api.RunCommandDetails)
	s.Require().True(ok, "got %T", list[1].Details)
	s.False(cmd.Succeeded())
	s.Equal("verify-1-1", list[1].Details.Correlation())

	empty, err := s.store.ListActivity(s.ctx, "none-"+uuid.NewString())
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *StoreSuite) TestStepCheckpointFirstWriteWins() {
	id := uuid.NewString()

	_, ok, err := s.store.LoadStep(s.ctx, id, "triage")
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.store.SaveStep(s.ctx, id, "triage", []byte("first")))
	s.Require().NoError(s.store.SaveStep(s.ctx, id, "triage", []byte("second")))

	data, ok, err := s.store.LoadStep(s.ctx, id, "triage")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal([]byte("first"), data)
}

func (s *StoreSuite) TestWakeFirstWriteWins() {
	id := uuid.NewString()
	first := time.Now().Add(time.Hour).UTC()

	_, ok, err := s.store.LoadWake(s.ctx, id, "pause-after-triage")
	s.Require().NoError(err)
	s.False(ok)

	stored, err := s.store.SaveWake(s.ctx, id, "pause-after-triage", first)
	s.Require().NoError(err)
	s.True(first.Equal(stored))

	stored, err = s.store.SaveWake(s.ctx, id, "pause-after-triage", first.Add(time.Hour))
	s.Require().NoError(err)
	s.True(first.Equal(stored), "second save must return the original wake time")

	loaded, ok, err := s.store.LoadWake(s.ctx, id, "pause-after-triage")
	s.Require().NoError(err)
	s.True(ok)
	s.True(first.Equal(loaded))
}
