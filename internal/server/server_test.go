package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorenzkrinner/gitfix/internal/engine"
	"github.com/lorenzkrinner/gitfix/internal/stream"
	"github.com/lorenzkrinner/gitfix/internal/token"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

type stubCommenter struct{}

func (stubCommenter) PostComment(ctx context.Context, repo api.Repository, issueNumber int, body string) (string, error) {
	return fmt.Sprintf("https://github.com/%s/issues/%d#issuecomment-1", repo.FullName, issueNumber), nil
}

type fixture struct {
	eng    *engine.Engine
	broker *stream.MemoryBroker
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repos := api.StaticRepositories{
		"repo-1": {ID: "repo-1", FullName: "acme/web", OrganizationID: "org-1", Mode: api.ModeApproval},
		"repo-2": {ID: "repo-2", FullName: "other/api", OrganizationID: "org-2", Mode: api.ModeApproval},
	}
	broker := stream.NewMemoryBroker(64)
	eng := engine.New(engine.Config{
		Broker:       broker,
		Repositories: repos,
		Commenter:    stubCommenter{},
	})
	// Drafts a comment and parks for review.
	require.NoError(t, eng.RegisterWorkflow(api.DefaultWorkflow, func(ctx context.Context, run *engine.Run) error {
		return engine.StepVoid(run, "finalize", func(ctx context.Context) error {
			d := api.CommentDraftedDetails{IssueComment: "Fixed.", PRURL: "https://github.com/acme/web/pull/1", StepID: "comment-drafted"}
			if err := run.Append(d); err != nil {
				return err
			}
			run.Publish(d)
			return run.Update(func(w *api.WorkflowInstance) { w.Status = api.StatusAwaitingReview })
		})
	}))

	tokens, err := token.NewService(eng, repos, token.Config{Secret: []byte("test-secret")})
	require.NoError(t, err)
	s, err := New(Config{Engine: eng, Tokens: tokens, Repositories: repos})
	require.NoError(t, err)

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &fixture{eng: eng, broker: broker, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, org string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if org != "" {
		req.Header.Set(HeaderUserID, "user-1")
		req.Header.Set(HeaderOrgID, org)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) createIssue(t *testing.T) *api.WorkflowInstance {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/issues", "org-1", CreateIssueRequest{
		RepositoryID: "repo-1",
		IssueNumber:  7,
		Title:        "TypeError when session expires",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[*api.WorkflowInstance](t, resp)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateIssue(t *testing.T) {
	f := newFixture(t)
	inst := f.createIssue(t)
	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, api.StatusAnalyzing, inst.Status)

	assert.Equal(t, 1, f.eng.Queue().Len(), "creation enqueues a run")

	resp := f.do(t, http.MethodPost, "/api/issues", "org-1", CreateIssueRequest{RepositoryID: "repo-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/issues", "org-1", CreateIssueRequest{RepositoryID: "repo-2", Title: "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/issues", "", CreateIssueRequest{RepositoryID: "repo-1", Title: "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	inst := f.createIssue(t)

	resp := f.do(t, http.MethodGet, "/api/issues/"+inst.ID, "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, inst.ID, decode[*api.WorkflowInstance](t, resp).ID)

	resp = f.do(t, http.MethodGet, "/api/issues/"+inst.ID, "org-2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/issues/missing", "org-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/issues?repositoryId=repo-1&status=analyzing", "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]*api.WorkflowInstance](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/api/issues?repositoryId=repo-1&status=resolved", "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]*api.WorkflowInstance](t, resp))
}

func TestApproveFlow(t *testing.T) {
	f := newFixture(t)
	inst := f.createIssue(t)

	resp := f.do(t, http.MethodPost, "/api/issues/"+inst.ID+"/approve-and-post", "org-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "not awaiting review yet")

	_, err := f.eng.Execute(context.Background(), inst.ID)
	require.NoError(t, err)

	resp = f.do(t, http.MethodGet, "/api/issues/"+inst.ID+"/activity", "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recs := decode[[]api.ActivityRecord](t, resp)
	require.Len(t, recs, 1)
	assert.Equal(t, api.TopicCommentDrafted, recs[0].Type)

	resp = f.do(t, http.MethodPost, "/api/issues/"+inst.ID+"/approve-and-post", "org-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[*api.WorkflowInstance](t, resp)
	assert.Equal(t, api.StatusResolved, got.Status)

	resp = f.do(t, http.MethodPost, "/api/issues/"+inst.ID+"/approve", "org-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTokenEndpoint(t *testing.T) {
	f := newFixture(t)
	inst := f.createIssue(t)

	resp := f.do(t, http.MethodPost, "/api/issues/"+inst.ID+"/token", "org-1", TokenRequest{Topics: []string{"done"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tok := decode[token.Token](t, resp)
	assert.NotEmpty(t, tok.Value)
	assert.Equal(t, api.ChannelFor(inst.ID), tok.Channel)
	assert.Equal(t, []api.Topic{api.TopicDone}, tok.Topics)

	resp = f.do(t, http.MethodPost, "/api/issues/"+inst.ID+"/token", "org-2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/issues/missing/token", "org-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/issues/"+inst.ID+"/token", "org-1", TokenRequest{Topics: []string{"gossip"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The default burst is five per user.
	var last int
	for range 10 {
		last = f.do(t, http.MethodPost, "/api/issues/"+inst.ID+"/token", "org-1", nil).StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		api.ErrNotFound:          http.StatusNotFound,
		api.ErrUnauthorized:      http.StatusForbidden,
		api.ErrNoDraftAvailable:  http.StatusConflict,
		api.ErrInvalidTransition: http.StatusConflict,
		api.ErrRateLimited:       http.StatusTooManyRequests,
		api.StorageError("get instance", errors.New("x")): http.StatusServiceUnavailable,
		errors.New("boom"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}
