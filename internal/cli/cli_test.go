package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func useSQLite(t *testing.T) {
	t.Helper()
	t.Setenv("GITFIX_STORE_DRIVER", "sqlite")
	t.Setenv("GITFIX_STORE_DSN", "file:"+filepath.Join(t.TempDir(), "gitfix.db"))
	t.Setenv("GITFIX_LOG_LEVEL", "error")
}

type triggerOutput struct {
	Instance api.WorkflowInstance `json:"instance"`
	Timeline []struct {
		Topic         api.Topic `json:"topic"`
		CorrelationID string    `json:"correlationId"`
	} `json:"timeline"`
}

func trigger(t *testing.T, extra ...string) triggerOutput {
	t.Helper()
	args := append([]string{"trigger", "--no-pacing", "--format", "json", "--title", "TypeError when session expires"}, extra...)
	out, err := runCLI(t, args...)
	require.NoError(t, err)
	var res triggerOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	return res
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "trigger", "activity", "approve", "token"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	for _, flag := range []string{"config", "format", "log-level", "log-format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
	assert.Equal(t, "text", cmd.PersistentFlags().Lookup("format").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := runCLI(t, "activity", "x", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTrigger_InMemory(t *testing.T) {
	t.Setenv("GITFIX_LOG_LEVEL", "error")
	res := trigger(t)

	assert.Equal(t, api.StatusAwaitingReview, res.Instance.Status)
	assert.NotEmpty(t, res.Instance.PRURL)
	require.NotEmpty(t, res.Timeline)
	assert.Equal(t, api.TopicTriage, res.Timeline[0].Topic)
	assert.Equal(t, api.TopicDone, res.Timeline[len(res.Timeline)-1].Topic)
}

func TestTrigger_TextOutput(t *testing.T) {
	t.Setenv("GITFIX_LOG_LEVEL", "error")
	out, err := runCLI(t, "trigger", "--no-pacing", "--title", "TypeError when session expires")
	require.NoError(t, err)
	assert.Contains(t, out, "Triage")
	assert.Contains(t, out, "Pr Created")
	assert.Contains(t, out, "Status    Awaiting Review")
}

func TestTrigger_FollowPrintsFeedBeforeSummary(t *testing.T) {
	t.Setenv("GITFIX_LOG_LEVEL", "error")
	out, err := runCLI(t, "trigger", "--no-pacing", "--follow", "--title", "TypeError when session expires")
	require.NoError(t, err)

	summary := strings.Index(out, "Issue     ")
	require.Positive(t, summary)
	feed := out[:summary]
	assert.Contains(t, feed, "Triage")
	assert.Contains(t, feed, "Pr Created")
	assert.Contains(t, feed, "Done")
	assert.NotContains(t, out[summary:], "Pr Created")
	assert.Contains(t, out[summary:], "Status    Awaiting Review")
}

func TestApproveAndActivity_SQLite(t *testing.T) {
	useSQLite(t)
	res := trigger(t)
	id := res.Instance.ID

	out, err := runCLI(t, "approve", id, "--post", "--format", "json")
	require.NoError(t, err)
	var inst api.WorkflowInstance
	require.NoError(t, json.Unmarshal([]byte(out), &inst))
	assert.Equal(t, api.StatusResolved, inst.Status)

	_, err = runCLI(t, "approve", id)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrInvalidTransition)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err = runCLI(t, "activity", id, "--format", "json")
	require.NoError(t, err)
	var entries []struct {
		Topic api.Topic `json:"topic"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.NotEmpty(t, entries)
	assert.Equal(t, api.TopicCommentPosted, entries[len(entries)-1].Topic)
}

func TestToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gitfix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: sqlite
  dsn: file:`+filepath.Join(t.TempDir(), "gitfix.db")+`
token:
  secret: test-secret
log:
  level: error
repositories:
  - id: repo-1
    fullName: acme/web
    organizationId: org-1
`), 0o600))

	res := trigger(t, "--config", path, "--repo", "repo-1")

	out, err := runCLI(t, "token", res.Instance.ID, "--config", path, "--user", "u-1", "--org", "org-1", "--topics", "done,error", "--format", "json")
	require.NoError(t, err)
	var tok struct {
		Value   string      `json:"token"`
		Channel string      `json:"channel"`
		Topics  []api.Topic `json:"topics"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &tok))
	assert.NotEmpty(t, tok.Value)
	assert.Equal(t, api.ChannelFor(res.Instance.ID), tok.Channel)
	assert.Equal(t, []api.Topic{api.TopicDone, api.TopicError}, tok.Topics)

	_, err = runCLI(t, "token", res.Instance.ID, "--config", path, "--user", "u-1", "--org", "org-2")
	assert.ErrorIs(t, err, api.ErrUnauthorized)

	_, err = runCLI(t, "token", res.Instance.ID, "--config", path, "--user", "u-1", "--org", "org-1", "--topics", "gossip")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Awaiting Review", label("awaiting_review"))
	assert.Equal(t, "Pr Created", label("pr_created"))
}
