package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorenzkrinner/gitfix/internal/stream"
	"github.com/lorenzkrinner/gitfix/internal/token"
	"github.com/lorenzkrinner/gitfix/pkg/api"
)

func (f *fixture) issueToken(t *testing.T, id string, topics ...string) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/issues/"+id+"/token", "org-1", TokenRequest{Topics: topics})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[token.Token](t, resp).Value
}

func (f *fixture) waitSubscribed(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.broker.Subscribers(api.ChannelFor(id)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func (f *fixture) publish(t *testing.T, id string, d api.Details) {
	t.Helper()
	require.NoError(t, f.broker.Publish(context.Background(), api.NewStreamMessage(id, d)))
}

func TestSSE(t *testing.T) {
	f := newFixture(t)
	inst := f.createIssue(t)
	tok := f.issueToken(t, inst.ID, "done")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/realtime/sse?token="+tok, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	f.waitSubscribed(t, inst.ID)
	f.publish(t, inst.ID, api.FixSummaryDetails{Summary: "filtered out", StepID: "fix-summary"})
	f.publish(t, inst.ID, api.DoneDetails{Summary: "All checks pass.", StreamID: "done-summary", Status: api.ActivityCompleted})

	r := bufio.NewReader(resp.Body)
	var event, data string
	for data == "" {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	assert.Equal(t, string(api.TopicDone), event)

	var msg api.StreamMessage
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, "done-summary", msg.CorrelationID)
	assert.Equal(t, api.DoneDetails{Summary: "All checks pass.", StreamID: "done-summary", Status: api.ActivityCompleted}, msg.Data)

	cancel()
	require.Eventually(t, func() bool {
		return f.broker.Subscribers(api.ChannelFor(inst.ID)) == 0
	}, 2*time.Second, 5*time.Millisecond, "closing the request ends the subscription")
}

func TestSSE_RejectsBadToken(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/realtime/sse?token=garbage", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func wsURL(f *fixture, query string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/realtime/ws?" + query
}

func TestWebSocket(t *testing.T) {
	for _, encoding := range []string{EncodingJSON, EncodingMsgpack} {
		t.Run(encoding, func(t *testing.T) {
			f := newFixture(t)
			inst := f.createIssue(t)
			tok := f.issueToken(t, inst.ID)

			ctx := context.Background()
			conn, _, _, err := ws.Dial(ctx, wsURL(f, "token="+tok+"&encoding="+encoding))
			require.NoError(t, err)
			defer conn.Close()

			f.waitSubscribed(t, inst.ID)
			want := api.PRCreatedDetails{
				URL:    "https://github.com/acme/web/pull/42",
				Number: 42,
				Branch: "gitfix/issue-7",
				StepID: "create-pr",
			}
			f.publish(t, inst.ID, want)

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			data, op, err := wsutil.ReadServerData(conn)
			require.NoError(t, err)

			var msg api.StreamMessage
			if encoding == EncodingMsgpack {
				assert.Equal(t, ws.OpBinary, op)
				msg, err = stream.UnmarshalMsgpack(data)
				require.NoError(t, err)
			} else {
				assert.Equal(t, ws.OpText, op)
				require.NoError(t, json.Unmarshal(data, &msg))
			}
			assert.Equal(t, api.TopicPRCreated, msg.Topic)
			assert.Equal(t, "create-pr", msg.CorrelationID)
			assert.Equal(t, want, msg.Data)

			require.NoError(t, conn.Close())
			require.Eventually(t, func() bool {
				return f.broker.Subscribers(api.ChannelFor(inst.ID)) == 0
			}, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestWebSocket_BadEncoding(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/realtime/ws?token=x&encoding=xml", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
