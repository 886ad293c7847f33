package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickB03/vana/broadcast"
	"github.com/NickB03/vana/core"
)

// sseFrame is one parsed text/event-stream frame.
type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrames parses n frames off the stream, failing on timeout via the
// request context the caller controls.
func readFrames(t *testing.T, r *bufio.Reader, n int) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	for len(frames) < n {
		line, err := r.ReadString('\n')
		require.NoError(t, err, "stream ended early after %d frames", len(frames))
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			frames = append(frames, cur)
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func openStream(t *testing.T, url string, header map[string]string) (*bufio.Reader, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	return bufio.NewReader(resp.Body), func() {
		cancel()
		resp.Body.Close()
	}
}

func publishN(t *testing.T, bcast *broadcast.Broadcaster, sid string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := bcast.Publish(context.Background(), sid, core.EventAgentProgress,
			core.AgentProgressPayload{AgentName: "a", Message: "m"})
		require.NoError(t, err)
	}
}

func TestStream_GreetingAndLiveDelivery(t *testing.T) {
	env := newTestEnv(t)
	sid := env.createSession(t)

	r, done := openStream(t, env.srv.URL+"/sessions/"+sid+"/events", nil)
	defer done()

	greeting := readFrames(t, r, 1)[0]
	assert.Equal(t, "connection", greeting.event)
	assert.Empty(t, greeting.id, "transient frames carry no id")
	assert.Contains(t, greeting.data, "connected")

	// The subscriber is attached before the handler replays, so events
	// published now arrive live.
	publishN(t, env.bcast, sid, 2)
	frames := readFrames(t, r, 2)
	assert.Equal(t, "1", frames[0].id)
	assert.Equal(t, "agent_progress", frames[0].event)
	assert.Equal(t, "2", frames[1].id)
}

func TestStream_ReplayFromCursor(t *testing.T) {
	env := newTestEnv(t)
	sid := env.createSession(t)
	publishN(t, env.bcast, sid, 4)

	r, done := openStream(t, env.srv.URL+"/sessions/"+sid+"/events?cursor=2", nil)
	defer done()

	frames := readFrames(t, r, 3)
	assert.Equal(t, "connection", frames[0].event)
	assert.Equal(t, "3", frames[1].id)
	assert.Equal(t, "4", frames[2].id)
}

func TestStream_ReconnectWithLastEventID(t *testing.T) {
	env := newTestEnv(t)
	sid := env.createSession(t)
	publishN(t, env.bcast, sid, 3)

	// First connection sees everything.
	r, done := openStream(t, env.srv.URL+"/sessions/"+sid+"/events?cursor=0", nil)
	frames := readFrames(t, r, 4)
	lastID := frames[3].id
	assert.Equal(t, "3", lastID)
	done()

	publishN(t, env.bcast, sid, 2)

	// Reconnect resumes exactly after the acknowledged cursor: no events
	// lost, none duplicated.
	r, done = openStream(t, env.srv.URL+"/sessions/"+sid+"/events", map[string]string{
		"Last-Event-ID": lastID,
	})
	defer done()
	frames = readFrames(t, r, 3)
	assert.Equal(t, "connection", frames[0].event)
	assert.Equal(t, "4", frames[1].id)
	assert.Equal(t, "5", frames[2].id)
}

func TestStream_TruncatedReplayEndsCleanly(t *testing.T) {
	env := newTestEnv(t, func(o *broadcast.Options) {
		o.MaxReplay = 2
	})
	sid := env.createSession(t)
	publishN(t, env.bcast, sid, 5)

	r, done := openStream(t, env.srv.URL+"/sessions/"+sid+"/events?cursor=0", nil)
	defer done()

	frames := readFrames(t, r, 3)
	assert.Equal(t, "1", frames[1].id)
	assert.Equal(t, "2", frames[2].id)

	// The stream ends after the bounded replay; the client reconnects with
	// its advanced cursor.
	_, err := r.ReadString('\n')
	assert.Error(t, err)
}

func TestStream_CursorPastTail(t *testing.T) {
	env := newTestEnv(t)
	sid := env.createSession(t)
	publishN(t, env.bcast, sid, 1)

	r, done := openStream(t, env.srv.URL+"/sessions/"+sid+"/events?cursor=42", nil)
	defer done()

	frame := readFrames(t, r, 1)[0]
	assert.Equal(t, "pipeline_error", frame.event)
	assert.Empty(t, frame.id)

	var payload core.PipelineErrorPayload
	require.NoError(t, json.Unmarshal([]byte(frame.data), &payload))
	assert.Equal(t, "invalid_cursor", payload.ErrorCode)
}

func TestStream_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	sid := env.createSession(t)

	resp, err := http.Get(env.srv.URL + "/sessions/" + sid + "/events?cursor=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/sessions/missing/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStream_ExpiredSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	sid := env.createSession(t)
	_, err := env.store.Update(context.Background(), sid, func(s *core.Session) error {
		s.State = core.SessionExpired
		return nil
	})
	require.NoError(t, err)

	resp, err := http.Get(env.srv.URL + "/sessions/" + sid + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "session_expired", body.ErrorCode)
}
