package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dverbeek/synthd/pkg/models"
)

type sseFrame struct {
	id    string
	event string
	data  string
}

// readFrames consumes the stream until count frames arrive or the deadline
// passes. Comment lines (pings) are skipped.
func readFrames(t *testing.T, body *bufio.Reader, count int) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				errs <- err
				return
			}
			lines <- strings.TrimRight(line, "\n")
		}
	}()
	for len(frames) < count {
		select {
		case <-deadline:
			t.Fatalf("timed out after %d/%d frames", len(frames), count)
		case err := <-errs:
			t.Fatalf("stream ended after %d/%d frames: %v", len(frames), count, err)
		case line := <-lines:
			switch {
			case line == "":
				if cur.event != "" || cur.data != "" {
					frames = append(frames, cur)
					cur = sseFrame{}
				}
			case strings.HasPrefix(line, ":"):
				// ping
			case strings.HasPrefix(line, "id: "):
				cur.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}
	return frames
}

type sseEnv struct {
	*apiEnv
	server *httptest.Server
}

func newSSEEnv(t *testing.T) *sseEnv {
	t.Helper()
	env := newAPIEnv(t)
	server := httptest.NewServer(env.router)
	t.Cleanup(server.Close)
	return &sseEnv{apiEnv: env, server: server}
}

func openStream(t *testing.T, env *sseEnv, jobID, query string) (*bufio.Reader, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.server.URL+"/v1/jobs/"+jobID+"/events"+query, nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body), func() {
		cancel()
		resp.Body.Close()
	}
}

func TestStreamSnapshotAndReplay(t *testing.T) {
	env := newSSEEnv(t)
	jobID := submitJob(t, env.apiEnv, "alice")

	body, done := openStream(t, env, jobID, "")
	defer done()

	// Snapshot first, then the queued state event recorded at submit time.
	frames := readFrames(t, body, 2)
	assert.Equal(t, "snapshot", frames[0].event)
	assert.Contains(t, frames[0].data, jobID)
	assert.Equal(t, "state", frames[1].event)
	assert.Contains(t, frames[1].data, "queued")
	assert.NotEmpty(t, frames[1].id)
}

func TestStreamResumeSkipsDelivered(t *testing.T) {
	env := newSSEEnv(t)
	jobID := submitJob(t, env.apiEnv, "alice")

	// Everything before the cursor must be skipped on reconnect.
	cursor, err := env.store.InsertJobEvent(jobID, models.EventLog, map[string]string{"message": "first"})
	require.NoError(t, err)
	_, err = env.store.InsertJobEvent(jobID, models.EventLog, map[string]string{"message": "second"})
	require.NoError(t, err)

	body, done := openStream(t, env, jobID, "?after="+strconv.FormatInt(cursor, 10))
	defer done()

	frames := readFrames(t, body, 2)
	assert.Equal(t, "snapshot", frames[0].event)
	assert.Contains(t, frames[1].data, "second")
	assert.NotContains(t, frames[1].data, "first")
}

func TestStreamReplaysBacklogLargerThanOnePage(t *testing.T) {
	old := sseReplayPage
	sseReplayPage = 3
	t.Cleanup(func() { sseReplayPage = old })

	env := newSSEEnv(t)
	jobID := submitJob(t, env.apiEnv, "alice")

	// Submit already recorded the queued event; pile on enough log events
	// that the backlog spans several replay pages.
	const logs = 8
	for i := 0; i < logs; i++ {
		_, err := env.store.InsertJobEvent(jobID, models.EventLog,
			map[string]string{"message": "line-" + strconv.Itoa(i)})
		require.NoError(t, err)
	}

	body, done := openStream(t, env, jobID, "")
	defer done()

	frames := readFrames(t, body, 2+logs)
	assert.Equal(t, "snapshot", frames[0].event)
	assert.Equal(t, "state", frames[1].event)

	prev := int64(0)
	for i, frame := range frames[1:] {
		id, err := strconv.ParseInt(frame.id, 10, 64)
		require.NoError(t, err)
		assert.Greater(t, id, prev, "frame %d out of order", i+1)
		prev = id
	}
	for i := 0; i < logs; i++ {
		assert.Contains(t, frames[2+i].data, "line-"+strconv.Itoa(i))
	}
}

func TestStreamEndsOnTerminalState(t *testing.T) {
	env := newSSEEnv(t)
	jobID := submitJob(t, env.apiEnv, "alice")
	require.NoError(t, env.store.ClaimRunning(jobID))

	body, done := openStream(t, env, jobID, "")
	defer done()
	readFrames(t, body, 1) // snapshot

	require.NoError(t, env.store.MarkCompleted(jobID))
	env.broadcaster.Record(jobID, models.EventState, map[string]string{"state": "completed"})

	frames := readFrames(t, body, 2) // queued replay + completed
	last := frames[len(frames)-1]
	assert.Contains(t, last.data, "completed")

	// The server closes after the terminal frame.
	_, err := body.ReadString('\n')
	for err == nil {
		_, err = body.ReadString('\n')
	}
	assert.Error(t, err)
}

func TestStreamForeignTenantNotFound(t *testing.T) {
	env := newSSEEnv(t)
	jobID := submitJob(t, env.apiEnv, "alice")

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/jobs/"+jobID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "mallory")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
