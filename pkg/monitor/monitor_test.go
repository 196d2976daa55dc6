package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dverbeek/synthd/pkg/engine"
	"github.com/dverbeek/synthd/pkg/events"
	"github.com/dverbeek/synthd/pkg/logging"
	"github.com/dverbeek/synthd/pkg/models"
	"github.com/dverbeek/synthd/pkg/store"
)

type fakePush struct {
	ch chan engine.PushMessage

	closeOnce sync.Once
}

func newFakePush() *fakePush {
	return &fakePush{ch: make(chan engine.PushMessage, 16)}
}

func (p *fakePush) Events() <-chan engine.PushMessage { return p.ch }
func (p *fakePush) Close()                            { p.closeOnce.Do(func() { close(p.ch) }) }

type fakeEngine struct {
	mu sync.Mutex

	submitErr    error
	ticket       string
	history      *engine.HistoryEntry
	historyAfter int // polls to answer nil before returning history
	historyErr   error
	pushErr      error
	push         *fakePush
	caps         map[string]bool

	polls int
}

func (f *fakeEngine) Submit(_ context.Context, _ interface{}, _ string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.ticket, nil
}

func (f *fakeEngine) History(_ context.Context, _ string) (*engine.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	if f.polls <= f.historyAfter {
		return nil, nil
	}
	return f.history, nil
}

func (f *fakeEngine) ConnectPush(_ context.Context, _ string) (PushStream, error) {
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	if f.push == nil {
		f.push = newFakePush()
	}
	return f.push, nil
}

func (f *fakeEngine) Capabilities(_ context.Context) map[string]bool { return f.caps }

func testHistory() *engine.HistoryEntry {
	h := &engine.HistoryEntry{Outputs: map[string]engine.NodeOutput{
		"25": {Images: []engine.ImageOutput{{Filename: "debug_00001.png", Subfolder: "run/debug", Type: "output"}}},
		"7":  {Images: []engine.ImageOutput{{Filename: "final_00001.png", Subfolder: "run", Type: "output"}}},
	}}
	h.Status.Completed = true
	return h
}

func newTestMonitor(t *testing.T, eng Engine) (*Monitor, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := logging.NewLogger(logging.ERROR, false)
	b := events.NewBroadcaster(st, logger)
	m := New(eng, st, b, logger)
	m.pollInterval = 5 * time.Millisecond
	return m, st
}

func runningJob(t *testing.T, st store.Store) *models.Job {
	t.Helper()
	job := &models.Job{
		ID: "job-1", UserID: "user-a",
		TimeoutSeconds: 60, NoProgressSeconds: 60,
	}
	require.NoError(t, st.CreateJob(job))
	require.NoError(t, st.MarkQueued("job-1", "ref.png", []string{"src_0.png"}))
	require.NoError(t, st.ClaimRunning("job-1"))
	return job
}

func TestExecutePersistsTicketAndResults(t *testing.T) {
	eng := &fakeEngine{ticket: "ticket-1", history: testHistory()}
	m, st := newTestMonitor(t, eng)
	job := runningJob(t, st)

	require.NoError(t, m.Execute(context.Background(), job, nil, "7"))

	got, err := st.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, "ticket-1", got.EngineTicket)

	results, err := st.GetJobResults("job-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Designated output node first, incidental images after.
	assert.Equal(t, "final_00001.png", results[0].Filename)
	assert.Equal(t, "debug_00001.png", results[1].Filename)
}

func TestExecuteSubmitRejectionPassesThrough(t *testing.T) {
	rejection := errors.New("engine rejected graph: bad node")
	eng := &fakeEngine{submitErr: rejection}
	m, st := newTestMonitor(t, eng)
	job := runningJob(t, st)

	err := m.Execute(context.Background(), job, nil, "7")
	assert.ErrorIs(t, err, rejection)
}

func TestExecuteObservesCancelFlag(t *testing.T) {
	// History never resolves; the cancel flag must break the loop.
	eng := &fakeEngine{ticket: "ticket-1", historyAfter: 1 << 30}
	m, st := newTestMonitor(t, eng)
	job := runningJob(t, st)
	require.NoError(t, st.RequestCancel("job-1"))

	err := m.Execute(context.Background(), job, nil, "7")
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestExecuteWallClockTimeout(t *testing.T) {
	eng := &fakeEngine{ticket: "ticket-1", historyAfter: 1 << 30}
	m, st := newTestMonitor(t, eng)
	job := runningJob(t, st)
	job.TimeoutSeconds = 0
	job.NoProgressSeconds = 3600

	err := m.Execute(context.Background(), job, nil, "7")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrStalled)
}

func TestExecuteStallTimeout(t *testing.T) {
	eng := &fakeEngine{ticket: "ticket-1", historyAfter: 1 << 30}
	m, st := newTestMonitor(t, eng)
	job := runningJob(t, st)
	job.TimeoutSeconds = 3600
	job.NoProgressSeconds = 0

	err := m.Execute(context.Background(), job, nil, "7")
	assert.ErrorIs(t, err, ErrStalled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestExecutePollOnlyWhenPushUnavailable(t *testing.T) {
	eng := &fakeEngine{
		ticket:       "ticket-1",
		history:      testHistory(),
		historyAfter: 2,
		pushErr:      errors.New("connection refused"),
	}
	m, st := newTestMonitor(t, eng)
	job := runningJob(t, st)

	require.NoError(t, m.Execute(context.Background(), job, nil, "7"))

	events, err := st.GetJobEventsSince("job-1", 0, 100)
	require.NoError(t, err)
	var found bool
	for _, e := range events {
		if e.Type == models.EventLog {
			var payload map[string]string
			if json.Unmarshal(e.Payload, &payload) == nil &&
				payload["message"] == "push channel unavailable; monitoring by poll only" {
				found = true
			}
		}
	}
	assert.True(t, found, "poll-only fallback should be logged as a job event")
}

func TestExecuteSurvivesTransientHistoryErrors(t *testing.T) {
	eng := &fakeEngine{ticket: "ticket-1", historyErr: errors.New("connection reset")}
	m, st := newTestMonitor(t, eng)
	job := runningJob(t, st)
	job.TimeoutSeconds = 3600
	job.NoProgressSeconds = 3600

	// Heal the engine after a few failed polls.
	go func() {
		time.Sleep(30 * time.Millisecond)
		eng.mu.Lock()
		eng.historyErr = nil
		eng.history = testHistory()
		eng.mu.Unlock()
	}()

	require.NoError(t, m.Execute(context.Background(), job, nil, "7"))
}

func TestExecuteContextInterruption(t *testing.T) {
	eng := &fakeEngine{ticket: "ticket-1", historyAfter: 1 << 30}
	m, st := newTestMonitor(t, eng)
	job := runningJob(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Execute(ctx, job, nil, "7")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrCanceled)
}

func TestExtractResultsOrdering(t *testing.T) {
	h := &engine.HistoryEntry{Outputs: map[string]engine.NodeOutput{
		"30": {Images: []engine.ImageOutput{{Filename: "c.png"}}},
		"7":  {Images: []engine.ImageOutput{{Filename: "a.png", Subfolder: "run"}, {Filename: "b.png"}}},
		"12": {Images: []engine.ImageOutput{{Filename: "d.png", Type: "temp"}}},
	}}

	results := ExtractResults("job-1", h, "7")
	require.Len(t, results, 4)
	assert.Equal(t, "a.png", results[0].Filename)
	assert.Equal(t, "b.png", results[1].Filename)
	// Incidental nodes follow in numeric node-id order.
	assert.Equal(t, "d.png", results[2].Filename)
	assert.Equal(t, "c.png", results[3].Filename)

	for i, r := range results {
		assert.Equal(t, i, r.Idx)
		assert.Equal(t, "job-1", r.JobID)
	}
	assert.Equal(t, "output", results[0].Kind, "empty kind defaults to output")
	assert.Equal(t, "temp", results[2].Kind)
}
