package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dverbeek/synthd/pkg/logging"
	"github.com/dverbeek/synthd/pkg/models"
	"github.com/dverbeek/synthd/pkg/store"
)

func newTestBroadcaster(t *testing.T) (*Broadcaster, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	b := NewBroadcaster(st, logging.NewLogger(logging.ERROR, false))
	return b, st
}

func recvEvent(t *testing.T, ch <-chan *models.JobEvent) *models.JobEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestRecordPersistsAndDelivers(t *testing.T) {
	b, st := newTestBroadcaster(t)

	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	b.Record("job-1", models.EventState, map[string]string{"state": "queued"})

	ev := recvEvent(t, ch)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, models.EventState, ev.Type)
	assert.Contains(t, string(ev.Payload), "queued")
	assert.Greater(t, ev.ID, int64(0))

	// Persisted too, with the same id.
	persisted, err := st.GetJobEventsSince("job-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, ev.ID, persisted[0].ID)
}

func TestSubscribersAreJobScoped(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	ch1, cancel1 := b.Subscribe("job-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("job-2")
	defer cancel2()

	b.Record("job-2", models.EventLog, map[string]string{"message": "hello"})

	ev := recvEvent(t, ch2)
	assert.Equal(t, "job-2", ev.JobID)

	select {
	case ev := <-ch1:
		t.Fatalf("unexpected event on job-1 channel: %+v", ev)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b, st := newTestBroadcaster(t)

	_, cancel := b.Subscribe("job-1")
	defer cancel()

	// Overflow the buffer; Record must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Record("job-1", models.EventLog, map[string]int{"n": i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a slow subscriber")
	}

	// Every event is still recoverable from the store.
	persisted, err := st.GetJobEventsSince("job-1", 0, subscriberBuffer*3)
	require.NoError(t, err)
	assert.Len(t, persisted, subscriberBuffer*2)
}

func TestCancelRemovesSubscriber(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	_, cancel1 := b.Subscribe("job-1")
	_, cancel2 := b.Subscribe("job-1")
	assert.Equal(t, 2, b.SubscriberCount("job-1"))

	cancel1()
	assert.Equal(t, 1, b.SubscriberCount("job-1"))
	cancel2()
	assert.Equal(t, 0, b.SubscriberCount("job-1"))
}

func TestReplayReturnsEventsAfterCursor(t *testing.T) {
	b, _ := newTestBroadcaster(t)

	b.Record("job-1", models.EventLog, map[string]string{"message": "first"})
	b.Record("job-1", models.EventLog, map[string]string{"message": "second"})

	all, err := b.Replay("job-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)

	tail, err := b.Replay("job-1", all[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Contains(t, string(tail[0].Payload), "second")
}
