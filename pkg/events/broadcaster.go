// Package events fans job events out to live subscribers. The store's event
// log stays authoritative: every event is persisted first and the id the
// store assigns doubles as the resume cursor for reconnecting streams.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/dverbeek/synthd/pkg/logging"
	"github.com/dverbeek/synthd/pkg/models"
	"github.com/dverbeek/synthd/pkg/store"
)

// subscriberBuffer bounds the per-subscriber channel. A subscriber that
// cannot keep up loses events from the live feed but can recover them via
// the cursor replay.
const subscriberBuffer = 64

type subscriber struct {
	ch chan *models.JobEvent
}

// Broadcaster persists job events and delivers them to per-job subscribers.
type Broadcaster struct {
	store  store.Store
	logger *logging.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]bool
}

func NewBroadcaster(st store.Store, logger *logging.Logger) *Broadcaster {
	return &Broadcaster{
		store:  st,
		logger: logger,
		subs:   make(map[string]map[*subscriber]bool),
	}
}

// Record persists one event and pushes it to the job's live subscribers.
// Persistence failures are logged, not fatal: a lost log entry must never
// take down the job that produced it.
func (b *Broadcaster) Record(jobID string, eventType models.EventType, payload interface{}) {
	data, err := marshalPayload(payload)
	if err != nil {
		b.logger.Warn("failed to encode event payload", map[string]interface{}{
			"job_id": jobID, "event_type": string(eventType), "error": err.Error(),
		})
		return
	}

	id, err := b.store.InsertJobEvent(jobID, eventType, json.RawMessage(data))
	if err != nil {
		b.logger.Warn("failed to persist event", map[string]interface{}{
			"job_id": jobID, "event_type": string(eventType), "error": err.Error(),
		})
		return
	}

	event := &models.JobEvent{
		ID:      id,
		JobID:   jobID,
		TS:      time.Now(),
		Type:    eventType,
		Payload: json.RawMessage(data),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[jobID] {
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber; it catches up from the store on reconnect.
		}
	}
}

// Subscribe registers a live-event channel for the job. The returned cancel
// function must be called exactly once when the subscriber goes away.
func (b *Broadcaster) Subscribe(jobID string) (<-chan *models.JobEvent, func()) {
	sub := &subscriber{ch: make(chan *models.JobEvent, subscriberBuffer)}

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*subscriber]bool)
	}
	b.subs[jobID][sub] = true
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set := b.subs[jobID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, jobID)
			}
		}
	}
	return sub.ch, cancel
}

// Replay returns persisted events with id > after, oldest first.
func (b *Broadcaster) Replay(jobID string, after int64, limit int) ([]*models.JobEvent, error) {
	return b.store.GetJobEventsSince(jobID, after, limit)
}

// SubscriberCount reports live subscribers for the job.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

func marshalPayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
