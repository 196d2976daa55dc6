package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dverbeek/synthd/pkg/metrics"
	"github.com/dverbeek/synthd/pkg/models"
)

const ssePingInterval = 15 * time.Second

// sseReplayPage bounds a single replay query; backlogs larger than one page
// are walked page by page from the cursor. Variable so tests can shrink it.
var sseReplayPage = 1000

// StreamEvents serves the job's event log as Server-Sent Events. The first
// frame is always a snapshot of the job, then persisted events are replayed
// from the client's resume cursor (?after= or Last-Event-ID), then live events
// follow. Event ids are store cursors, so a reconnecting client never loses
// or repeats an event.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		sendError(w, http.StatusBadRequest, "bad_request", "missing X-User-Id header")
		return
	}
	job, ok := h.ownedJob(w, r, user)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	after := resumeCursor(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	log := h.logger.WithJob(job.ID)
	log.Debug("event stream opened", map[string]interface{}{"after": after})

	// Subscribe before replaying so nothing recorded between the replay query
	// and the live phase is lost; the lastSent cursor drops the overlap.
	live, cancel := h.broadcaster.Subscribe(job.ID)
	defer cancel()

	writeSSE(w, 0, "snapshot", mustJSON(h.jobPublic(job)))
	flusher.Flush()

	lastSent := after
	for {
		replay, err := h.broadcaster.Replay(job.ID, lastSent, sseReplayPage)
		if err != nil {
			log.Warn("event replay failed", map[string]interface{}{"error": err.Error()})
			break
		}
		for _, ev := range replay {
			writeSSE(w, ev.ID, string(ev.Type), ev.Payload)
			lastSent = ev.ID
		}
		if len(replay) < sseReplayPage {
			break
		}
	}
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("event stream closed by client", nil)
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-live:
			if !open {
				// Buffer overflowed; the client resumes from its cursor.
				log.Warn("event stream dropped, subscriber too slow", nil)
				return
			}
			if ev.ID <= lastSent {
				continue
			}
			writeSSE(w, ev.ID, string(ev.Type), ev.Payload)
			lastSent = ev.ID
			flusher.Flush()
			if ev.Type == models.EventState && terminalStatePayload(ev) {
				// Give the client the final frame, then end the stream.
				return
			}
		}
	}
}

func resumeCursor(r *http.Request) int64 {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

func writeSSE(w http.ResponseWriter, id int64, event string, data []byte) {
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func terminalStatePayload(ev *models.JobEvent) bool {
	var body struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(ev.Payload, &body); err != nil {
		return false
	}
	state, err := models.ParseState(body.State)
	if err != nil {
		return false
	}
	return models.IsTerminalState(state)
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
