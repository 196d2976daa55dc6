// Package monitor drives one submitted job to completion: it watches the
// engine over push events and history polling, enforces the job's two
// timeouts, observes cancellation, and extracts results.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dverbeek/synthd/pkg/engine"
	"github.com/dverbeek/synthd/pkg/events"
	"github.com/dverbeek/synthd/pkg/graph"
	"github.com/dverbeek/synthd/pkg/logging"
	"github.com/dverbeek/synthd/pkg/models"
	"github.com/dverbeek/synthd/pkg/store"
)

var (
	// ErrCanceled reports a user cancel observed mid-run. It is never a
	// failure: the dispatcher maps it to the canceled state.
	ErrCanceled = errors.New("canceled by user")

	// ErrTimeout reports the wall-clock limit being hit.
	ErrTimeout = errors.New("job timeout")

	// ErrStalled reports no engine progress within the stall limit.
	ErrStalled = errors.New("no progress timeout")
)

// PushStream is a live engine event subscription.
type PushStream interface {
	Events() <-chan engine.PushMessage
	Close()
}

// Engine is the slice of the compute engine the monitor needs.
type Engine interface {
	Submit(ctx context.Context, g interface{}, clientID string) (string, error)
	History(ctx context.Context, ticket string) (*engine.HistoryEntry, error)
	ConnectPush(ctx context.Context, clientID string) (PushStream, error)
	Capabilities(ctx context.Context) map[string]bool
}

// WrapEngine adapts the concrete client to the monitor's interface.
func WrapEngine(c *engine.Client) Engine {
	return engineAdapter{c}
}

type engineAdapter struct {
	*engine.Client
}

func (a engineAdapter) ConnectPush(ctx context.Context, clientID string) (PushStream, error) {
	return a.Client.ConnectPush(ctx, clientID)
}

// Monitor executes compiled graphs against the engine.
type Monitor struct {
	engine      Engine
	store       store.Store
	broadcaster *events.Broadcaster
	logger      *logging.Logger

	pollInterval time.Duration
}

func New(eng Engine, st store.Store, b *events.Broadcaster, logger *logging.Logger) *Monitor {
	return &Monitor{
		engine:       eng,
		store:        st,
		broadcaster:  b,
		logger:       logger,
		pollInterval: time.Second,
	}
}

// Execute submits the graph and blocks until the job finishes, fails, times
// out, stalls, or is canceled. Results are persisted before it returns nil.
func (m *Monitor) Execute(ctx context.Context, job *models.Job, g graph.Graph, outputNodeID string) error {
	clientID := uuid.NewString()
	log := m.logger.WithJob(job.ID)

	m.broadcaster.Record(job.ID, models.EventLog, map[string]string{"message": "submitting to engine"})
	ticket, err := m.engine.Submit(ctx, g, clientID)
	if err != nil {
		return err
	}

	// Persist the ticket before anything else: a crash after submit must
	// still leave the execution traceable.
	if err := m.store.SetEngineTicket(job.ID, ticket); err != nil {
		log.Warn("failed to persist engine ticket", map[string]interface{}{"error": err.Error()})
	}
	m.broadcaster.Record(job.ID, models.EventLog, map[string]string{
		"message": fmt.Sprintf("submitted ticket=%s", ticket),
	})

	// Progress timestamps come from push events. Without a push channel the
	// stall clock keeps running: an engine we cannot observe is bounded by
	// the no-progress limit.
	lastProgress := newAtomicTime()

	push, err := m.engine.ConnectPush(ctx, clientID)
	if err != nil {
		m.broadcaster.Record(job.ID, models.EventLog, map[string]string{
			"message": "push channel unavailable; monitoring by poll only",
		})
		log.Warn("push connect failed", map[string]interface{}{"error": err.Error()})
	} else {
		defer push.Close()
		go m.consumePush(push, job.ID, ticket, g, lastProgress)
	}

	history, err := m.pollUntilDone(ctx, job, ticket, lastProgress)
	if err != nil {
		return err
	}

	results := ExtractResults(job.ID, history, outputNodeID)
	if err := m.store.ReplaceJobResults(job.ID, results); err != nil {
		return fmt.Errorf("failed to persist results: %w", err)
	}

	urls := make([]map[string]interface{}, len(results))
	for i := range results {
		urls[i] = map[string]interface{}{
			"idx": results[i].Idx,
			"url": fmt.Sprintf("/v1/jobs/%s/images/%d", job.ID, results[i].Idx),
		}
	}
	m.broadcaster.Record(job.ID, models.EventResult, map[string]interface{}{"images": urls})
	return nil
}

func (m *Monitor) pollUntilDone(ctx context.Context, job *models.Job, ticket string, lastProgress *atomicTime) (*engine.HistoryEntry, error) {
	started := time.Now()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("interrupted: %w", ctx.Err())
		case <-ticker.C:
		}

		// The flag is authoritative; the monitor only observes it.
		current, err := m.store.GetJob(job.ID)
		if err == nil && current.CancelRequested {
			return nil, ErrCanceled
		}

		elapsed := time.Since(started)
		if elapsed > time.Duration(job.TimeoutSeconds)*time.Second {
			return nil, fmt.Errorf("%w after %ds", ErrTimeout, int(elapsed.Seconds()))
		}
		stalled := time.Since(lastProgress.Get())
		if stalled > time.Duration(job.NoProgressSeconds)*time.Second {
			return nil, fmt.Errorf("%w for %ds", ErrStalled, int(stalled.Seconds()))
		}

		history, err := m.engine.History(ctx, ticket)
		if err != nil {
			// Transient engine trouble; the timeouts bound how long we wait.
			m.logger.WithJob(job.ID).Warn("history poll failed", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if history != nil {
			return history, nil
		}
	}
}

// consumePush translates engine push messages into job events and progress
// snapshots. Progress persistence is throttled to roughly one write per
// second; the live event stream is not throttled.
func (m *Monitor) consumePush(push PushStream, jobID, ticket string, g graph.Graph, lastProgress *atomicTime) {
	var lastPersist time.Time
	var lastExecKey string

	for msg := range push.Events() {
		switch msg.Type {
		case "executing":
			var data engine.ExecutingData
			if json.Unmarshal(msg.Data, &data) != nil || data.TicketID != ticket {
				continue
			}
			lastProgress.Set(time.Now())
			if data.Node == nil {
				continue // End-of-execution marker.
			}
			nodeID := *data.Node
			title, classType := "", ""
			if node := g[nodeID]; node != nil {
				title, classType = node.Title(), node.ClassType
			}
			key := nodeID + ":" + title + ":" + classType
			if key == lastExecKey {
				continue
			}
			lastExecKey = key
			m.broadcaster.Record(jobID, models.EventProgress, map[string]string{
				"phase": "executing", "node_id": nodeID, "title": title, "class_type": classType,
			})

		case "progress":
			var data engine.ProgressData
			if json.Unmarshal(msg.Data, &data) != nil || data.TicketID != ticket {
				continue
			}
			lastProgress.Set(time.Now())
			payload := map[string]interface{}{
				"phase": "sampling", "step": data.Value, "steps": data.Max,
			}
			m.broadcaster.Record(jobID, models.EventProgress, payload)
			if time.Since(lastPersist) > time.Second {
				lastPersist = time.Now()
				raw, _ := json.Marshal(payload)
				if err := m.store.SetProgress(jobID, raw); err != nil {
					m.logger.WithJob(jobID).Warn("failed to persist progress", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}

		case "execution_error":
			lastProgress.Set(time.Now())
			m.broadcaster.Record(jobID, models.EventError, json.RawMessage(msg.Data))
		}
	}
}

// ExtractResults flattens a history entry into the ordered result set. The
// designated output node's images come first; incidental images (debug
// saves) follow in node-id order.
func ExtractResults(jobID string, h *engine.HistoryEntry, outputNodeID string) []models.JobResult {
	var images []engine.ImageOutput
	if out, ok := h.Outputs[outputNodeID]; ok {
		images = append(images, out.Images...)
	}
	for _, nodeID := range sortedNodeIDs(h.Outputs) {
		if nodeID == outputNodeID {
			continue
		}
		images = append(images, h.Outputs[nodeID].Images...)
	}

	results := make([]models.JobResult, len(images))
	for i, img := range images {
		kind := img.Type
		if kind == "" {
			kind = "output"
		}
		results[i] = models.JobResult{
			JobID:     jobID,
			Idx:       i,
			Filename:  img.Filename,
			Subfolder: img.Subfolder,
			Kind:      kind,
		}
	}
	return results
}

func sortedNodeIDs(outputs map[string]engine.NodeOutput) []string {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.ParseInt(ids[i], 10, 64)
		b, errB := strconv.ParseInt(ids[j], 10, 64)
		if errA == nil && errB == nil {
			return a < b
		}
		if (errA == nil) != (errB == nil) {
			return errA == nil // Numeric ids sort first.
		}
		return ids[i] < ids[j]
	})
	return ids
}

type atomicTime struct {
	v atomic.Int64
}

func newAtomicTime() *atomicTime {
	t := &atomicTime{}
	t.Set(time.Now())
	return t
}

func (t *atomicTime) Set(now time.Time) { t.v.Store(now.UnixNano()) }
func (t *atomicTime) Get() time.Time    { return time.Unix(0, t.v.Load()) }
