package store

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dverbeek/synthd/pkg/models"
)

// MemoryStore is an in-memory implementation of the Store for tests and
// single-process development
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*models.Job
	files       map[string][]*models.JobFile
	results     map[string][]*models.JobResult
	events      []*models.JobEvent
	nextEventID int64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*models.Job),
		files:       make(map[string][]*models.JobFile),
		results:     make(map[string][]*models.JobResult),
		nextEventID: 1,
	}
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	if j.Params != nil {
		p := *j.Params
		c.Params = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	c.SourcePaths = append([]string(nil), j.SourcePaths...)
	c.Progress = append(json.RawMessage(nil), j.Progress...)
	return &c
}

// CreateJob inserts a new job row in state creating
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	job.State = models.JobStateCreating
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// ListJobsByUser returns a tenant's jobs, newest first
func (s *MemoryStore) ListJobsByUser(userID string, states []models.JobState, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	wanted := make(map[models.JobState]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.UserID != userID {
			continue
		}
		if len(wanted) > 0 && !wanted[job.State] {
			continue
		}
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) transition(id string, to models.JobState, apply func(job *models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State == to {
		return nil // Idempotent retry.
	}
	if err := models.ValidateTransition(job.State, to); err != nil {
		return err
	}
	job.State = to
	job.UpdatedAt = time.Now()
	apply(job)
	return nil
}

// MarkQueued transitions creating → queued
func (s *MemoryStore) MarkQueued(id string, refRel string, srcRels []string) error {
	return s.transition(id, models.JobStateQueued, func(job *models.Job) {
		job.RefPath = refRel
		job.SourcePaths = append([]string(nil), srcRels...)
	})
}

// ClaimRunning transitions queued → running atomically
func (s *MemoryStore) ClaimRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State != models.JobStateQueued {
		return ErrNotClaimable
	}
	now := time.Now()
	job.State = models.JobStateRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.UpdatedAt = now
	return nil
}

// MarkCompleted transitions running → completed
func (s *MemoryStore) MarkCompleted(id string) error {
	return s.transition(id, models.JobStateCompleted, func(job *models.Job) {
		setFinished(job)
	})
}

// MarkFailed transitions to failed
func (s *MemoryStore) MarkFailed(id string, message string) error {
	return s.transition(id, models.JobStateFailed, func(job *models.Job) {
		job.Error = message
		setFinished(job)
	})
}

// MarkCanceled transitions to canceled
func (s *MemoryStore) MarkCanceled(id string, message string) error {
	return s.transition(id, models.JobStateCanceled, func(job *models.Job) {
		job.Error = message
		setFinished(job)
	})
}

func setFinished(job *models.Job) {
	if job.FinishedAt == nil {
		now := time.Now()
		job.FinishedAt = &now
	}
}

// RequestCancel sets the cancel flag only
func (s *MemoryStore) RequestCancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.CancelRequested = true
	job.UpdatedAt = time.Now()
	return nil
}

// SetEngineTicket records the ticket; assigned at most once
func (s *MemoryStore) SetEngineTicket(id string, ticket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.EngineTicket == "" {
		job.EngineTicket = ticket
		job.UpdatedAt = time.Now()
	}
	return nil
}

// SetProgress stores the latest progress snapshot
func (s *MemoryStore) SetProgress(id string, progress json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Progress = append(json.RawMessage(nil), progress...)
	job.UpdatedAt = time.Now()
	return nil
}

// UpsertJobFile records one persisted input, idempotently
func (s *MemoryStore) UpsertJobFile(f *models.JobFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := s.files[f.JobID]
	c := *f
	for i, existing := range files {
		if existing.Role == f.Role && existing.Idx == f.Idx {
			files[i] = &c
			return nil
		}
	}
	s.files[f.JobID] = append(files, &c)
	return nil
}

// GetJobFiles returns a job's persisted inputs in (role, idx) order
func (s *MemoryStore) GetJobFiles(jobID string) ([]*models.JobFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]*models.JobFile, 0, len(s.files[jobID]))
	for _, f := range s.files[jobID] {
		c := *f
		files = append(files, &c)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Role != files[j].Role {
			return files[i].Role < files[j].Role
		}
		return files[i].Idx < files[j].Idx
	})
	return files, nil
}

// ReplaceJobResults swaps the full result set atomically
func (s *MemoryStore) ReplaceJobResults(jobID string, results []models.JobResult) error {
	next := make([]*models.JobResult, 0, len(results))
	for _, r := range results {
		c := r
		next = append(next, &c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[jobID] = next
	return nil
}

// GetJobResults returns a job's results in index order
func (s *MemoryStore) GetJobResults(jobID string) ([]*models.JobResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*models.JobResult, 0, len(s.results[jobID]))
	for _, r := range s.results[jobID] {
		c := *r
		results = append(results, &c)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Idx < results[j].Idx })
	return results, nil
}

// InsertJobEvent appends an event and returns its monotonic id
func (s *MemoryStore) InsertJobEvent(jobID string, eventType models.EventType, payload interface{}) (int64, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &models.JobEvent{
		ID:      s.nextEventID,
		JobID:   jobID,
		TS:      time.Now(),
		Type:    eventType,
		Payload: json.RawMessage(data),
	}
	s.nextEventID++
	s.events = append(s.events, e)
	return e.ID, nil
}

// GetJobEventsSince returns events with id > sinceID in id order
func (s *MemoryStore) GetJobEventsSince(jobID string, sinceID int64, limit int) ([]*models.JobEvent, error) {
	if limit <= 0 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*models.JobEvent
	for _, e := range s.events {
		if e.JobID != jobID || e.ID <= sinceID {
			continue
		}
		c := *e
		events = append(events, &c)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
