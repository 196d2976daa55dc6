package store

import (
	"encoding/json"
	"errors"

	"github.com/dverbeek/synthd/pkg/models"
)

var (
	// ErrJobNotFound is returned when a job doesn't exist
	ErrJobNotFound = errors.New("job not found")

	// ErrNotClaimable is returned when a claim races another worker or the
	// job left the queued state (e.g. canceled before dispatch)
	ErrNotClaimable = errors.New("job is not claimable")
)

// Store is the single source of truth for jobs, input files, results and the
// append-only event log. All components read and write through it and never
// cache authoritative state beyond one operation.
type Store interface {
	// Jobs.
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	ListJobsByUser(userID string, states []models.JobState, limit int) ([]*models.Job, error)

	// State transitions. All are idempotent under retry: marking a job that
	// is already in the target state is a no-op, not an error.
	MarkQueued(id string, refRel string, srcRels []string) error
	ClaimRunning(id string) error
	MarkCompleted(id string) error
	MarkFailed(id string, message string) error
	MarkCanceled(id string, message string) error

	// RequestCancel only sets the flag; the owning component observes it and
	// performs the state transition.
	RequestCancel(id string) error

	// SetEngineTicket records the compute-engine ticket. The ticket is
	// assigned at most once; later calls with a ticket already set are no-ops.
	SetEngineTicket(id string, ticket string) error
	SetProgress(id string, progress json.RawMessage) error

	// Input files: idempotent upsert keyed by (job_id, role, idx).
	UpsertJobFile(f *models.JobFile) error
	GetJobFiles(jobID string) ([]*models.JobFile, error)

	// Results: the full set is replaced atomically, never partially visible.
	ReplaceJobResults(jobID string, results []models.JobResult) error
	GetJobResults(jobID string) ([]*models.JobResult, error)

	// Append-only event log; the returned id is the stream resume cursor.
	InsertJobEvent(jobID string, eventType models.EventType, payload interface{}) (int64, error)
	GetJobEventsSince(jobID string, sinceID int64, limit int) ([]*models.JobEvent, error)

	Close() error
}
