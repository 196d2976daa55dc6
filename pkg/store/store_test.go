package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dverbeek/synthd/pkg/models"
)

// Both implementations must behave identically, so every test runs against
// both.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.sqlite"))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		s := NewMemoryStore()
		defer s.Close()
		fn(t, s)
	})
}

func newTestJob(id, userID string) *models.Job {
	return &models.Job{
		ID:                id,
		UserID:            userID,
		TimeoutSeconds:    7200,
		NoProgressSeconds: 900,
		Params:            &models.Params{PositivePrompt: "a lighthouse at dusk"},
	}
}

func TestJobLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateJob(newTestJob("job-1", "user-a")))

		job, err := s.GetJob("job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStateCreating, job.State)
		assert.False(t, job.CreatedAt.IsZero())
		assert.Nil(t, job.StartedAt)

		require.NoError(t, s.MarkQueued("job-1", "ref.png", []string{"src_0.png", "src_1.png"}))
		require.NoError(t, s.ClaimRunning("job-1"))

		job, err = s.GetJob("job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRunning, job.State)
		assert.Equal(t, "ref.png", job.RefPath)
		assert.Equal(t, []string{"src_0.png", "src_1.png"}, job.SourcePaths)
		require.NotNil(t, job.StartedAt)

		require.NoError(t, s.MarkCompleted("job-1"))
		job, err = s.GetJob("job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStateCompleted, job.State)
		require.NotNil(t, job.FinishedAt)
	})
}

func TestGetJobNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetJob("missing")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestIllegalTransitionRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateJob(newTestJob("job-1", "user-a")))

		// creating → running skips queued.
		assert.Error(t, s.ClaimRunning("job-1"))

		// creating → completed skips everything.
		assert.Error(t, s.MarkCompleted("job-1"))

		job, err := s.GetJob("job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStateCreating, job.State)
	})
}

func TestTerminalStatesAbsorb(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateJob(newTestJob("job-1", "user-a")))
		require.NoError(t, s.MarkQueued("job-1", "ref.png", nil))
		require.NoError(t, s.ClaimRunning("job-1"))
		require.NoError(t, s.MarkCanceled("job-1", "canceled by user"))

		assert.Error(t, s.MarkCompleted("job-1"))
		assert.Error(t, s.MarkFailed("job-1", "boom"))
		assert.ErrorIs(t, s.ClaimRunning("job-1"), ErrNotClaimable)

		job, err := s.GetJob("job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStateCanceled, job.State)
		assert.Equal(t, "canceled by user", job.Error)
	})
}

func TestMarkIdempotentUnderRetry(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateJob(newTestJob("job-1", "user-a")))
		require.NoError(t, s.MarkQueued("job-1", "ref.png", nil))
		require.NoError(t, s.ClaimRunning("job-1"))

		require.NoError(t, s.MarkFailed("job-1", "engine exploded"))
		// A retried mark of the same terminal state is a no-op.
		require.NoError(t, s.MarkFailed("job-1", "different message"))

		job, err := s.GetJob("job-1")
		require.NoError(t, err)
		assert.Equal(t, models.JobStateFailed, job.State)
		assert.Equal(t, "engine exploded", job.Error)
	})
}

func TestClaimRunningAtMostOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateJob(newTestJob("job-1", "user-a")))
		require.NoError(t, s.MarkQueued("job-1", "ref.png", nil))

		require.NoError(t, s.ClaimRunning("job-1"))
		assert.ErrorIs(t, s.ClaimRunning("job-1"), ErrNotClaimable)
	})
}

func TestRequestCancelOnlySetsFlag(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateJob(newTestJob("job-1", "user-a")))
		require.NoError(t, s.MarkQueued("job-1", "ref.png", nil))
		require.NoError(t, s.ClaimRunning("job-1"))

		require.NoError(t, s.RequestCancel("job-1"))

		job, err := s.GetJob("job-1")
		require.NoError(t, err)
		assert.True(t, job.CancelRequested)
		assert.Equal(t, models.JobStateRunning, job.State, "flag must not change state")
	})
}

func TestSetEngineTicketAtMostOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateJob(newTestJob("job-1", "user-a")))

		require.NoError(t, s.SetEngineTicket("job-1", "ticket-1"))
		require.NoError(t, s.SetEngineTicket("job-1", "ticket-2"))

		job, err := s.GetJob("job-1")
		require.NoError(t, err)
		assert.Equal(t, "ticket-1", job.EngineTicket)
	})
}

func TestListJobsByUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateJob(newTestJob("job-1", "user-a")))
		require.NoError(t, s.CreateJob(newTestJob("job-2", "user-a")))
		require.NoError(t, s.CreateJob(newTestJob("job-3", "user-b")))
		require.NoError(t, s.MarkQueued("job-2", "ref.png", nil))

		jobs, err := s.ListJobsByUser("user-a", nil, 50)
		require.NoError(t, err)
		assert.Len(t, jobs, 2)

		jobs, err = s.ListJobsByUser("user-a", []models.JobState{models.JobStateQueued}, 50)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "job-2", jobs[0].ID)

		jobs, err = s.ListJobsByUser("user-c", nil, 50)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestJobFilesUpsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateJob(newTestJob("job-1", "user-a")))

		require.NoError(t, s.UpsertJobFile(&models.JobFile{
			JobID: "job-1", Role: models.FileRoleSrc, Idx: 1, RelPath: "src_1.png", OrigName: "b.png", Bytes: 10,
		}))
		require.NoError(t, s.UpsertJobFile(&models.JobFile{
			JobID: "job-1", Role: models.FileRoleRef, Idx: 0, RelPath: "ref.png", OrigName: "a.png", Bytes: 20,
		}))
		// Re-upsert of the same (role, idx) replaces, not duplicates.
		require.NoError(t, s.UpsertJobFile(&models.JobFile{
			JobID: "job-1", Role: models.FileRoleSrc, Idx: 1, RelPath: "src_1.png", OrigName: "b2.png", Bytes: 11,
		}))

		files, err := s.GetJobFiles("job-1")
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, models.FileRoleRef, files[0].Role)
		assert.Equal(t, models.FileRoleSrc, files[1].Role)
		assert.Equal(t, "b2.png", files[1].OrigName)
	})
}

func TestReplaceJobResults(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateJob(newTestJob("job-1", "user-a")))

		require.NoError(t, s.ReplaceJobResults("job-1", []models.JobResult{
			{JobID: "job-1", Idx: 0, Filename: "old_0.png", Kind: "output"},
			{JobID: "job-1", Idx: 1, Filename: "old_1.png", Kind: "output"},
			{JobID: "job-1", Idx: 2, Filename: "old_2.png", Kind: "output"},
		}))
		require.NoError(t, s.ReplaceJobResults("job-1", []models.JobResult{
			{JobID: "job-1", Idx: 0, Filename: "new_0.png", Subfolder: "run", Kind: "output"},
		}))

		results, err := s.GetJobResults("job-1")
		require.NoError(t, err)
		require.Len(t, results, 1, "replace must remove the old set entirely")
		assert.Equal(t, "new_0.png", results[0].Filename)
		assert.Equal(t, "run", results[0].Subfolder)
	})
}

func TestEventCursorReplay(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateJob(newTestJob("job-1", "user-a")))
		require.NoError(t, s.CreateJob(newTestJob("job-2", "user-a")))

		id1, err := s.InsertJobEvent("job-1", models.EventState, map[string]string{"state": "queued"})
		require.NoError(t, err)
		_, err = s.InsertJobEvent("job-2", models.EventState, map[string]string{"state": "queued"})
		require.NoError(t, err)
		id2, err := s.InsertJobEvent("job-1", models.EventProgress, json.RawMessage(`{"value":3,"max":20}`))
		require.NoError(t, err)
		id3, err := s.InsertJobEvent("job-1", models.EventLog, "sampler started")
		require.NoError(t, err)

		assert.Less(t, id1, id2)
		assert.Less(t, id2, id3)

		// Full replay sees only this job's events, in order.
		events, err := s.GetJobEventsSince("job-1", 0, 100)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, models.EventState, events[0].Type)
		assert.Equal(t, models.EventProgress, events[1].Type)

		var progress struct {
			Value int `json:"value"`
			Max   int `json:"max"`
		}
		require.NoError(t, json.Unmarshal(events[1].Payload, &progress))
		assert.Equal(t, 3, progress.Value)

		// Resume from a cursor skips everything at or before it.
		events, err = s.GetJobEventsSince("job-1", id2, 100)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, id3, events[0].ID)
	})
}

func TestSetProgress(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateJob(newTestJob("job-1", "user-a")))
		require.NoError(t, s.SetProgress("job-1", json.RawMessage(`{"value":7,"max":20}`)))

		job, err := s.GetJob("job-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"value":7,"max":20}`, string(job.Progress))
	})
}
