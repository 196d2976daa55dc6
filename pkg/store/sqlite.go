package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dverbeek/synthd/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the Store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	// WAL for concurrency between the API and worker processes,
	// busy_timeout so writers wait instead of failing with SQLITE_BUSY,
	// immediate txlock to acquire the write lock at transaction start.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate&_foreign_keys=on", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		updated_at INTEGER NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		no_progress_timeout_seconds INTEGER NOT NULL,
		engine_ticket TEXT,
		error TEXT,
		params_json TEXT,
		debug INTEGER NOT NULL DEFAULT 0,
		ref_rel TEXT,
		src_rels_json TEXT,
		progress_json TEXT,
		cancel_requested INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_user_state ON jobs(user_id, state, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at);

	CREATE TABLE IF NOT EXISTS job_files (
		job_id TEXT NOT NULL,
		role TEXT NOT NULL,
		idx INTEGER NOT NULL,
		rel_path TEXT NOT NULL,
		orig_name TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		sha256 TEXT NOT NULL,
		PRIMARY KEY (job_id, role, idx)
	);
	CREATE INDEX IF NOT EXISTS idx_job_files_job ON job_files(job_id);

	CREATE TABLE IF NOT EXISTS job_results (
		job_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		filename TEXT NOT NULL,
		subfolder TEXT NOT NULL,
		kind TEXT NOT NULL,
		PRIMARY KEY (job_id, idx)
	);
	CREATE INDEX IF NOT EXISTS idx_job_results_job ON job_results(job_id);

	CREATE TABLE IF NOT EXISTS job_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// CreateJob inserts a new job row in state creating
func (s *SQLiteStore) CreateJob(job *models.Job) error {
	var paramsJSON sql.NullString
	if job.Params != nil {
		data, err := json.Marshal(job.Params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = sql.NullString{String: string(data), Valid: true}
	}

	ts := nowMs()
	job.State = models.JobStateCreating
	job.CreatedAt = msToTime(ts)
	job.UpdatedAt = job.CreatedAt

	_, err := s.db.Exec(`
		INSERT INTO jobs
		(job_id, user_id, state, created_at, updated_at,
		 timeout_seconds, no_progress_timeout_seconds,
		 engine_ticket, error, params_json, debug,
		 ref_rel, src_rels_json, progress_json, cancel_requested)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, NULL, NULL, NULL, 0)
	`, job.ID, job.UserID, job.State, ts, ts,
		job.TimeoutSeconds, job.NoProgressSeconds, paramsJSON, boolToInt(job.Debug))

	return err
}

const jobColumns = `job_id, user_id, state, created_at, started_at, finished_at, updated_at,
	timeout_seconds, no_progress_timeout_seconds, engine_ticket, error, params_json, debug,
	ref_rel, src_rels_json, progress_json, cancel_requested`

func scanJob(row interface{ Scan(...interface{}) error }) (*models.Job, error) {
	var job models.Job
	var state string
	var createdAt, updatedAt int64
	var startedAt, finishedAt sql.NullInt64
	var ticket, errMsg, paramsJSON, refRel, srcRelsJSON, progressJSON sql.NullString
	var debug, cancelRequested int

	err := row.Scan(&job.ID, &job.UserID, &state, &createdAt, &startedAt, &finishedAt,
		&updatedAt, &job.TimeoutSeconds, &job.NoProgressSeconds, &ticket, &errMsg,
		&paramsJSON, &debug, &refRel, &srcRelsJSON, &progressJSON, &cancelRequested)
	if err != nil {
		return nil, err
	}

	job.State = models.JobState(state)
	job.CreatedAt = msToTime(createdAt)
	job.UpdatedAt = msToTime(updatedAt)
	if startedAt.Valid {
		t := msToTime(startedAt.Int64)
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := msToTime(finishedAt.Int64)
		job.FinishedAt = &t
	}
	job.EngineTicket = ticket.String
	job.Error = errMsg.String
	job.Debug = debug != 0
	job.CancelRequested = cancelRequested != 0
	job.RefPath = refRel.String

	if paramsJSON.Valid && paramsJSON.String != "" {
		var p models.Params
		if err := json.Unmarshal([]byte(paramsJSON.String), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
		job.Params = &p
	}
	if srcRelsJSON.Valid && srcRelsJSON.String != "" {
		if err := json.Unmarshal([]byte(srcRelsJSON.String), &job.SourcePaths); err != nil {
			return nil, fmt.Errorf("failed to unmarshal source paths: %w", err)
		}
	}
	if progressJSON.Valid && progressJSON.String != "" {
		job.Progress = json.RawMessage(progressJSON.String)
	}

	return &job, nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// ListJobsByUser returns a tenant's jobs, newest first
func (s *SQLiteStore) ListJobsByUser(userID string, states []models.JobState, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = ?`
	args := []interface{}{userID}
	if len(states) > 0 {
		query += ` AND state IN (?` + strings.Repeat(", ?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkQueued transitions creating → queued, recording the persisted inputs
func (s *SQLiteStore) MarkQueued(id string, refRel string, srcRels []string) error {
	return s.transition(id, models.JobStateQueued, func(tx *sql.Tx, ts int64) error {
		srcJSON, err := json.Marshal(srcRels)
		if err != nil {
			return fmt.Errorf("failed to marshal source paths: %w", err)
		}
		_, err = tx.Exec(`
			UPDATE jobs SET state=?, updated_at=?, ref_rel=?, src_rels_json=?
			WHERE job_id=?`,
			models.JobStateQueued, ts, refRel, string(srcJSON), id)
		return err
	})
}

// ClaimRunning transitions queued → running with an atomic guard so that at
// most one worker ever claims a given job
func (s *SQLiteStore) ClaimRunning(id string) error {
	ts := nowMs()
	res, err := s.db.Exec(`
		UPDATE jobs SET state=?, started_at=COALESCE(started_at, ?), updated_at=?
		WHERE job_id=? AND state=?`,
		models.JobStateRunning, ts, ts, id, models.JobStateQueued)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetJob(id); err != nil {
			return err
		}
		return ErrNotClaimable
	}
	return nil
}

// MarkCompleted transitions running → completed
func (s *SQLiteStore) MarkCompleted(id string) error {
	return s.transition(id, models.JobStateCompleted, func(tx *sql.Tx, ts int64) error {
		_, err := tx.Exec(`
			UPDATE jobs SET state=?, finished_at=COALESCE(finished_at, ?), updated_at=?
			WHERE job_id=?`,
			models.JobStateCompleted, ts, ts, id)
		return err
	})
}

// MarkFailed transitions to failed, recording the error message
func (s *SQLiteStore) MarkFailed(id string, message string) error {
	return s.transition(id, models.JobStateFailed, func(tx *sql.Tx, ts int64) error {
		_, err := tx.Exec(`
			UPDATE jobs SET state=?, finished_at=COALESCE(finished_at, ?), updated_at=?, error=?
			WHERE job_id=?`,
			models.JobStateFailed, ts, ts, message, id)
		return err
	})
}

// MarkCanceled transitions to canceled
func (s *SQLiteStore) MarkCanceled(id string, message string) error {
	return s.transition(id, models.JobStateCanceled, func(tx *sql.Tx, ts int64) error {
		_, err := tx.Exec(`
			UPDATE jobs SET state=?, finished_at=COALESCE(finished_at, ?), updated_at=?, error=?
			WHERE job_id=?`,
			models.JobStateCanceled, ts, ts, message, id)
		return err
	})
}

// transition loads the current state, treats already-in-target as a no-op, and
// validates the edge before writing
func (s *SQLiteStore) transition(id string, to models.JobState, write func(tx *sql.Tx, ts int64) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRow(`SELECT state FROM jobs WHERE job_id = ?`, id).Scan(&state)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}

	from := models.JobState(state)
	if from == to {
		return tx.Commit() // Idempotent retry.
	}
	if err := models.ValidateTransition(from, to); err != nil {
		return err
	}

	if err := write(tx, nowMs()); err != nil {
		return err
	}
	return tx.Commit()
}

// RequestCancel sets the cancel flag; it never transitions state
func (s *SQLiteStore) RequestCancel(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET cancel_requested=1, updated_at=? WHERE job_id=?`,
		nowMs(), id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetEngineTicket records the engine ticket; assigned at most once
func (s *SQLiteStore) SetEngineTicket(id string, ticket string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET engine_ticket=?, updated_at=?
		WHERE job_id=? AND (engine_ticket IS NULL OR engine_ticket='')`,
		ticket, nowMs(), id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either missing or already set; only the former is an error.
		if _, err := s.GetJob(id); err != nil {
			return err
		}
	}
	return nil
}

// SetProgress stores the latest progress snapshot
func (s *SQLiteStore) SetProgress(id string, progress json.RawMessage) error {
	_, err := s.db.Exec(`UPDATE jobs SET progress_json=?, updated_at=? WHERE job_id=?`,
		string(progress), nowMs(), id)
	return err
}

// UpsertJobFile records one persisted input, idempotently
func (s *SQLiteStore) UpsertJobFile(f *models.JobFile) error {
	_, err := s.db.Exec(`
		INSERT INTO job_files(job_id, role, idx, rel_path, orig_name, bytes, sha256)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, role, idx) DO UPDATE SET
			rel_path=excluded.rel_path,
			orig_name=excluded.orig_name,
			bytes=excluded.bytes,
			sha256=excluded.sha256`,
		f.JobID, f.Role, f.Idx, f.RelPath, f.OrigName, f.Bytes, f.SHA256)
	return err
}

// GetJobFiles returns a job's persisted inputs in (role, idx) order
func (s *SQLiteStore) GetJobFiles(jobID string) ([]*models.JobFile, error) {
	rows, err := s.db.Query(`
		SELECT job_id, role, idx, rel_path, orig_name, bytes, sha256
		FROM job_files WHERE job_id=? ORDER BY role, idx`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*models.JobFile
	for rows.Next() {
		var f models.JobFile
		if err := rows.Scan(&f.JobID, &f.Role, &f.Idx, &f.RelPath, &f.OrigName, &f.Bytes, &f.SHA256); err != nil {
			return nil, err
		}
		files = append(files, &f)
	}
	return files, rows.Err()
}

// ReplaceJobResults swaps the full result set in one exclusive transaction so
// readers never observe a partial set
func (s *SQLiteStore) ReplaceJobResults(jobID string, results []models.JobResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM job_results WHERE job_id=?`, jobID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO job_results(job_id, idx, filename, subfolder, kind) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range results {
		if _, err := stmt.Exec(jobID, r.Idx, r.Filename, r.Subfolder, r.Kind); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetJobResults returns a job's results in index order
func (s *SQLiteStore) GetJobResults(jobID string) ([]*models.JobResult, error) {
	rows, err := s.db.Query(`
		SELECT job_id, idx, filename, subfolder, kind
		FROM job_results WHERE job_id=? ORDER BY idx ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*models.JobResult
	for rows.Next() {
		var r models.JobResult
		if err := rows.Scan(&r.JobID, &r.Idx, &r.Filename, &r.Subfolder, &r.Kind); err != nil {
			return nil, err
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

// InsertJobEvent appends an event and returns its monotonic id
func (s *SQLiteStore) InsertJobEvent(jobID string, eventType models.EventType, payload interface{}) (int64, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`
		INSERT INTO job_events(job_id, ts, event_type, payload_json) VALUES (?, ?, ?, ?)`,
		jobID, nowMs(), eventType, data)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetJobEventsSince returns events with id > sinceID in id order
func (s *SQLiteStore) GetJobEventsSince(jobID string, sinceID int64, limit int) ([]*models.JobEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT id, job_id, ts, event_type, payload_json
		FROM job_events WHERE job_id=? AND id>? ORDER BY id ASC LIMIT ?`,
		jobID, sinceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.JobEvent
	for rows.Next() {
		var e models.JobEvent
		var ts int64
		var payload string
		if err := rows.Scan(&e.ID, &e.JobID, &ts, &e.Type, &payload); err != nil {
			return nil, err
		}
		e.TS = msToTime(ts)
		e.Payload = json.RawMessage(payload)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalPayload(payload interface{}) (string, error) {
	switch v := payload.(type) {
	case nil:
		return "{}", nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal event payload: %w", err)
		}
		return string(data), nil
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
