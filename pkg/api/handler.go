// Package api exposes the orchestrator's HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/dverbeek/synthd/pkg/admission"
	"github.com/dverbeek/synthd/pkg/config"
	"github.com/dverbeek/synthd/pkg/events"
	"github.com/dverbeek/synthd/pkg/logging"
	"github.com/dverbeek/synthd/pkg/metrics"
	"github.com/dverbeek/synthd/pkg/models"
	"github.com/dverbeek/synthd/pkg/queue"
	"github.com/dverbeek/synthd/pkg/store"
	"github.com/dverbeek/synthd/pkg/uploads"
)

// ImageViewer streams one produced image from the compute engine.
type ImageViewer interface {
	View(ctx context.Context, filename, subfolder, kind string) (io.ReadCloser, string, error)
}

// Handler handles the job API.
type Handler struct {
	store       store.Store
	queue       queue.Queue
	admission   admission.Controller
	broadcaster *events.Broadcaster
	saver       *uploads.Saver
	viewer      ImageViewer
	logger      *logging.Logger
	cfg         *config.Config
}

func NewHandler(st store.Store, q queue.Queue, adm admission.Controller,
	b *events.Broadcaster, saver *uploads.Saver, viewer ImageViewer,
	logger *logging.Logger, cfg *config.Config) *Handler {
	return &Handler{
		store:       st,
		queue:       q,
		admission:   adm,
		broadcaster: b,
		saver:       saver,
		viewer:      viewer,
		logger:      logger,
		cfg:         cfg,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Use(h.corsMiddleware)

	r.HandleFunc("/v1/jobs", h.CreateJob).Methods("POST")
	r.HandleFunc("/v1/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/v1/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/v1/jobs/{id}/events", h.StreamEvents).Methods("GET")
	r.HandleFunc("/v1/jobs/{id}/images/{idx:[0-9]+}", h.ProxyImage).Methods("GET")
	r.HandleFunc("/v1/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.HandleFunc("/", h.Index).Methods("GET")

	// Preflight requests match here so the CORS middleware can answer them.
	r.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notFound(w)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", h.cfg.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,X-User-Id,Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	sendJSON(w, status, map[string]string{"error": code, "message": message})
}

func notFound(w http.ResponseWriter) {
	sendJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
}

// userID extracts and sanitizes the tenant identity header.
func userID(r *http.Request) string {
	return uploads.SanitizeToken(strings.TrimSpace(r.Header.Get("X-User-Id")))
}

// jobImage is one result reference in API responses.
type jobImage struct {
	Idx int    `json:"idx"`
	URL string `json:"url"`
}

// jobView is the public shape of a job.
type jobView struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	State        models.JobState `json:"state"`
	CreatedAt    int64           `json:"created_at"`
	StartedAt    *int64          `json:"started_at"`
	FinishedAt   *int64          `json:"finished_at"`
	EngineTicket string          `json:"engine_ticket,omitempty"`
	Error        string          `json:"error,omitempty"`
	Progress     json.RawMessage `json:"progress"`
	Images       []jobImage      `json:"images"`
}

func (h *Handler) jobPublic(job *models.Job) *jobView {
	view := &jobView{
		ID:           job.ID,
		UserID:       job.UserID,
		State:        job.State,
		CreatedAt:    job.CreatedAt.UnixMilli(),
		EngineTicket: job.EngineTicket,
		Error:        job.Error,
		Progress:     job.Progress,
		Images:       []jobImage{},
	}
	if job.StartedAt != nil {
		ms := job.StartedAt.UnixMilli()
		view.StartedAt = &ms
	}
	if job.FinishedAt != nil {
		ms := job.FinishedAt.UnixMilli()
		view.FinishedAt = &ms
	}
	if view.Progress == nil {
		view.Progress = json.RawMessage("null")
	}
	if job.State == models.JobStateCompleted {
		if results, err := h.store.GetJobResults(job.ID); err == nil {
			for _, res := range results {
				view.Images = append(view.Images, jobImage{
					Idx: res.Idx,
					URL: fmt.Sprintf("/v1/jobs/%s/images/%d", job.ID, res.Idx),
				})
			}
		}
	}
	return view
}

// CreateJob accepts a multipart submission: one "ref" file, one or more
// "sources" files, an optional "params" JSON field and a "debug" flag.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		sendError(w, http.StatusBadRequest, "bad_request", "missing X-User-Id header")
		return
	}

	jobID := uuid.NewString()
	log := h.logger.WithJob(jobID)
	ctx := r.Context()

	// The admission slot is taken before any work and held until the job
	// reaches a terminal state.
	inflight, err := h.admission.Acquire(ctx, user, jobID)
	if errors.Is(err, admission.ErrLimitExceeded) {
		metrics.JobsRejected.Inc()
		sendJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":    "too_many_requests",
			"message":  "too many concurrent jobs for this user",
			"inflight": inflight,
			"limit":    h.cfg.InflightLimit,
		})
		return
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	release := func() {
		if err := h.admission.Release(context.Background(), user, jobID); err != nil {
			log.Warn("admission release failed", map[string]interface{}{"error": err.Error()})
		}
	}

	ref, sources, params, debug, err := h.parseSubmission(r)
	if err != nil {
		release()
		sendError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	job := &models.Job{
		ID:                jobID,
		UserID:            user,
		TimeoutSeconds:    int(h.cfg.JobTimeout / time.Second),
		NoProgressSeconds: int(h.cfg.NoProgressTimeout / time.Second),
		Params:            params,
		Debug:             debug,
	}
	if err := h.store.CreateJob(job); err != nil {
		release()
		sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	saved, err := h.saver.Save(job, *ref, sources)
	if err != nil {
		// Input persistence failures are client errors (bad format) or disk
		// trouble; either way the job is dead before it was queued.
		if markErr := h.store.MarkFailed(jobID, err.Error()); markErr != nil {
			log.Error("failed to mark failed", map[string]interface{}{"error": markErr.Error()})
		}
		release()
		sendError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.store.MarkQueued(jobID, saved.RefRel, saved.SrcRels); err != nil {
		release()
		sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	h.broadcaster.Record(jobID, models.EventState, map[string]string{"state": string(models.JobStateQueued)})

	if err := h.queue.Enqueue(ctx, jobID); err != nil {
		if markErr := h.store.MarkFailed(jobID, err.Error()); markErr != nil {
			log.Error("failed to mark failed", map[string]interface{}{"error": markErr.Error()})
		}
		release()
		sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	metrics.JobsSubmitted.Inc()
	log.Info("job accepted", map[string]interface{}{
		"user_id": user, "sources": len(sources), "debug": debug,
	})
	sendJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *Handler) parseSubmission(r *http.Request) (*uploads.File, []uploads.File, *models.Params, bool, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		return nil, nil, nil, false, fmt.Errorf("invalid multipart body: %w", err)
	}

	form := r.MultipartForm
	defer form.RemoveAll()

	refHeaders := form.File["ref"]
	srcHeaders := form.File["sources"]
	if len(refHeaders) != 1 {
		return nil, nil, nil, false, fmt.Errorf("expected exactly 1 file field named \"ref\"")
	}
	if len(srcHeaders) < 1 {
		return nil, nil, nil, false, fmt.Errorf("expected >=1 file field named \"sources\"")
	}
	if len(srcHeaders)+1 > h.cfg.MaxFiles {
		return nil, nil, nil, false, fmt.Errorf("too many files (max %d)", h.cfg.MaxFiles)
	}

	ref, err := readPart(refHeaders[0].Open, "ref", refHeaders[0].Filename)
	if err != nil {
		return nil, nil, nil, false, err
	}
	sources := make([]uploads.File, 0, len(srcHeaders))
	for _, fh := range srcHeaders {
		src, err := readPart(fh.Open, "sources", fh.Filename)
		if err != nil {
			return nil, nil, nil, false, err
		}
		sources = append(sources, *src)
	}

	var params *models.Params
	if raw := firstValue(form.Value["params"]); raw != "" {
		params = &models.Params{}
		if err := json.Unmarshal([]byte(raw), params); err != nil {
			return nil, nil, nil, false, fmt.Errorf("invalid params JSON")
		}
	}
	debug := strings.TrimSpace(firstValue(form.Value["debug"])) == "1"

	return ref, sources, params, debug, nil
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func readPart(open func() (multipart.File, error), field, filename string) (*uploads.File, error) {
	f, err := open()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", field, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", field, err)
	}
	return &uploads.File{FieldName: field, Filename: filename, Data: data}, nil
}

// ListJobs returns the caller's jobs, newest first. The state filter accepts
// "all", "active", "terminal" (alias "done"), or a comma-separated list of
// concrete states.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		sendError(w, http.StatusBadRequest, "bad_request", "missing X-User-Id header")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			sendError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	states, err := parseStateFilter(r.URL.Query().Get("state"))
	if err != nil {
		sendError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	jobs, err := h.store.ListJobsByUser(user, states, limit)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	views := make([]*jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, h.jobPublic(job))
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

func parseStateFilter(raw string) ([]models.JobState, error) {
	switch strings.TrimSpace(raw) {
	case "", "all":
		return nil, nil
	case "active":
		return []models.JobState{
			models.JobStateCreating, models.JobStateQueued, models.JobStateRunning,
		}, nil
	case "terminal", "done":
		return []models.JobState{
			models.JobStateCompleted, models.JobStateFailed, models.JobStateCanceled,
		}, nil
	}
	var states []models.JobState
	for _, part := range strings.Split(raw, ",") {
		state, err := models.ParseState(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// GetJob returns one job owned by the caller.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		sendError(w, http.StatusBadRequest, "bad_request", "missing X-User-Id header")
		return
	}
	job, ok := h.ownedJob(w, r, user)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, h.jobPublic(job))
}

// ownedJob loads the job from the path and enforces tenant ownership.
// A job owned by someone else reads as not found.
func (h *Handler) ownedJob(w http.ResponseWriter, r *http.Request, user string) (*models.Job, bool) {
	id := mux.Vars(r)["id"]
	job, err := h.store.GetJob(id)
	if errors.Is(err, store.ErrJobNotFound) || (err == nil && job.UserID != user) {
		notFound(w)
		return nil, false
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return nil, false
	}
	return job, true
}

// CancelJob cancels a job. A job still waiting in the queue is canceled
// immediately; a running job gets a cancel request that the monitor honors
// on its next tick.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		sendError(w, http.StatusBadRequest, "bad_request", "missing X-User-Id header")
		return
	}
	job, ok := h.ownedJob(w, r, user)
	if !ok {
		return
	}
	log := h.logger.WithJob(job.ID)

	if models.IsTerminalState(job.State) {
		sendJSON(w, http.StatusOK, map[string]string{"status": string(job.State)})
		return
	}

	// Try to win the race against the dispatcher first: if the job is still
	// in the queue, removing it there makes the cancel immediate.
	removed, err := h.queue.Remove(r.Context(), job.ID)
	if err != nil {
		log.Warn("queue remove failed", map[string]interface{}{"error": err.Error()})
	}
	if removed || job.State == models.JobStateCreating {
		if err := h.store.MarkCanceled(job.ID, "canceled by user"); err != nil {
			sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		h.broadcaster.Record(job.ID, models.EventState, map[string]string{"state": string(models.JobStateCanceled)})
		if err := h.admission.Release(context.Background(), user, job.ID); err != nil {
			log.Warn("admission release failed", map[string]interface{}{"error": err.Error()})
		}
		log.Info("job canceled before dispatch", nil)
		sendJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
		return
	}

	// Already claimed by a worker: flag it and let the monitor stop the run.
	if err := h.store.RequestCancel(job.ID); err != nil {
		sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	h.broadcaster.Record(job.ID, models.EventLog, map[string]string{"message": "cancel requested"})
	log.Info("cancel requested for running job", nil)
	sendJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

// ProxyImage streams one result image through from the compute engine so
// clients never need direct engine access.
func (h *Handler) ProxyImage(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		sendError(w, http.StatusBadRequest, "bad_request", "missing X-User-Id header")
		return
	}
	job, ok := h.ownedJob(w, r, user)
	if !ok {
		return
	}

	idx, err := strconv.Atoi(mux.Vars(r)["idx"])
	if err != nil {
		sendError(w, http.StatusBadRequest, "bad_request", "invalid image index")
		return
	}

	results, err := h.store.GetJobResults(job.ID)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	var target *models.JobResult
	for _, res := range results {
		if res.Idx == idx {
			target = res
			break
		}
	}
	if target == nil {
		notFound(w)
		return
	}

	body, contentType, err := h.viewer.View(r.Context(), target.Filename, target.Subfolder, target.Kind)
	if err != nil {
		h.logger.WithJob(job.ID).Warn("engine image fetch failed", map[string]interface{}{"error": err.Error()})
		sendError(w, http.StatusBadGateway, "bad_gateway", "engine did not serve the image")
		return
	}
	defer body.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

// Health reports liveness plus the non-secret parts of the deployment config.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":                      "ok",
		"engine":                      h.cfg.EngineBaseURL,
		"inflight_limit":              h.cfg.InflightLimit,
		"job_timeout_seconds":         int(h.cfg.JobTimeout / time.Second),
		"no_progress_timeout_seconds": int(h.cfg.NoProgressTimeout / time.Second),
	})
}

// Index lists the API surface.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"service": "synthd",
		"endpoints": []string{
			"POST /v1/jobs",
			"GET /v1/jobs",
			"GET /v1/jobs/{id}",
			"GET /v1/jobs/{id}/events",
			"GET /v1/jobs/{id}/images/{idx}",
			"POST /v1/jobs/{id}/cancel",
			"GET /healthz",
		},
	})
}
