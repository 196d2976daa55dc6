package models

import (
	"encoding/json"
	"time"
)

// JobState represents the lifecycle state of a synthesis job
type JobState string

const (
	JobStateCreating  JobState = "creating"  // Row exists, inputs not yet persisted
	JobStateQueued    JobState = "queued"    // Inputs persisted, waiting for a worker
	JobStateRunning   JobState = "running"   // Claimed by a worker, executing
	JobStateCompleted JobState = "completed" // Finished successfully
	JobStateFailed    JobState = "failed"    // Failed permanently
	JobStateCanceled  JobState = "canceled"  // Canceled by user
)

// Job represents one synthesis request owned by a tenant
type Job struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	State             JobState        `json:"state"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
	TimeoutSeconds    int             `json:"timeout_seconds"`
	NoProgressSeconds int             `json:"no_progress_timeout_seconds"`
	EngineTicket      string          `json:"engine_ticket,omitempty"`
	Error             string          `json:"error,omitempty"`
	Params            *Params         `json:"params,omitempty"`
	Debug             bool            `json:"debug"`
	RefPath           string          `json:"ref_path,omitempty"`
	SourcePaths       []string        `json:"source_paths,omitempty"`
	Progress          json.RawMessage `json:"progress,omitempty"`
	CancelRequested   bool            `json:"cancel_requested"`
}

// Params holds the generation parameters a client may override. Nil pointers
// mean "keep the template default".
type Params struct {
	TemplateTier   string `json:"template_tier,omitempty"` // "full" or "lite"
	TemplateStrict bool   `json:"template_strict,omitempty"`

	PositivePrompt string   `json:"positive_prompt,omitempty"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	Width          *int     `json:"width,omitempty"`
	Height         *int     `json:"height,omitempty"`
	Steps          *int     `json:"steps,omitempty"`
	Guidance       *float64 `json:"cfg,omitempty"`
	SamplerName    string   `json:"sampler_name,omitempty"`
	Scheduler      string   `json:"scheduler,omitempty"`
	Denoise        *float64 `json:"denoise,omitempty"`

	// Edge-detector thresholds (normalized floats in the templates).
	EdgeLow  *float64 `json:"edge_low,omitempty"`
	EdgeHigh *float64 `json:"edge_high,omitempty"`

	// Structure-adapter windows, one per conditioning track.
	StructStrength *float64 `json:"struct_strength,omitempty"`
	StructStart    *float64 `json:"struct_start,omitempty"`
	StructEnd      *float64 `json:"struct_end,omitempty"`
	DepthStrength  *float64 `json:"depth_strength,omitempty"`
	DepthStart     *float64 `json:"depth_start,omitempty"`
	DepthEnd       *float64 `json:"depth_end,omitempty"`

	// Per-source adapter overrides, indexed by source position.
	AdapterWeights       []float64 `json:"adapter_weights,omitempty"`
	AdapterWeightTypes   []string  `json:"adapter_weight_types,omitempty"`
	AdapterStarts        []float64 `json:"adapter_starts,omitempty"`
	AdapterEnds          []float64 `json:"adapter_ends,omitempty"`
	AdapterEmbedsScaling string    `json:"adapter_embeds_scaling,omitempty"`
	AdapterCombineEmbeds string    `json:"adapter_combine_embeds,omitempty"`

	// "pad" avoids center-cropping non-square sources; empty keeps the
	// template default.
	CropPosition  string   `json:"crop_position,omitempty"`
	Interpolation string   `json:"interpolation,omitempty"`
	Sharpening    *float64 `json:"sharpening,omitempty"`

	MaskMode string `json:"mask_mode,omitempty"` // "none" strips mask wiring
}

// FileRole distinguishes the structural reference from source images
type FileRole string

const (
	FileRoleRef FileRole = "ref"
	FileRoleSrc FileRole = "src"
)

// JobFile is one persisted input image, keyed by (job, role, idx)
type JobFile struct {
	JobID    string   `json:"job_id"`
	Role     FileRole `json:"role"`
	Idx      int      `json:"idx"`
	RelPath  string   `json:"rel_path"`
	OrigName string   `json:"orig_name"`
	Bytes    int64    `json:"bytes"`
	SHA256   string   `json:"sha256"`
}

// JobResult is one produced output image, keyed by (job, idx)
type JobResult struct {
	JobID     string `json:"job_id"`
	Idx       int    `json:"idx"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Kind      string `json:"kind"`
}

// EventType classifies job event log entries
type EventType string

const (
	EventState    EventType = "state"
	EventProgress EventType = "progress"
	EventLog      EventType = "log"
	EventError    EventType = "error"
	EventResult   EventType = "result"
)

// JobEvent is one append-only event log entry. ID increases monotonically
// across the whole store and doubles as the stream resume cursor.
type JobEvent struct {
	ID      int64           `json:"id"`
	JobID   string          `json:"job_id"`
	TS      time.Time       `json:"ts"`
	Type    EventType       `json:"event_type"`
	Payload json.RawMessage `json:"payload"`
}
