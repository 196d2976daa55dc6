package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all deployment knobs for the API server and the worker pool
type Config struct {
	// Compute engine.
	EngineBaseURL  string // HTTP base of the synthesis engine API
	EngineInputDir string // Directory the engine loads input images from

	UploadSubdir    string // Subdirectory of EngineInputDir for persisted uploads
	OutputDirPrefix string // Prefix for result grouping inside the engine's output store

	// Redis-backed admission + queue.
	RedisURL  string
	QueueName string

	// Worker pool.
	WorkerConcurrency int
	JobsPerDevice     int

	// HTTP surface.
	Host string
	Port int

	// Upload limits.
	MaxUploadBytes int64
	MaxFiles       int

	// Execution timeouts.
	JobTimeout        time.Duration
	NoProgressTimeout time.Duration

	// Admission.
	InflightLimit int
	InflightTTL   time.Duration

	DBPath     string
	CORSOrigin string
	LogLevel   string
	LogJSON    bool

	// Graph templates, ordered most- to least-featured.
	TemplateDir   string
	TemplateTiers []string
}

// Load resolves configuration from the environment with sane defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SYNTHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("engine.base_url", "http://127.0.0.1:8000")
	v.SetDefault("engine.input_dir", "")
	v.SetDefault("upload.subdir", "synthd_uploads")
	v.SetDefault("output.prefix", "SYNTHD_RUNS")
	v.SetDefault("redis.url", "redis://127.0.0.1:6379")
	v.SetDefault("queue.name", "synthd:jobs")
	// 0 sizes the pool from the engine's device count.
	v.SetDefault("worker.concurrency", 0)
	v.SetDefault("worker.jobs_per_device", 1)
	v.SetDefault("http.host", "127.0.0.1")
	v.SetDefault("http.port", 8787)
	v.SetDefault("upload.max_bytes", int64(50*1024*1024))
	v.SetDefault("upload.max_files", 10)
	v.SetDefault("job.timeout_seconds", 7200)
	v.SetDefault("job.no_progress_timeout_seconds", 900)
	v.SetDefault("admission.limit", 3)
	v.SetDefault("admission.ttl_seconds", 86400)
	v.SetDefault("db.path", filepath.Join("data", "synthd.sqlite"))
	v.SetDefault("cors.origin", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("template.dir", "templates")
	v.SetDefault("template.tiers", []string{"full", "lite"})

	cfg := &Config{
		EngineBaseURL:     strings.TrimRight(v.GetString("engine.base_url"), "/"),
		EngineInputDir:    v.GetString("engine.input_dir"),
		UploadSubdir:      v.GetString("upload.subdir"),
		OutputDirPrefix:   v.GetString("output.prefix"),
		RedisURL:          v.GetString("redis.url"),
		QueueName:         v.GetString("queue.name"),
		WorkerConcurrency: v.GetInt("worker.concurrency"),
		JobsPerDevice:     v.GetInt("worker.jobs_per_device"),
		Host:              v.GetString("http.host"),
		Port:              v.GetInt("http.port"),
		MaxUploadBytes:    v.GetInt64("upload.max_bytes"),
		MaxFiles:          v.GetInt("upload.max_files"),
		JobTimeout:        time.Duration(v.GetInt("job.timeout_seconds")) * time.Second,
		NoProgressTimeout: time.Duration(v.GetInt("job.no_progress_timeout_seconds")) * time.Second,
		InflightLimit:     v.GetInt("admission.limit"),
		InflightTTL:       time.Duration(v.GetInt("admission.ttl_seconds")) * time.Second,
		DBPath:            v.GetString("db.path"),
		CORSOrigin:        v.GetString("cors.origin"),
		LogLevel:          v.GetString("log.level"),
		LogJSON:           v.GetBool("log.json"),
		TemplateDir:       v.GetString("template.dir"),
		TemplateTiers:     v.GetStringSlice("template.tiers"),
	}

	if cfg.EngineInputDir == "" {
		dir, err := guessEngineInputDir()
		if err != nil {
			return nil, err
		}
		cfg.EngineInputDir = dir
	}

	// 0 means "size the pool from the engine's device count"; only negative
	// values are nonsensical.
	if cfg.WorkerConcurrency < 0 {
		cfg.WorkerConcurrency = 0
	}
	if cfg.JobsPerDevice < 1 {
		cfg.JobsPerDevice = 1
	}
	if cfg.InflightLimit < 1 {
		cfg.InflightLimit = 1
	}
	if len(cfg.TemplateTiers) == 0 {
		cfg.TemplateTiers = []string{"full", "lite"}
	}

	return cfg, nil
}

// guessEngineInputDir tries the conventional engine install location when the
// input dir is not configured explicitly
func guessEngineInputDir() (string, error) {
	if root := os.Getenv("SYNTHD_ENGINE_ROOT"); root != "" {
		return filepath.Join(root, "input"), nil
	}
	home, err := os.UserHomeDir()
	if err == nil {
		guess := filepath.Join(home, "Documents", "ComfyUI", "input")
		if st, err := os.Stat(guess); err == nil && st.IsDir() {
			return guess, nil
		}
	}
	return "", fmt.Errorf("cannot resolve engine input dir: set SYNTHD_ENGINE_INPUT_DIR or SYNTHD_ENGINE_ROOT")
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
