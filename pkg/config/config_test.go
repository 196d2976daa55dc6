package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadWithEnv(t *testing.T, env map[string]string) *Config {
	t.Helper()
	t.Setenv("SYNTHD_ENGINE_INPUT_DIR", t.TempDir())
	for key, value := range env {
		t.Setenv(key, value)
	}
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadWithEnv(t, nil)

	assert.Equal(t, "http://127.0.0.1:8000", cfg.EngineBaseURL)
	assert.Equal(t, "synthd:jobs", cfg.QueueName)
	assert.Equal(t, 3, cfg.InflightLimit)
	assert.Equal(t, 2*time.Hour, cfg.JobTimeout)
	assert.Equal(t, 15*time.Minute, cfg.NoProgressTimeout)
	assert.Equal(t, []string{"full", "lite"}, cfg.TemplateTiers)
}

func TestLoadKeepsAutoWorkerSizing(t *testing.T) {
	cfg := loadWithEnv(t, nil)

	// 0 defers pool sizing to the engine's reported device count.
	assert.Equal(t, 0, cfg.WorkerConcurrency)
	assert.Equal(t, 1, cfg.JobsPerDevice)
}

func TestLoadPinnedWorkerConcurrency(t *testing.T) {
	cfg := loadWithEnv(t, map[string]string{
		"SYNTHD_WORKER_CONCURRENCY":     "4",
		"SYNTHD_WORKER_JOBS_PER_DEVICE": "2",
	})
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 2, cfg.JobsPerDevice)
}

func TestLoadClampsNonsenseValues(t *testing.T) {
	cfg := loadWithEnv(t, map[string]string{
		"SYNTHD_WORKER_CONCURRENCY": "-3",
		"SYNTHD_ADMISSION_LIMIT":    "0",
	})
	assert.Equal(t, 0, cfg.WorkerConcurrency)
	assert.Equal(t, 1, cfg.InflightLimit)
}
