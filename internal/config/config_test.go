package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, "./data/jobs.db", cfg.SQLitePath)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, 2, cfg.WorkerCount)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.ProgressInterval)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 24*time.Hour, cfg.PruneAge)
	assert.Equal(t, int64(25*1024*1024), cfg.Image.MaxBytes)
	assert.False(t, cfg.UsesRedis())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/jobs")
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("IMAGE_S3_BUCKET", "media")
	t.Setenv("WORKER_NAME", "node-a")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "media", cfg.Image.S3Bucket)
	assert.Equal(t, "node-a", cfg.WorkerName)
	assert.True(t, cfg.UsesRedis())
}

func TestLoadRejectsMalformedValue(t *testing.T) {
	t.Setenv("WORKER_COUNT", "many")
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"workers", func(c *Config) { c.WorkerCount = 0 }, "WORKER_COUNT"},
		{"attempts", func(c *Config) { c.MaxAttempts = 0 }, "MAX_ATTEMPTS"},
		{"driver", func(c *Config) { c.StoreDriver = "mysql" }, "STORE_DRIVER"},
		{"postgres dsn", func(c *Config) { c.StoreDriver = "postgres" }, "POSTGRES_DSN"},
		{"backend", func(c *Config) { c.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"rate limit", func(c *Config) { c.RateLimitEnabled = true; c.RateLimitRefill = 0 }, "rate limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.WorkerCount = 0
	cfg.MaxAttempts = 0

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_COUNT")
	assert.Contains(t, err.Error(), "MAX_ATTEMPTS")
}
