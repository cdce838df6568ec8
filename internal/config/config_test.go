package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaultsValidate(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "asynq", cfg.Queue.Backend)
	assert.Equal(t, 10*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Contains(t, cfg.Worker.Queues, cfg.Queue.TaskQueue)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  dsn: postgres://localhost/coremachine
queue:
  backend: nats
retry:
  base_delay: 1s
  max_delay: 5s
`)
	t.Setenv("COREMACHINE_QUEUE_NATS_STREAM", "ORCH")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "ORCH", cfg.Queue.NATS.Stream)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"queue backend", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"memory needs sqlite", func(c *Config) {
			c.Queue.Backend = "memory"
			c.Database.Driver = "postgres"
		}, "memory"},
		{"same queues", func(c *Config) { c.Queue.TaskQueue = c.Queue.JobQueue }, "must differ"},
		{"missing worker queue", func(c *Config) { delete(c.Worker.Queues, c.Queue.TaskQueue) }, "worker.queues"},
		{"retry delays", func(c *Config) { c.Retry.MaxDelay = c.Retry.BaseDelay / 2 }, "retry.base_delay"},
		{"stale after heartbeat", func(c *Config) { c.Sweep.StaleAfter = c.Worker.HeartbeatInterval }, "sweep.stale_after"},
		{"s3 bucket", func(c *Config) { c.Storage.Backend = "s3" }, "storage.bucket"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, "{}\n"))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
