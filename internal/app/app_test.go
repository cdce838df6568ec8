package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coremachine/internal/config"
	"coremachine/internal/jobs"
	"coremachine/internal/models"
	"coremachine/internal/queue"
	"coremachine/internal/testsupport"
)

func singleNodeConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.LoadConfig(writeFile(t, dir, "config.yaml", "{}\n"))
	require.NoError(t, err)
	cfg.Database.DSN = filepath.Join(dir, "coremachine.db")
	cfg.Queue.Backend = "memory"
	cfg.Storage.Root = filepath.Join(dir, "blobs")
	require.NoError(t, cfg.Validate())
	return cfg
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNewAppWiresSingleNodeStack(t *testing.T) {
	ctx := context.Background()
	cfg := singleNodeConfig(t)
	log, _ := testsupport.NewLogger()

	a, err := NewApp(ctx, cfg, log)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{jobs.IngestJobType, jobs.UnpublishJobType}, a.Registry.JobTypes())
	require.NoError(t, a.Store.Ping(ctx))

	writeFile(t, cfg.Storage.Root, "incoming/a.tif", "aaaa")
	res, err := a.Machine.Submit(ctx, jobs.IngestJobType,
		json.RawMessage(`{"asset_id":"a1","sources":["incoming/a.tif"]}`))
	require.NoError(t, err)

	mq, ok := a.Queue.(*queue.MemoryQueue)
	require.True(t, ok)
	_, err = mq.Drain(ctx, a.Machine, 100)
	require.NoError(t, err)

	job, err := a.Store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	_, err = os.Stat(filepath.Join(cfg.Storage.Root, "assets", "a1"))
	assert.NoError(t, err, "artifacts copied below the storage root")
}

func TestNewAppRejectsUnknownBackends(t *testing.T) {
	log, _ := testsupport.NewLogger()

	cfg := singleNodeConfig(t)
	cfg.Database.Driver = "mysql"
	_, err := NewApp(context.Background(), cfg, log)
	assert.Error(t, err)

	cfg = singleNodeConfig(t)
	cfg.Storage.Backend = "ftp"
	_, err = NewApp(context.Background(), cfg, log)
	assert.Error(t, err)
}
