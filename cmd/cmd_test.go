package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coremachine/internal/jobs"
	"coremachine/internal/models"
	"coremachine/internal/store"
	"coremachine/internal/store/sqlite"
)

// writeTestConfig sets up a single-process deployment: SQLite, the memory
// queue and local storage, all under a temp dir.
func writeTestConfig(t *testing.T) (configFile, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "blobs")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "incoming"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "incoming", "a.tif"), []byte("aaaa"), 0o644))

	dbPath = filepath.Join(dir, "coremachine.db")
	configFile = filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
database:
  driver: sqlite
  dsn: %s
queue:
  backend: memory
storage:
  backend: local
  root: %s
sweep:
  lock_file: %s
log:
  level: error
`, dbPath, root, filepath.Join(dir, "sweep.lock"))
	require.NoError(t, os.WriteFile(configFile, []byte(body), 0o644))
	return configFile, dbPath
}

func run(t *testing.T, configFile string, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(append([]string{"--config", configFile}, args...))
	return rootCmd.ExecuteContext(context.Background())
}

func openDB(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(path)
	require.NoError(t, err)
	return s
}

func TestSubmitApproveAndInspect(t *testing.T) {
	configFile, dbPath := writeTestConfig(t)

	require.NoError(t, run(t, configFile, "doctor"))
	require.NoError(t, run(t, configFile, "submit", jobs.IngestJobType,
		"--param", "asset_id=a1", "--param", `sources=["incoming/a.tif"]`))

	s := openDB(t, dbPath)
	releases, err := s.ListReleasesByAsset(context.Background(), "a1")
	if err != nil {
		s.Close()
	}
	require.NoError(t, err)
	require.Len(t, releases, 1)
	releaseID := releases[0].ReleaseID
	s.Close()

	err = run(t, configFile, "submit", jobs.IngestJobType,
		"--param", "asset_id=a1", "--param", `sources=["incoming/a.tif"]`)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	require.NoError(t, run(t, configFile, "release", "approve", releaseID, "--actor", "alice"))
	require.NoError(t, run(t, configFile, "jobs", "list", "--status", "COMPLETED"))
	require.NoError(t, run(t, configFile, "jobs", "show", releases[0].JobID))
	require.NoError(t, run(t, configFile, "release", "history", "a1"))
	require.NoError(t, run(t, configFile, "sweep"))

	s = openDB(t, dbPath)
	defer s.Close()
	rel, err := s.GetRelease(context.Background(), releaseID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, rel.ApprovalState)
	assert.True(t, rel.IsLatest)
	require.NotNil(t, rel.Materialization, "approve runs the materialize job in process")

	require.NoError(t, run(t, configFile, "release", "revoke", releaseID, "--actor", "alice"))
	rel, err = s.GetRelease(context.Background(), releaseID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRevoked, rel.ApprovalState)
	assert.Nil(t, rel.RevokedReason)
}

func TestCommandErrors(t *testing.T) {
	configFile, _ := writeTestConfig(t)

	assert.Error(t, run(t, configFile, "submit", "no_such_job"))
	assert.Error(t, run(t, configFile, "jobs", "list", "--status", "DONE"))
	assert.Error(t, run(t, configFile, "release", "approve", "missing", "--actor", "alice"))
	assert.Error(t, run(t, filepath.Join(t.TempDir(), "absent.yaml"), "doctor"))
}
