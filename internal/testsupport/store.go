// Package testsupport builds the collaborators shared by package tests.
package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"coremachine/internal/blobstore"
	"coremachine/internal/queue"
	"coremachine/internal/store/sqlite"
)

// MustOpenStore opens a migrated SQLite store in a temp directory that is
// closed when the test ends.
func MustOpenStore(t testing.TB) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "coremachine.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// NewLogger returns a discarding logger and the hook that records its entries.
func NewLogger() (*logrus.Logger, *logtest.Hook) {
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, hook
}

// NewQueue returns an in-memory queue.
func NewQueue(log logrus.FieldLogger) *queue.MemoryQueue {
	return queue.NewMemoryQueue(log)
}

// NewBlobs returns an in-memory blob store seeded with files, keyed by ref.
func NewBlobs(t testing.TB, files map[string]string) (*blobstore.LocalStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for ref, content := range files {
		require.NoError(t, afero.WriteFile(fsys, "/"+ref, []byte(content), 0o644))
	}
	return blobstore.NewFsStore(fsys), fsys
}
