package blobstore

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreCopyStatDelete(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/incoming/scene.tif", []byte("pixels"), 0o644))
	s := NewFsStore(fsys)

	require.NoError(t, s.Copy(ctx, "incoming/scene.tif", "assets/a1/job/scene.tif"))
	info, err := s.Stat(ctx, "assets/a1/job/scene.tif")
	require.NoError(t, err)
	assert.EqualValues(t, 6, info.Size)

	res, err := s.Delete(ctx, "assets/a1/job/scene.tif")
	require.NoError(t, err)
	assert.Equal(t, Deleted, res)

	res, err = s.Delete(ctx, "assets/a1/job/scene.tif")
	require.NoError(t, err)
	assert.Equal(t, AlreadyAbsent, res)

	_, err = s.Stat(ctx, "assets/a1/job/scene.tif")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreCopyMissingSource(t *testing.T) {
	s := NewFsStore(afero.NewMemMapFs())
	err := s.Copy(context.Background(), "nope.tif", "dst.tif")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreRejectsEmptyRef(t *testing.T) {
	s := NewFsStore(afero.NewMemMapFs())
	_, err := s.Delete(context.Background(), "  ")
	assert.Error(t, err)
}

func TestNewLocalStoreUsesRoot(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root)
	require.NoError(t, err)

	_, err = s.Stat(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}
