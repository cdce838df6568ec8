package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coremachine/internal/models"
	"coremachine/internal/store"
	"coremachine/internal/testsupport"
)

func approvedRelease(id string, ordinal int) *models.Release {
	return &models.Release{
		ReleaseID:      id,
		AssetID:        "a1",
		VersionOrdinal: &ordinal,
		ApprovalState:  models.ApprovalApproved,
		Artifacts:      []string{"assets/a1/" + id + "/a.tif"},
	}
}

func TestMaterializeAndDelete(t *testing.T) {
	ctx := context.Background()
	s := testsupport.MustOpenStore(t)
	for _, r := range []*models.Release{approvedRelease("r1", 1), approvedRelease("r2", 2)} {
		_, err := s.CreateRelease(ctx, &models.Release{ReleaseID: r.ReleaseID, AssetID: r.AssetID, JobID: "job-" + r.ReleaseID, Artifacts: r.Artifacts})
		require.NoError(t, err)
	}

	svc := NewService(s)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	snap1, err := svc.Materialize(ctx, approvedRelease("r1", 1))
	require.NoError(t, err)
	assert.Equal(t, "a1-v1", snap1.ItemID)
	assert.Equal(t, "a1", snap1.CollectionID)
	assert.Equal(t, fixed, snap1.MaterializedAt)

	// Materializing again converges on the same rows.
	_, err = svc.Materialize(ctx, approvedRelease("r1", 1))
	require.NoError(t, err)
	n, err := s.CountCatalogItems(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap2, err := svc.Materialize(ctx, approvedRelease("r2", 2))
	require.NoError(t, err)

	res, err := svc.Delete(ctx, nil, snap1)
	require.NoError(t, err)
	assert.True(t, res.ItemDeleted)
	assert.False(t, res.CollectionDeleted, "r2 still uses the collection")

	var last DeleteResult
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		last, err = svc.Delete(ctx, tx, snap2)
		return err
	}))
	assert.True(t, last.ItemDeleted)
	assert.True(t, last.CollectionDeleted)

	again, err := svc.Delete(ctx, nil, snap2)
	require.NoError(t, err)
	assert.Equal(t, DeleteResult{}, again)
}

func TestMaterializeNeedsOrdinal(t *testing.T) {
	svc := NewService(testsupport.MustOpenStore(t))
	_, err := svc.Materialize(context.Background(), &models.Release{ReleaseID: "r1", AssetID: "a1"})
	assert.Error(t, err)
}
