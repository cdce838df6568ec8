package approval

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coremachine/internal/blobstore"
	"coremachine/internal/catalog"
	"coremachine/internal/jobs"
	"coremachine/internal/models"
	"coremachine/internal/orchestrator"
	"coremachine/internal/queue"
	"coremachine/internal/store"
	"coremachine/internal/store/sqlite"
	"coremachine/internal/testsupport"
)

type pipeline struct {
	t     *testing.T
	ctx   context.Context
	store *sqlite.Store
	blobs blobstore.Store
	queue *queue.MemoryQueue
	m     *orchestrator.Machine
	svc   *Service

	releaseID string
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	return newPipelineWith(t, nil)
}

// newPipelineWith wires the built-in job types over SQLite, the memory queue
// and in-memory blobs. cat replaces the catalog service when not nil.
func newPipelineWith(t *testing.T, cat catalog.Materializer) *pipeline {
	t.Helper()
	s := testsupport.MustOpenStore(t)
	log, _ := testsupport.NewLogger()
	blobs, _ := testsupport.NewBlobs(t, map[string]string{
		"incoming/a.tif": "aaaa",
		"incoming/b.tif": "bb",
	})
	if cat == nil {
		cat = catalog.NewService(s)
	}
	reg, err := jobs.NewBuiltinRegistry(jobs.Deps{Blobs: blobs, Store: s, Catalog: cat})
	require.NoError(t, err)

	q := testsupport.NewQueue(log)
	m := orchestrator.New(s, q, reg, log, orchestrator.Options{HeartbeatInterval: time.Hour})
	return &pipeline{
		t:     t,
		ctx:   context.Background(),
		store: s,
		blobs: blobs,
		queue: q,
		m:     m,
		svc:   NewService(s, m, log),
	}
}

func (p *pipeline) drain() {
	p.t.Helper()
	_, err := p.queue.Drain(p.ctx, p.m, 500)
	require.NoError(p.t, err)
}

func (p *pipeline) completedJob(id string) *models.Job {
	p.t.Helper()
	job, err := p.store.GetJob(p.ctx, id)
	require.NoError(p.t, err)
	require.Equal(p.t, models.JobStatusCompleted, job.Status, "job error: %v", job.Error)
	return job
}

func (p *pipeline) unpublish(dryRun *bool, reason string) jobs.UnpublishResult {
	p.t.Helper()
	res, err := p.svc.Unpublish(p.ctx, UnpublishRequest{ReleaseID: p.releaseID, DryRun: dryRun, Actor: "ops", Reason: reason})
	require.NoError(p.t, err)
	require.Equal(p.t, Applied, res.Outcome, res.Message)
	p.drain()

	var out jobs.UnpublishResult
	require.NoError(p.t, json.Unmarshal(p.completedJob(res.Job.JobID).Result, &out))
	return out
}

func TestPublishThenUnpublishTwice(t *testing.T) {
	p := newPipeline(t)

	submitted, err := p.m.Submit(p.ctx, jobs.IngestJobType,
		json.RawMessage(`{"asset_id":"a1","sources":["incoming/a.tif","incoming/b.tif"]}`))
	require.NoError(t, err)
	p.drain()

	var registered jobs.RegisterResult
	require.NoError(t, json.Unmarshal(p.completedJob(submitted.JobID).Result, &registered))
	assert.True(t, registered.Created)
	assert.Equal(t, jobs.ReleaseIDForJob(submitted.JobID), registered.ReleaseID)
	p.releaseID = registered.ReleaseID

	approved, err := p.svc.Approve(p.ctx, registered.ReleaseID, "alice")
	require.NoError(t, err)
	require.Equal(t, Applied, approved.Outcome)
	require.NotNil(t, approved.Job)
	p.drain()
	p.completedJob(approved.Job.JobID)
	approved.Release = release(t, p.store, registered.ReleaseID)
	require.NotNil(t, approved.Release.Materialization)
	artifacts := approved.Release.Artifacts
	require.Len(t, artifacts, 2)
	for _, ref := range artifacts {
		_, err := p.blobs.Stat(p.ctx, ref)
		require.NoError(t, err, ref)
	}

	status, err := p.m.Status(p.ctx, submitted.JobID)
	require.NoError(t, err)
	require.Len(t, status.Releases, 1)
	assert.Equal(t, models.ApprovalApproved, status.Releases[0].ApprovalState)

	// The default run only reports.
	dry := p.unpublish(nil, "")
	assert.True(t, dry.DryRun)
	require.Len(t, dry.Deleted, 2)
	for _, d := range dry.Deleted {
		assert.Equal(t, "would_delete", d.Result)
	}
	assert.Equal(t, models.ApprovalApproved, release(t, p.store, registered.ReleaseID).ApprovalState)
	n, err := p.store.CountCatalogItems(p.ctx, registered.ReleaseID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	live := false
	out := p.unpublish(&live, "withdrawn")
	assert.False(t, out.DryRun)
	for _, d := range out.Deleted {
		assert.Equal(t, string(blobstore.Deleted), d.Result)
	}
	assert.True(t, out.Cleanup.ItemDeleted)
	assert.True(t, out.Cleanup.CollectionDeleted)
	assert.True(t, out.Cleanup.Revoked)

	for _, ref := range artifacts {
		_, err := p.blobs.Stat(p.ctx, ref)
		assert.ErrorIs(t, err, blobstore.ErrNotFound, ref)
	}
	n, err = p.store.CountCatalogItems(p.ctx, registered.ReleaseID)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = p.store.GetCatalogItem(p.ctx, approved.Release.Materialization.ItemID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	rel := release(t, p.store, registered.ReleaseID)
	assert.Equal(t, models.ApprovalRevoked, rel.ApprovalState)
	assert.False(t, rel.IsServed)
	assert.False(t, rel.IsLatest)
	assert.Equal(t, "withdrawn", *rel.RevokedReason)

	// Running it again converges on the same state.
	second := p.unpublish(&live, "withdrawn again")
	for _, d := range second.Deleted {
		assert.Equal(t, string(blobstore.AlreadyAbsent), d.Result)
	}
	assert.False(t, second.Cleanup.ItemDeleted)
	assert.True(t, second.Cleanup.AlreadyRevoked)
	assert.False(t, second.Cleanup.Revoked)

	// Identical parameters address the finished job.
	repeat, err := p.svc.Unpublish(p.ctx, UnpublishRequest{
		ReleaseID: registered.ReleaseID, DryRun: &live, Actor: "ops", Reason: "withdrawn",
	})
	require.NoError(t, err)
	assert.Equal(t, Unchanged, repeat.Outcome)
	assert.Equal(t, orchestrator.SubmitDuplicate, repeat.Job.Status)
}

func TestIngestWithMissingSourceFails(t *testing.T) {
	p := newPipeline(t)
	submitted, err := p.m.Submit(p.ctx, jobs.IngestJobType,
		json.RawMessage(`{"asset_id":"a2","sources":["incoming/a.tif","incoming/nope.tif"]}`))
	require.NoError(t, err)
	p.drain()

	job, err := p.store.GetJob(p.ctx, submitted.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.CurrentStage)

	releases, err := p.store.ListReleasesByAsset(p.ctx, "a2")
	require.NoError(t, err)
	assert.Empty(t, releases)
}
