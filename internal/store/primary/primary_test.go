package primary

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"coremachine/internal/models"
	"coremachine/internal/store"
)

// These tests need a disposable database, e.g.
// COREMACHINE_TEST_POSTGRES_DSN=postgres://postgres@localhost:5432/coremachine_test
func openTestStore(t *testing.T) *StoreImpl {
	t.Helper()
	dsn := os.Getenv("COREMACHINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COREMACHINE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPrimaryStore(ctx, dsn, 8)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE catalog_items, catalog_collections, releases, tasks, jobs`)
	require.NoError(t, err)
	return s
}

func newJob(id string) *models.Job {
	return &models.Job{
		JobID:       id,
		JobType:     "ingest_asset",
		TotalStages: 2,
		Parameters:  json.RawMessage(`{"asset_id":"a1"}`),
	}
}

func TestCreateJobAndRetry(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	job := newJob("job-1")
	retried, err := s.CreateJob(ctx, job)
	require.NoError(t, err)
	assert.False(t, retried)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	_, err = s.CreateJob(ctx, newJob("job-1"))
	assert.ErrorIs(t, err, store.ErrDuplicate)

	ok, err := s.FailJob(ctx, "job-1", 1, "boom")
	require.NoError(t, err)
	require.True(t, ok)

	again := newJob("job-1")
	retried, err = s.CreateJob(ctx, again)
	require.NoError(t, err)
	assert.True(t, retried)
	assert.Equal(t, 2, again.Attempt)
	assert.Equal(t, models.JobStatusProcessing, again.Status)
}

func TestStageSummaryAndAdvance(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.CreateJob(ctx, newJob("job-1"))
	require.NoError(t, err)

	var tasks []*models.Task
	for i := 0; i < 3; i++ {
		tasks = append(tasks, &models.Task{
			TaskID:      models.TaskID("job-1", 1, i),
			ParentJobID: "job-1",
			JobType:     "ingest_asset",
			TaskType:    "copy",
			Stage:       1,
			TaskIndex:   i,
			Attempt:     1,
			Parameters:  json.RawMessage(`{}`),
		})
	}
	require.NoError(t, s.CreateTasks(ctx, "job-1", 1, 1, tasks))
	// Redelivery keeps progress.
	for _, i := range []int{2, 0, 1} {
		ok, err := s.FinishTask(ctx, models.TaskID("job-1", 1, i), models.TaskStatusCompleted, json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)), nil)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, s.CreateTasks(ctx, "job-1", 1, 1, tasks))

	sum, err := s.SummarizeStage(ctx, "job-1", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Completed)
	assert.Zero(t, sum.NonTerminal())
	require.Len(t, sum.Results, 3)
	assert.JSONEq(t, `{"i":0}`, string(sum.Results[0]))
	assert.JSONEq(t, `{"i":2}`, string(sum.Results[2]))

	ok, err := s.UpdateJobStatus(ctx, "job-1", models.JobStatusQueued, models.JobStatusProcessing)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.AdvanceJobStage(ctx, "job-1", 1, 1, json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AdvanceJobStage(ctx, "job-1", 1, 1, json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.False(t, ok, "advancing the same stage twice")
}

func TestNamedLockSerializesTransactions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var inside, maxInside atomic.Int32
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			return s.InTx(ctx, func(tx store.Tx) error {
				if err := tx.AcquireNamedLock(ctx, store.StageLockName("job-1", 1)); err != nil {
					return err
				}
				n := inside.Add(1)
				for {
					cur := maxInside.Load()
					if n <= cur || maxInside.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, maxInside.Load())
}

func TestApproveAndRevokeOrdinals(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, id := range []string{"r1", "r2"} {
		_, err := s.CreateRelease(ctx, &models.Release{ReleaseID: id, AssetID: "a1", JobID: "job-" + id, Artifacts: []string{id}})
		require.NoError(t, err)
		ok, err := s.ApproveRelease(ctx, id, "alice", time.Now().UTC().Truncate(time.Microsecond))
		require.NoError(t, err)
		require.True(t, ok)
	}

	r2, err := s.GetRelease(ctx, "r2")
	require.NoError(t, err)
	require.NotNil(t, r2.VersionOrdinal)
	assert.Equal(t, 2, *r2.VersionOrdinal)
	assert.True(t, r2.IsLatest)

	ok, err := s.RevokeRelease(ctx, "r2", "alice", "bad", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	r1, err := s.GetRelease(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, r1.IsLatest)
}
