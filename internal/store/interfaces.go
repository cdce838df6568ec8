package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"coremachine/internal/models"
)

// --- Job Store ---

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status  models.JobStatus // Optional
	JobType string           // Optional
	Limit   int
	Offset  int
}

type JobStore interface {
	// CreateJob inserts job, or resets it for another attempt when a FAILED
	// row with the same id exists (FAILED -> PROCESSING). It returns
	// ErrDuplicate when the id exists in any other state. On success job is
	// refreshed from the stored row.
	CreateJob(ctx context.Context, job *models.Job) (retried bool, err error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	// UpdateJobStatus is a conditional write. false means the job was not in
	// status from and has already transitioned elsewhere.
	UpdateJobStatus(ctx context.Context, jobID string, from, to models.JobStatus) (bool, error)
	// AdvanceJobStage moves a PROCESSING job from fromStage to fromStage+1 and
	// records the result of fromStage.
	AdvanceJobStage(ctx context.Context, jobID string, attempt, fromStage int, stageResult json.RawMessage) (bool, error)
	CompleteJob(ctx context.Context, jobID string, attempt, finalStage int, stageResult, result json.RawMessage) (bool, error)
	// FailJob marks a QUEUED or PROCESSING job FAILED.
	FailJob(ctx context.Context, jobID string, attempt int, errMsg string) (bool, error)
	// ListStalledJobs returns non-terminal jobs untouched since cutoff whose
	// current stage has no PENDING or PROCESSING tasks.
	ListStalledJobs(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)
}

// --- Task Store ---

// StageSummary aggregates the tasks of one (job, stage, attempt).
type StageSummary struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
	// Results holds the results of COMPLETED tasks ordered by task_index.
	Results []json.RawMessage
	// Errors holds the error messages of FAILED tasks ordered by task_index.
	Errors []string
}

// NonTerminal is the number of tasks still PENDING or PROCESSING.
func (s StageSummary) NonTerminal() int {
	return s.Pending + s.Processing
}

// Add folds one task row into the summary. Rows must arrive in task_index order.
func (s *StageSummary) Add(status models.TaskStatus, result []byte, errMsg *string) {
	s.Total++
	switch status {
	case models.TaskStatusPending:
		s.Pending++
	case models.TaskStatusProcessing:
		s.Processing++
	case models.TaskStatusCompleted:
		s.Completed++
		if len(result) == 0 {
			result = []byte("null")
		}
		s.Results = append(s.Results, json.RawMessage(result))
	case models.TaskStatusFailed:
		s.Failed++
		msg := "task failed"
		if errMsg != nil {
			msg = *errMsg
		}
		s.Errors = append(s.Errors, msg)
	}
}

type TaskStore interface {
	// CreateTasks upserts on (parent_job_id, stage, task_index). Existing rows
	// are only reset when they belong to an older attempt, so redelivery of a
	// stage creation message leaves progress untouched.
	CreateTasks(ctx context.Context, jobID string, stage, attempt int, tasks []*models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	// ListTasks returns tasks of a job ordered by stage and index. stage 0
	// lists every stage.
	ListTasks(ctx context.Context, jobID string, stage int) ([]*models.Task, error)
	// MarkTaskProcessing moves a non-terminal task with the given retry count
	// to PROCESSING and stamps its heartbeat.
	MarkTaskProcessing(ctx context.Context, taskID string, retryCount int) (bool, error)
	// FinishTask writes a terminal status. false means the task was already terminal.
	FinishTask(ctx context.Context, taskID string, status models.TaskStatus, result json.RawMessage, errMsg *string) (bool, error)
	// RequeueTask returns a non-terminal task to PENDING with a new retry count.
	RequeueTask(ctx context.Context, taskID string, retryCount int, errMsg string) (bool, error)
	HeartbeatTask(ctx context.Context, taskID string) error
	SummarizeStage(ctx context.Context, jobID string, stage, attempt int) (StageSummary, error)
	// ListStaleTasks returns PROCESSING tasks whose heartbeat is older than cutoff.
	ListStaleTasks(ctx context.Context, cutoff time.Time, limit int) ([]*models.Task, error)
}

// --- Release Store ---

type ReleaseStore interface {
	// CreateRelease inserts a pending_review release. A release already
	// recorded for the same producing job is loaded into r instead.
	CreateRelease(ctx context.Context, r *models.Release) (created bool, err error)
	GetRelease(ctx context.Context, releaseID string) (*models.Release, error)
	// ListReleasesByAsset returns the version history of an asset, newest first.
	ListReleasesByAsset(ctx context.Context, assetID string) ([]*models.Release, error)
	// ApproveRelease is conditional on pending_review. It assigns the next
	// version ordinal, makes the release latest and served, and demotes the
	// previous latest. ErrVersionConflict reports a commit-time collision.
	ApproveRelease(ctx context.Context, releaseID, actor string, at time.Time) (bool, error)
	RejectRelease(ctx context.Context, releaseID, actor, reason string, at time.Time) (bool, error)
	// RevokeRelease is conditional on approved. In the same transaction the
	// most recent remaining approved release of the asset becomes latest.
	RevokeRelease(ctx context.Context, releaseID, actor, reason string, at time.Time) (bool, error)
	// RollbackApproval restores pending_review only when the release is still
	// exactly as ApproveRelease(actor, approvedAt) left it.
	RollbackApproval(ctx context.Context, releaseID, actor string, approvedAt time.Time) (bool, error)
	RecordMaterialization(ctx context.Context, releaseID string, snap *models.Snapshot) (bool, error)
}

// --- Catalog Store ---

type CatalogStore interface {
	UpsertCollection(ctx context.Context, c *models.CatalogCollection) error
	UpsertItem(ctx context.Context, item *models.CatalogItem) error
	GetCatalogItem(ctx context.Context, itemID string) (*models.CatalogItem, error)
	DeleteCatalogItem(ctx context.Context, itemID string) (bool, error)
	// DeleteCollectionIfEmpty removes the collection only when no item references it.
	DeleteCollectionIfEmpty(ctx context.Context, collectionID string) (bool, error)
	CountCatalogItems(ctx context.Context, releaseID string) (int, error)
}

// --- Transactions ---

// Tx exposes every port inside one database transaction.
type Tx interface {
	JobStore
	TaskStore
	ReleaseStore
	CatalogStore
	// AcquireNamedLock blocks until the transaction holds the exclusive lock
	// called name. The lock is keyed by name, not by a row, and is released
	// when the transaction ends.
	AcquireNamedLock(ctx context.Context, name string) error
}

type Transactor interface {
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Backend is a complete persistence implementation.
type Backend interface {
	JobStore
	TaskStore
	ReleaseStore
	CatalogStore
	Transactor

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// StageLockName is the named lock serializing completion checks of one stage.
func StageLockName(jobID string, stage int) string {
	return "stage:" + jobID + ":" + strconv.Itoa(stage)
}
