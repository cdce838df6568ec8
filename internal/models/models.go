package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Job is the top-level unit of work. Rows are never deleted.
type Job struct {
	JobID        string                  `db:"job_id" json:"job_id"`
	JobType      string                  `db:"job_type" json:"job_type"`
	Status       JobStatus               `db:"status" json:"status"`
	CurrentStage int                     `db:"current_stage" json:"current_stage"`
	TotalStages  int                     `db:"total_stages" json:"total_stages"`
	Attempt      int                     `db:"attempt" json:"attempt"`
	StageResults map[int]json.RawMessage `db:"stage_results" json:"stage_results,omitempty"`
	Parameters   json.RawMessage         `db:"parameters" json:"parameters"`
	Result       json.RawMessage         `db:"result" json:"result,omitempty"`
	Error        *string                 `db:"error" json:"error,omitempty"`
	CreatedAt    time.Time               `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time               `db:"updated_at" json:"updated_at"`
	CompletedAt  *time.Time              `db:"completed_at" json:"completed_at,omitempty"`
}

// StageResult is one entry of a job's ordered stage results.
type StageResult struct {
	Stage  int             `json:"stage"`
	Result json.RawMessage `json:"result"`
}

// OrderedStageResults returns the stage results sorted by stage number.
func (j *Job) OrderedStageResults() []StageResult {
	stages := make([]int, 0, len(j.StageResults))
	for stage := range j.StageResults {
		stages = append(stages, stage)
	}
	sort.Ints(stages)
	out := make([]StageResult, 0, len(stages))
	for _, stage := range stages {
		out = append(out, StageResult{Stage: stage, Result: j.StageResults[stage]})
	}
	return out
}

// Task is the smallest unit of parallel work within a stage.
type Task struct {
	TaskID      string          `db:"task_id" json:"task_id"`
	ParentJobID string          `db:"parent_job_id" json:"parent_job_id"`
	JobType     string          `db:"job_type" json:"job_type"`
	TaskType    string          `db:"task_type" json:"task_type"`
	Stage       int             `db:"stage" json:"stage"`
	TaskIndex   int             `db:"task_index" json:"task_index"`
	Attempt     int             `db:"attempt" json:"attempt"`
	Parameters  json.RawMessage `db:"parameters" json:"parameters"`
	Status      TaskStatus      `db:"status" json:"status"`
	Result      json.RawMessage `db:"result" json:"result,omitempty"`
	Error       *string         `db:"error" json:"error,omitempty"`
	Heartbeat   *time.Time      `db:"heartbeat" json:"heartbeat,omitempty"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// TaskID builds the deterministic identifier of a task. Redelivered stage
// creation messages therefore address the same rows.
func TaskID(jobID string, stage, index int) string {
	return fmt.Sprintf("%s-s%d-t%04d", jobID, stage, index)
}

// TaskSpec is what a job definition returns for each task of a stage.
type TaskSpec struct {
	TaskType   string          `json:"task_type"`
	Parameters json.RawMessage `json:"parameters"`
}

// Release is one version of a published asset with its own approval lifecycle.
type Release struct {
	ReleaseID       string        `db:"release_id" json:"release_id"`
	AssetID         string        `db:"asset_id" json:"asset_id"`
	JobID           string        `db:"job_id" json:"job_id"`
	VersionOrdinal  *int          `db:"version_ordinal" json:"version_ordinal,omitempty"`
	ApprovalState   ApprovalState `db:"approval_state" json:"approval_state"`
	IsLatest        bool          `db:"is_latest" json:"is_latest"`
	IsServed        bool          `db:"is_served" json:"is_served"`
	Artifacts       []string      `db:"artifacts" json:"artifacts"`
	Materialization *Snapshot     `db:"materialization" json:"materialization,omitempty"`
	ApprovedAt      *time.Time    `db:"approved_at" json:"approved_at,omitempty"`
	ApprovedBy      *string       `db:"approved_by" json:"approved_by,omitempty"`
	RejectedAt      *time.Time    `db:"rejected_at" json:"rejected_at,omitempty"`
	RejectedBy      *string       `db:"rejected_by" json:"rejected_by,omitempty"`
	RejectedReason  *string       `db:"rejected_reason" json:"rejected_reason,omitempty"`
	RevokedAt       *time.Time    `db:"revoked_at" json:"revoked_at,omitempty"`
	RevokedBy       *string       `db:"revoked_by" json:"revoked_by,omitempty"`
	RevokedReason   *string       `db:"revoked_reason" json:"revoked_reason,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// Snapshot records what approval materialized, so reversal does not depend
// on live catalog state.
type Snapshot struct {
	CollectionID   string    `json:"collection_id"`
	ItemID         string    `json:"item_id"`
	Artifacts      []string  `json:"artifacts"`
	MaterializedAt time.Time `json:"materialized_at"`
}

// CatalogCollection is the container entry for an asset.
type CatalogCollection struct {
	CollectionID string    `db:"collection_id" json:"collection_id"`
	AssetID      string    `db:"asset_id" json:"asset_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// CatalogItem is the searchable entry for one served release.
type CatalogItem struct {
	ItemID         string    `db:"item_id" json:"item_id"`
	CollectionID   string    `db:"collection_id" json:"collection_id"`
	ReleaseID      string    `db:"release_id" json:"release_id"`
	VersionOrdinal int       `db:"version_ordinal" json:"version_ordinal"`
	Assets         []string  `db:"assets" json:"assets"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
