package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"coremachine/internal/models"
	"coremachine/internal/store"
)

// --- Job Store Implementation ---

const jobColumns = `job_id, job_type, status, current_stage, total_stages, attempt,
	stage_results, parameters, result, error, created_at, updated_at, completed_at`

// CreateJob inserts a QUEUED job or resets a FAILED one for its next attempt.
func (s *StoreImpl) CreateJob(ctx context.Context, job *models.Job) (bool, error) {
	query := `
		INSERT INTO jobs (job_id, job_type, status, current_stage, total_stages, attempt,
			stage_results, parameters, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, 1, '{}'::jsonb, $5, $6, $6)
		ON CONFLICT (job_id) DO UPDATE SET
			status = $7,
			current_stage = 1,
			total_stages = EXCLUDED.total_stages,
			attempt = jobs.attempt + 1,
			stage_results = '{}'::jsonb,
			parameters = EXCLUDED.parameters,
			result = NULL,
			error = NULL,
			completed_at = NULL,
			updated_at = EXCLUDED.updated_at
		WHERE jobs.status = $8
		RETURNING ` + jobColumns

	params := job.Parameters
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	now := time.Now().UTC()
	row := s.db.QueryRow(ctx, query,
		job.JobID, job.JobType, string(models.JobStatusQueued), job.TotalStages,
		string(params), now,
		string(models.JobStatusProcessing), string(models.JobStatusFailed),
	)
	stored, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("job %s: %w", job.JobID, store.ErrDuplicate)
		}
		return false, fmt.Errorf("failed to create job %s: %w", job.JobID, mapError(err))
	}
	*job = *stored
	return job.Attempt > 1, nil
}

// GetJob retrieves a job by id.
func (s *StoreImpl) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *StoreImpl) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if filter.JobType != "" {
		args = append(args, filter.JobType)
		where = append(where, "job_type = $"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return s.queryJobs(ctx, query, args...)
}

// UpdateJobStatus moves a job from one status to another.
func (s *StoreImpl) UpdateJobStatus(ctx context.Context, jobID string, from, to models.JobStatus) (bool, error) {
	cmdTag, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = $3, updated_at = $4 WHERE job_id = $1 AND status = $2`,
		jobID, string(from), string(to), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to update status of job %s: %w", jobID, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// AdvanceJobStage records the result of fromStage and moves to the next stage.
func (s *StoreImpl) AdvanceJobStage(ctx context.Context, jobID string, attempt, fromStage int, stageResult json.RawMessage) (bool, error) {
	query := `
		UPDATE jobs SET
			current_stage = current_stage + 1,
			stage_results = stage_results || jsonb_build_object($4::text, $5::jsonb),
			updated_at = $6
		WHERE job_id = $1 AND status = $7 AND attempt = $2 AND current_stage = $3
			AND current_stage < total_stages`
	cmdTag, err := s.db.Exec(ctx, query,
		jobID, attempt, fromStage, strconv.Itoa(fromStage), jsonOrNull(stageResult),
		time.Now().UTC(), string(models.JobStatusProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to advance job %s past stage %d: %w", jobID, fromStage, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// CompleteJob records the final stage result and marks the job COMPLETED.
func (s *StoreImpl) CompleteJob(ctx context.Context, jobID string, attempt, finalStage int, stageResult, result json.RawMessage) (bool, error) {
	query := `
		UPDATE jobs SET
			status = $8,
			stage_results = stage_results || jsonb_build_object($4::text, $5::jsonb),
			result = $6,
			updated_at = $7,
			completed_at = $7
		WHERE job_id = $1 AND status = $9 AND attempt = $2 AND current_stage = $3`
	cmdTag, err := s.db.Exec(ctx, query,
		jobID, attempt, finalStage, strconv.Itoa(finalStage), jsonOrNull(stageResult),
		nullableJSON(result), time.Now().UTC(),
		string(models.JobStatusCompleted), string(models.JobStatusProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// FailJob marks a QUEUED or PROCESSING job FAILED.
func (s *StoreImpl) FailJob(ctx context.Context, jobID string, attempt int, errMsg string) (bool, error) {
	query := `
		UPDATE jobs SET status = $4, error = $3, updated_at = $5, completed_at = $5
		WHERE job_id = $1 AND attempt = $2 AND status IN ($6, $7)`
	cmdTag, err := s.db.Exec(ctx, query,
		jobID, attempt, errMsg, string(models.JobStatusFailed), time.Now().UTC(),
		string(models.JobStatusQueued), string(models.JobStatusProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// ListStalledJobs finds non-terminal jobs with no live task in their current stage.
func (s *StoreImpl) ListStalledJobs(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM jobs j
		WHERE j.status IN ($1, $2) AND j.updated_at < $3
			AND NOT EXISTS (
				SELECT 1 FROM tasks t
				WHERE t.parent_job_id = j.job_id AND t.stage = j.current_stage
					AND t.attempt = j.attempt AND t.status IN ($4, $5))
		ORDER BY j.updated_at
		LIMIT $6`
	return s.queryJobs(ctx, query,
		string(models.JobStatusQueued), string(models.JobStatusProcessing), cutoff.UTC(),
		string(models.TaskStatusPending), string(models.TaskStatusProcessing), limit)
}

func (s *StoreImpl) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return jobs, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return jobs, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

// scanJob expects the columns in jobColumns order.
func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job          models.Job
		status       string
		stageResults []byte
		params       []byte
		result       []byte
	)
	err := row.Scan(
		&job.JobID, &job.JobType, &status, &job.CurrentStage, &job.TotalStages, &job.Attempt,
		&stageResults, &params, &result, &job.Error,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.Parameters = json.RawMessage(params)
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	if job.StageResults, err = decodeStageResults(stageResults); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.JobID, err)
	}
	return &job, nil
}

func decodeStageResults(raw []byte) (map[int]json.RawMessage, error) {
	out := map[int]json.RawMessage{}
	if len(raw) == 0 {
		return out, nil
	}
	var byKey map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, fmt.Errorf("invalid stage results: %w", err)
	}
	for k, v := range byKey {
		stage, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid stage key %q: %w", k, err)
		}
		out[stage] = v
	}
	return out, nil
}

// jsonOrNull keeps a missing stage result distinguishable from an empty one.
func jsonOrNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
