package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"coremachine/internal/models"
	"coremachine/internal/store"
)

const jobColumns = `job_id, job_type, status, current_stage, total_stages, attempt,
	stage_results, parameters, result, error, created_at, updated_at, completed_at`

// CreateJob inserts a QUEUED job or resets a FAILED one for its next attempt.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) (bool, error) {
	params := job.Parameters
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	now := formatTime(time.Now())
	row := s.q().QueryRowContext(ctx, `
		INSERT INTO jobs (job_id, job_type, status, current_stage, total_stages, attempt,
			stage_results, parameters, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, 1, '{}', ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			status = ?,
			current_stage = 1,
			total_stages = excluded.total_stages,
			attempt = jobs.attempt + 1,
			stage_results = '{}',
			parameters = excluded.parameters,
			result = NULL,
			error = NULL,
			completed_at = NULL,
			updated_at = excluded.updated_at
		WHERE jobs.status = ?
		RETURNING `+jobColumns,
		job.JobID, job.JobType, string(models.JobStatusQueued), job.TotalStages, string(params), now, now,
		string(models.JobStatusProcessing), string(models.JobStatusFailed),
	)
	stored, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("job %s: %w", job.JobID, store.ErrDuplicate)
		}
		return false, fmt.Errorf("failed to create job %s: %w", job.JobID, mapError(err))
	}
	*job = *stored
	return job.Attempt > 1, nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := scanJob(s.q().QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.JobType != "" {
		where = append(where, "job_type = ?")
		args = append(args, filter.JobType)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC, job_id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)
	return s.queryJobs(ctx, query, args...)
}

// UpdateJobStatus moves a job from one status to another.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, from, to models.JobStatus) (bool, error) {
	res, err := s.q().ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ? AND status = ?`,
		string(to), formatTime(time.Now()), jobID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update status of job %s: %w", jobID, err)
	}
	return affectedOne(res)
}

// AdvanceJobStage records the result of fromStage and moves to the next stage.
func (s *Store) AdvanceJobStage(ctx context.Context, jobID string, attempt, fromStage int, stageResult json.RawMessage) (bool, error) {
	res, err := s.q().ExecContext(ctx, `
		UPDATE jobs SET
			current_stage = current_stage + 1,
			stage_results = json_set(stage_results, '$."' || ? || '"', json(?)),
			updated_at = ?
		WHERE job_id = ? AND status = ? AND attempt = ? AND current_stage = ?
			AND current_stage < total_stages`,
		strconv.Itoa(fromStage), jsonOrNull(stageResult), formatTime(time.Now()),
		jobID, string(models.JobStatusProcessing), attempt, fromStage)
	if err != nil {
		return false, fmt.Errorf("failed to advance job %s past stage %d: %w", jobID, fromStage, err)
	}
	return affectedOne(res)
}

// CompleteJob records the final stage result and marks the job COMPLETED.
func (s *Store) CompleteJob(ctx context.Context, jobID string, attempt, finalStage int, stageResult, result json.RawMessage) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.q().ExecContext(ctx, `
		UPDATE jobs SET
			status = ?,
			stage_results = json_set(stage_results, '$."' || ? || '"', json(?)),
			result = ?,
			updated_at = ?,
			completed_at = ?
		WHERE job_id = ? AND status = ? AND attempt = ? AND current_stage = ?`,
		string(models.JobStatusCompleted), strconv.Itoa(finalStage), jsonOrNull(stageResult),
		nullableText(result), now, now,
		jobID, string(models.JobStatusProcessing), attempt, finalStage)
	if err != nil {
		return false, fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	return affectedOne(res)
}

// FailJob marks a QUEUED or PROCESSING job FAILED.
func (s *Store) FailJob(ctx context.Context, jobID string, attempt int, errMsg string) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.q().ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE job_id = ? AND attempt = ? AND status IN (?, ?)`,
		string(models.JobStatusFailed), errMsg, now, now,
		jobID, attempt, string(models.JobStatusQueued), string(models.JobStatusProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}
	return affectedOne(res)
}

// ListStalledJobs finds non-terminal jobs with no live task in their current stage.
func (s *Store) ListStalledJobs(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN (?, ?) AND updated_at < ?
			AND NOT EXISTS (
				SELECT 1 FROM tasks t
				WHERE t.parent_job_id = jobs.job_id AND t.stage = jobs.current_stage
					AND t.attempt = jobs.attempt AND t.status IN (?, ?))
		ORDER BY updated_at
		LIMIT ?`
	return s.queryJobs(ctx, query,
		string(models.JobStatusQueued), string(models.JobStatusProcessing), formatTime(cutoff),
		string(models.TaskStatusPending), string(models.TaskStatusProcessing), limit)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job          models.Job
		status       string
		stageResults string
		params       string
		result       sql.NullString
		errMsg       sql.NullString
		createdAt    string
		updatedAt    string
		completedAt  sql.NullString
	)
	err := row.Scan(
		&job.JobID, &job.JobType, &status, &job.CurrentStage, &job.TotalStages, &job.Attempt,
		&stageResults, &params, &result, &errMsg, &createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	job.Parameters = json.RawMessage(params)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.Error = nullString(errMsg)
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if job.StageResults, err = decodeStageResults(stageResults); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.JobID, err)
	}
	return &job, nil
}

func decodeStageResults(raw string) (map[int]json.RawMessage, error) {
	out := map[int]json.RawMessage{}
	if raw == "" {
		return out, nil
	}
	var byKey map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &byKey); err != nil {
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

func jsonOrNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}
