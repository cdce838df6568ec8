package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coremachine/internal/models"
	"coremachine/internal/store"
)

const taskColumns = `task_id, parent_job_id, job_type, task_type, stage, task_index, attempt,
	parameters, status, result, error, heartbeat, retry_count, created_at, updated_at`

// CreateTasks upserts the tasks of one stage attempt.
func (s *Store) CreateTasks(ctx context.Context, jobID string, stage, attempt int, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	now := formatTime(time.Now())
	return s.withTx(ctx, func(q querier) error {
		for _, t := range tasks {
			if t.ParentJobID != jobID || t.Stage != stage || t.Attempt != attempt {
				return fmt.Errorf("task %s does not belong to job %s stage %d attempt %d: %w",
					t.TaskID, jobID, stage, attempt, models.ErrContractViolation)
			}
			params := t.Parameters
			if len(params) == 0 {
				params = json.RawMessage("{}")
			}
			_, err := q.ExecContext(ctx, `
				INSERT INTO tasks (task_id, parent_job_id, job_type, task_type, stage, task_index, attempt,
					parameters, status, retry_count, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
				ON CONFLICT (parent_job_id, stage, task_index) DO UPDATE SET
					task_type = excluded.task_type,
					attempt = excluded.attempt,
					parameters = excluded.parameters,
					status = excluded.status,
					result = NULL,
					error = NULL,
					heartbeat = NULL,
					retry_count = 0,
					updated_at = excluded.updated_at
				WHERE tasks.attempt < excluded.attempt`,
				t.TaskID, t.ParentJobID, t.JobType, t.TaskType, t.Stage, t.TaskIndex, t.Attempt,
				string(params), string(models.TaskStatusPending), now, now)
			if err != nil {
				return fmt.Errorf("failed to create task %s: %w", t.TaskID, err)
			}
		}
		return nil
	})
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := scanTask(s.q().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListTasks returns the tasks of a job, optionally restricted to one stage.
func (s *Store) ListTasks(ctx context.Context, jobID string, stage int) ([]*models.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE parent_job_id = ? AND (? = 0 OR stage = ?)
		ORDER BY stage, task_index`, jobID, stage, stage)
}

// MarkTaskProcessing claims a task for execution.
func (s *Store) MarkTaskProcessing(ctx context.Context, taskID string, retryCount int) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.q().ExecContext(ctx, `
		UPDATE tasks SET status = ?, heartbeat = ?, updated_at = ?
		WHERE task_id = ? AND retry_count = ? AND status IN (?, ?)`,
		string(models.TaskStatusProcessing), now, now, taskID, retryCount,
		string(models.TaskStatusPending), string(models.TaskStatusProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s processing: %w", taskID, err)
	}
	return affectedOne(res)
}

// FinishTask writes a terminal status unless the task is already terminal.
func (s *Store) FinishTask(ctx context.Context, taskID string, status models.TaskStatus, result json.RawMessage, errMsg *string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finish task %s with %s: %w", taskID, status, models.ErrContractViolation)
	}
	res, err := s.q().ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE task_id = ? AND status NOT IN (?, ?)`,
		string(status), nullableText(result), errMsg, formatTime(time.Now()), taskID,
		string(models.TaskStatusCompleted), string(models.TaskStatusFailed))
	if err != nil {
		return false, fmt.Errorf("failed to finish task %s: %w", taskID, err)
	}
	return affectedOne(res)
}

// RequeueTask returns a task to PENDING for another delivery.
func (s *Store) RequeueTask(ctx context.Context, taskID string, retryCount int, errMsg string) (bool, error) {
	res, err := s.q().ExecContext(ctx, `
		UPDATE tasks SET status = ?, retry_count = ?, error = ?, heartbeat = NULL, updated_at = ?
		WHERE task_id = ? AND retry_count < ? AND status NOT IN (?, ?)`,
		string(models.TaskStatusPending), retryCount, errMsg, formatTime(time.Now()),
		taskID, retryCount, string(models.TaskStatusCompleted), string(models.TaskStatusFailed))
	if err != nil {
		return false, fmt.Errorf("failed to requeue task %s: %w", taskID, err)
	}
	return affectedOne(res)
}

// HeartbeatTask refreshes the liveness timestamp of a PROCESSING task.
func (s *Store) HeartbeatTask(ctx context.Context, taskID string) error {
	_, err := s.q().ExecContext(ctx,
		`UPDATE tasks SET heartbeat = ? WHERE task_id = ? AND status = ?`,
		formatTime(time.Now()), taskID, string(models.TaskStatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to heartbeat task %s: %w", taskID, err)
	}
	return nil
}

// SummarizeStage counts task states of one stage attempt.
func (s *Store) SummarizeStage(ctx context.Context, jobID string, stage, attempt int) (store.StageSummary, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT status, result, error FROM tasks
		WHERE parent_job_id = ? AND stage = ? AND attempt = ?
		ORDER BY task_index`, jobID, stage, attempt)
	if err != nil {
		return store.StageSummary{}, fmt.Errorf("failed to summarize stage %d of job %s: %w", stage, jobID, err)
	}
	defer rows.Close()

	var sum store.StageSummary
	for rows.Next() {
		var (
			status string
			result sql.NullString
			errMsg sql.NullString
		)
		if err := rows.Scan(&status, &result, &errMsg); err != nil {
			return sum, fmt.Errorf("failed to scan task summary row: %w", err)
		}
		var raw []byte
		if result.Valid {
			raw = []byte(result.String)
		}
		sum.Add(models.TaskStatus(status), raw, nullString(errMsg))
	}
	if err := rows.Err(); err != nil {
		return sum, fmt.Errorf("error iterating task summary rows: %w", err)
	}
	return sum, nil
}

// ListStaleTasks returns PROCESSING tasks whose heartbeat predates cutoff.
func (s *Store) ListStaleTasks(ctx context.Context, cutoff time.Time, limit int) ([]*models.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND heartbeat < ?
		ORDER BY heartbeat
		LIMIT ?`, string(models.TaskStatusProcessing), formatTime(cutoff), limit)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return tasks, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return tasks, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task      models.Task
		status    string
		params    string
		result    sql.NullString
		errMsg    sql.NullString
		heartbeat sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&task.TaskID, &task.ParentJobID, &task.JobType, &task.TaskType, &task.Stage, &task.TaskIndex,
		&task.Attempt, &params, &status, &result, &errMsg, &heartbeat, &task.RetryCount,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Status = models.TaskStatus(status)
	task.Parameters = json.RawMessage(params)
	if result.Valid {
		task.Result = json.RawMessage(result.String)
	}
	task.Error = nullString(errMsg)
	if task.Heartbeat, err = parseNullTime(heartbeat); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &task, nil
}
