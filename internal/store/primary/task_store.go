package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"coremachine/internal/models"
	"coremachine/internal/store"
)

// --- Task Store Implementation ---

const taskColumns = `task_id, parent_job_id, job_type, task_type, stage, task_index, attempt,
	parameters, status, result, error, heartbeat, retry_count, created_at, updated_at`

// CreateTasks upserts the tasks of one stage attempt.
func (s *StoreImpl) CreateTasks(ctx context.Context, jobID string, stage, attempt int, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	query := `
		INSERT INTO tasks (task_id, parent_job_id, job_type, task_type, stage, task_index, attempt,
			parameters, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $10)
		ON CONFLICT (parent_job_id, stage, task_index) DO UPDATE SET
			task_type = EXCLUDED.task_type,
			attempt = EXCLUDED.attempt,
			parameters = EXCLUDED.parameters,
			status = EXCLUDED.status,
			result = NULL,
			error = NULL,
			heartbeat = NULL,
			retry_count = 0,
			updated_at = EXCLUDED.updated_at
		WHERE tasks.attempt < EXCLUDED.attempt`

	now := time.Now().UTC()
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
			_, err := q.Exec(ctx, query,
				t.TaskID, t.ParentJobID, t.JobType, t.TaskType, t.Stage, t.TaskIndex, t.Attempt,
				string(params), string(models.TaskStatusPending), now)
			if err != nil {
				return fmt.Errorf("failed to create task %s: %w", t.TaskID, err)
			}
		}
		return nil
	})
}

// GetTask retrieves a task by id.
func (s *StoreImpl) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListTasks returns the tasks of a job, optionally restricted to one stage.
func (s *StoreImpl) ListTasks(ctx context.Context, jobID string, stage int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE parent_job_id = $1 AND ($2 = 0 OR stage = $2)
		ORDER BY stage, task_index`
	return s.queryTasks(ctx, query, jobID, stage)
}

// MarkTaskProcessing claims a task for execution.
func (s *StoreImpl) MarkTaskProcessing(ctx context.Context, taskID string, retryCount int) (bool, error) {
	query := `
		UPDATE tasks SET status = $3, heartbeat = $4, updated_at = $4
		WHERE task_id = $1 AND retry_count = $2 AND status IN ($5, $3)`
	cmdTag, err := s.db.Exec(ctx, query,
		taskID, retryCount, string(models.TaskStatusProcessing), time.Now().UTC(),
		string(models.TaskStatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s processing: %w", taskID, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// FinishTask writes a terminal status unless the task is already terminal.
func (s *StoreImpl) FinishTask(ctx context.Context, taskID string, status models.TaskStatus, result json.RawMessage, errMsg *string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finish task %s with %s: %w", taskID, status, models.ErrContractViolation)
	}
	query := `
		UPDATE tasks SET status = $2, result = $3, error = $4, updated_at = $5
		WHERE task_id = $1 AND status NOT IN ($6, $7)`
	cmdTag, err := s.db.Exec(ctx, query,
		taskID, string(status), nullableJSON(result), errMsg, time.Now().UTC(),
		string(models.TaskStatusCompleted), string(models.TaskStatusFailed))
	if err != nil {
		return false, fmt.Errorf("failed to finish task %s: %w", taskID, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// RequeueTask returns a task to PENDING for another delivery.
func (s *StoreImpl) RequeueTask(ctx context.Context, taskID string, retryCount int, errMsg string) (bool, error) {
	query := `
		UPDATE tasks SET status = $4, retry_count = $2, error = $3, heartbeat = NULL, updated_at = $5
		WHERE task_id = $1 AND retry_count < $2 AND status NOT IN ($6, $7)`
	cmdTag, err := s.db.Exec(ctx, query,
		taskID, retryCount, errMsg, string(models.TaskStatusPending), time.Now().UTC(),
		string(models.TaskStatusCompleted), string(models.TaskStatusFailed))
	if err != nil {
		return false, fmt.Errorf("failed to requeue task %s: %w", taskID, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// HeartbeatTask refreshes the liveness timestamp of a PROCESSING task.
func (s *StoreImpl) HeartbeatTask(ctx context.Context, taskID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE tasks SET heartbeat = $2 WHERE task_id = $1 AND status = $3`,
		taskID, time.Now().UTC(), string(models.TaskStatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to heartbeat task %s: %w", taskID, err)
	}
	return nil
}

// SummarizeStage counts task states of one stage attempt.
func (s *StoreImpl) SummarizeStage(ctx context.Context, jobID string, stage, attempt int) (store.StageSummary, error) {
	query := `
		SELECT status, result, error FROM tasks
		WHERE parent_job_id = $1 AND stage = $2 AND attempt = $3
		ORDER BY task_index`
	rows, err := s.db.Query(ctx, query, jobID, stage, attempt)
	if err != nil {
		return store.StageSummary{}, fmt.Errorf("failed to summarize stage %d of job %s: %w", stage, jobID, err)
	}
	defer rows.Close()

	var sum store.StageSummary
	for rows.Next() {
		var (
			status string
			result []byte
			errMsg *string
		)
		if err := rows.Scan(&status, &result, &errMsg); err != nil {
			return sum, fmt.Errorf("failed to scan task summary row: %w", err)
		}
		sum.Add(models.TaskStatus(status), result, errMsg)
	}
	if err := rows.Err(); err != nil {
		return sum, fmt.Errorf("error iterating task summary rows: %w", err)
	}
	return sum, nil
}

// ListStaleTasks returns PROCESSING tasks whose heartbeat predates cutoff.
func (s *StoreImpl) ListStaleTasks(ctx context.Context, cutoff time.Time, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = $1 AND heartbeat < $2
		ORDER BY heartbeat
		LIMIT $3`
	return s.queryTasks(ctx, query, string(models.TaskStatusProcessing), cutoff.UTC(), limit)
}

func (s *StoreImpl) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.Query(ctx, query, args...)
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

func scanTask(row pgx.Row) (*models.Task, error) {
	var (
		task   models.Task
		status string
		params []byte
		result []byte
	)
	err := row.Scan(
		&task.TaskID, &task.ParentJobID, &task.JobType, &task.TaskType, &task.Stage, &task.TaskIndex,
		&task.Attempt, &params, &status, &result, &task.Error, &task.Heartbeat, &task.RetryCount,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Status = models.TaskStatus(status)
	task.Parameters = json.RawMessage(params)
	if len(result) > 0 {
		task.Result = json.RawMessage(result)
	}
	return &task, nil
}
