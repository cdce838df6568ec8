package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"coremachine/internal/jobs"
	"coremachine/internal/models"
	"coremachine/internal/retry"
	"coremachine/internal/store"
)

// TaskOutcome is the terminal state reported for a task.
type TaskOutcome struct {
	Status models.TaskStatus
	Result json.RawMessage
	Error  string
}

// CompleteTask records the terminal state of a task and advances the stage
// when it was the last one. Completing an already terminal task is a no-op.
func (m *Machine) CompleteTask(ctx context.Context, taskID string, out TaskOutcome) error {
	if !out.Status.IsTerminal() {
		return fmt.Errorf("complete task %s with %s: %w", taskID, out.Status, models.ErrContractViolation)
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	if task.Status.IsTerminal() {
		return nil
	}

	var errMsg *string
	if out.Status == models.TaskStatusFailed {
		msg := out.Error
		if msg == "" {
			msg = "task failed"
		}
		errMsg = &msg
	}
	finished, err := m.store.FinishTask(ctx, taskID, out.Status, out.Result, errMsg)
	if err != nil {
		return err
	}
	if !finished {
		return nil
	}
	return m.afterTaskFinished(ctx, task)
}

// afterTaskFinished runs the completion check for the task's stage and kicks
// off the next stage when this call advanced the job.
func (m *Machine) afterTaskFinished(ctx context.Context, task *models.Task) error {
	next, err := m.checkStage(ctx, task.ParentJobID, task.Attempt, task.Stage)
	if err != nil {
		return err
	}
	if next == 0 {
		return nil
	}
	return m.startStage(ctx, task.ParentJobID, task.Attempt, next)
}

// HandleTaskMessage executes one task. Redelivered messages for tasks that
// are terminal, already retried, or from an earlier job attempt are dropped.
func (m *Machine) HandleTaskMessage(ctx context.Context, msg models.TaskMessage) error {
	log := m.log.WithFields(logrus.Fields{
		"job_id":      msg.ParentJobID,
		"stage":       msg.Stage,
		"task_id":     msg.TaskID,
		"task_type":   msg.TaskType,
		"attempt":     msg.Attempt,
		"retry_count": msg.RetryCount,
	})

	task, err := m.store.GetTask(ctx, msg.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("Task message for unknown task dropped")
			return nil
		}
		return err
	}
	if task.Attempt != msg.Attempt || task.Status.IsTerminal() || task.RetryCount != msg.RetryCount {
		log.WithField("status", task.Status).Debug("Stale task message dropped")
		return nil
	}

	job, err := m.store.GetJob(ctx, task.ParentJobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusProcessing || job.Attempt != task.Attempt || job.CurrentStage != task.Stage {
		// No cancellation: work for a job that moved on is finished without running.
		return m.CompleteTask(ctx, task.TaskID, TaskOutcome{
			Status: models.TaskStatusFailed,
			Error:  fmt.Sprintf("job %s is %s", job.JobID, job.Status),
		})
	}

	handler, err := m.registry.Handler(task.TaskType)
	if err != nil {
		return m.CompleteTask(ctx, task.TaskID, TaskOutcome{Status: models.TaskStatusFailed, Error: err.Error()})
	}

	claimed, err := m.store.MarkTaskProcessing(ctx, task.TaskID, task.RetryCount)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	result, runErr := m.runHandler(ctx, handler, job, task)
	if runErr == nil {
		log.Debug("Task completed")
		return m.CompleteTask(ctx, task.TaskID, TaskOutcome{Status: models.TaskStatusCompleted, Result: result})
	}
	if ctx.Err() != nil {
		// Shutting down: leave the task PROCESSING for redelivery.
		return ctx.Err()
	}

	decision := m.opts.Policy.Decide(runErr, task.RetryCount)
	log = log.WithError(runErr).WithField("class", decision.Class)
	if !decision.Retry {
		log.Warn("Task failed")
		return m.CompleteTask(ctx, task.TaskID, TaskOutcome{Status: models.TaskStatusFailed, Error: runErr.Error()})
	}

	next := task.RetryCount + 1
	requeued, err := m.store.RequeueTask(ctx, task.TaskID, next, runErr.Error())
	if err != nil {
		return err
	}
	if !requeued {
		return nil
	}
	retryMsg := models.NewTaskMessage(task)
	retryMsg.RetryCount = next
	if err := m.queue.SendTask(ctx, retryMsg, decision.Delay); err != nil {
		task.RetryCount = next
		return m.failUndispatched(ctx, task, err)
	}
	log.WithField("delay", decision.Delay).Info("Task scheduled for retry")
	return nil
}

// runHandler executes the task handler while keeping the task heartbeat
// fresh. A panicking handler fails the task permanently.
func (m *Machine) runHandler(ctx context.Context, h jobs.TaskHandler, job *models.Job, task *models.Task) (result json.RawMessage, err error) {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go m.heartbeatLoop(hbCtx, &wg, task.TaskID)
	defer func() {
		cancel()
		wg.Wait()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = retry.Permanent(fmt.Errorf("task handler panicked: %v", r))
		}
	}()
	return h(ctx, jobs.TaskRequest{
		TaskID:     task.TaskID,
		JobID:      job.JobID,
		JobType:    job.JobType,
		TaskType:   task.TaskType,
		Stage:      task.Stage,
		TaskIndex:  task.TaskIndex,
		RetryCount: task.RetryCount,
		Parameters: task.Parameters,
	})
}
