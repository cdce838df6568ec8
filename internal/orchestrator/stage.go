package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"coremachine/internal/jobs"
	"coremachine/internal/models"
	"coremachine/internal/retry"
	"coremachine/internal/store"
)

// HandleJobMessage creates and dispatches the tasks of one stage. Stages that
// produce no tasks are advanced in the same call, since no task completion
// would ever advance them.
func (m *Machine) HandleJobMessage(ctx context.Context, msg models.JobMessage) error {
	stage := msg.Stage
	for stage > 0 {
		next, err := m.processStage(ctx, msg.JobID, msg.Attempt, stage)
		if err != nil {
			return err
		}
		stage = next
	}
	return nil
}

// processStage returns the next stage to process inline, or 0.
func (m *Machine) processStage(ctx context.Context, jobID string, attempt, stage int) (int, error) {
	log := m.jobLogger(jobID, stage)

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("Job message for unknown job dropped")
			return 0, nil
		}
		return 0, err
	}
	if job.Attempt != attempt || job.Status.IsTerminal() || job.CurrentStage != stage {
		log.WithFields(logrus.Fields{
			"status":        job.Status,
			"current_stage": job.CurrentStage,
			"attempt":       job.Attempt,
		}).Debug("Stale job message dropped")
		return 0, nil
	}
	if job.Status == models.JobStatusQueued {
		if _, err := m.store.UpdateJobStatus(ctx, jobID, models.JobStatusQueued, models.JobStatusProcessing); err != nil {
			return 0, err
		}
	}

	def, err := m.registry.Definition(job.JobType)
	if err != nil {
		return 0, m.failJob(ctx, job, err)
	}
	specs, err := def.CreateTasksForStage(ctx, jobs.StageInput{
		JobID:        jobID,
		Stage:        stage,
		Parameters:   job.Parameters,
		PriorResults: job.OrderedStageResults(),
	})
	if err != nil {
		if retry.Classify(err) == retry.ClassRetryable {
			return 0, fmt.Errorf("create tasks for stage %d: %w", stage, err)
		}
		return 0, m.failJob(ctx, job, fmt.Errorf("create tasks for stage %d: %w", stage, err))
	}

	tasks := make([]*models.Task, 0, len(specs))
	for i, spec := range specs {
		if _, err := m.registry.Handler(spec.TaskType); err != nil {
			return 0, m.failJob(ctx, job, err)
		}
		tasks = append(tasks, &models.Task{
			TaskID:      models.TaskID(jobID, stage, i),
			ParentJobID: jobID,
			JobType:     job.JobType,
			TaskType:    spec.TaskType,
			Stage:       stage,
			TaskIndex:   i,
			Attempt:     attempt,
			Parameters:  spec.Parameters,
		})
	}
	if err := m.store.CreateTasks(ctx, jobID, stage, attempt, tasks); err != nil {
		return 0, err
	}
	log.WithField("tasks", len(tasks)).Info("Stage started")

	if len(tasks) > 0 {
		if err := m.dispatchPending(ctx, jobID, stage, attempt); err != nil {
			return 0, err
		}
	}

	// Covers zero-task stages and redeliveries of a stage whose tasks all
	// finished already.
	return m.checkStage(ctx, jobID, attempt, stage)
}

// dispatchPending sends a message for every PENDING task of the stage. A task
// whose message cannot be sent is failed at once so the stage never waits on it.
// Tasks parked for a retry keep their backoff.
func (m *Machine) dispatchPending(ctx context.Context, jobID string, stage, attempt int) error {
	tasks, err := m.store.ListTasks(ctx, jobID, stage)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Attempt != attempt || task.Status != models.TaskStatusPending {
			continue
		}
		var delay time.Duration
		if task.RetryCount > 0 {
			delay = m.opts.Policy.Backoff(task.RetryCount - 1)
		}
		if err := m.queue.SendTask(ctx, models.NewTaskMessage(task), delay); err != nil {
			if ferr := m.failUndispatched(ctx, task, err); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

// failUndispatched marks a persisted task whose message was never sent.
func (m *Machine) failUndispatched(ctx context.Context, task *models.Task, sendErr error) error {
	msg := "dispatch failed: " + sendErr.Error()
	finished, err := m.store.FinishTask(ctx, task.TaskID, models.TaskStatusFailed, nil, &msg)
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"job_id":              task.ParentJobID,
			"stage":               task.Stage,
			"task_id":             task.TaskID,
			"manual_intervention": true,
			"send_error":          sendErr.Error(),
		}).WithError(err).Error("Task was persisted but neither dispatched nor failed")
		return fmt.Errorf("task %s: %w", task.TaskID, ErrManualIntervention)
	}
	m.log.WithFields(logrus.Fields{"job_id": task.ParentJobID, "task_id": task.TaskID}).
		WithError(sendErr).Warn("Task dispatch failed, task marked FAILED")
	if !finished {
		return nil
	}
	return m.afterTaskFinished(ctx, task)
}

type stageOutcome struct {
	next      int
	completed bool
	failed    bool
}

// checkStage decides, under the stage's named lock, whether the stage is
// done. Exactly one caller observes the last terminal task and moves the job
// on; everyone else sees either live tasks or a job that already moved.
func (m *Machine) checkStage(ctx context.Context, jobID string, attempt, stage int) (int, error) {
	var out stageOutcome
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		out = stageOutcome{}
		if err := tx.AcquireNamedLock(ctx, store.StageLockName(jobID, stage)); err != nil {
			return err
		}
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Attempt != attempt || job.Status != models.JobStatusProcessing || job.CurrentStage != stage {
			return nil
		}
		sum, err := tx.SummarizeStage(ctx, jobID, stage, attempt)
		if err != nil {
			return err
		}
		if sum.Failed > 0 {
			out.failed, err = tx.FailJob(ctx, jobID, attempt, fmt.Sprintf("stage %d: %s", stage, sum.Errors[0]))
			return err
		}
		if sum.NonTerminal() > 0 {
			return nil
		}

		results := sum.Results
		if results == nil {
			results = []json.RawMessage{}
		}
		stageResult, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("encode stage %d result: %w", stage, err)
		}
		if stage < job.TotalStages {
			advanced, err := tx.AdvanceJobStage(ctx, jobID, attempt, stage, stageResult)
			if advanced {
				out.next = stage + 1
			}
			return err
		}

		result, ferr := m.finalize(job, stage, stageResult)
		if ferr != nil {
			out.failed, err = tx.FailJob(ctx, jobID, attempt, ferr.Error())
			return err
		}
		out.completed, err = tx.CompleteJob(ctx, jobID, attempt, stage, stageResult, result)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("check stage %d of job %s: %w", stage, jobID, err)
	}

	log := m.jobLogger(jobID, stage)
	switch {
	case out.failed:
		log.Warn("Job failed")
		m.runFailureHandler(ctx, jobID)
	case out.completed:
		log.Info("Job completed")
	case out.next > 0:
		log.WithField("next_stage", out.next).Info("Stage completed")
	}
	return out.next, nil
}

// finalize builds the job result from its stage results.
func (m *Machine) finalize(job *models.Job, finalStage int, stageResult json.RawMessage) (json.RawMessage, error) {
	def, err := m.registry.Definition(job.JobType)
	if err != nil {
		return nil, err
	}
	if job.StageResults == nil {
		job.StageResults = make(map[int]json.RawMessage)
	}
	job.StageResults[finalStage] = stageResult
	if f, ok := def.(jobs.Finalizer); ok {
		return f.Finalize(job)
	}
	return stageResult, nil
}

// startStage queues the job message of an advanced stage, processing the
// stage in place when the message cannot be sent.
func (m *Machine) startStage(ctx context.Context, jobID string, attempt, stage int) error {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	msg := models.JobMessage{JobID: jobID, JobType: job.JobType, Stage: stage, Attempt: attempt}
	if err := m.queue.SendJob(ctx, msg); err != nil {
		m.jobLogger(jobID, stage).WithError(err).Warn("Job message send failed, processing stage inline")
		return m.HandleJobMessage(ctx, msg)
	}
	return nil
}

// failJob fails a job for a reason that no retry can fix.
func (m *Machine) failJob(ctx context.Context, job *models.Job, cause error) error {
	failed, err := m.store.FailJob(ctx, job.JobID, job.Attempt, cause.Error())
	if err != nil {
		return err
	}
	m.jobLogger(job.JobID, job.CurrentStage).WithError(cause).Warn("Job failed")
	if failed {
		m.runFailureHandler(ctx, job.JobID)
	}
	return nil
}

// runFailureHandler lets the job type undo its side effects after the job was
// marked FAILED. The FAILED state stands whatever the handler returns.
func (m *Machine) runFailureHandler(ctx context.Context, jobID string) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.log.WithField("job_id", jobID).WithError(err).Error("Failed to load job for its failure handler")
		return
	}
	h, ok := m.registry.FailureHandler(job.JobType)
	if !ok {
		return
	}
	log := m.jobLogger(jobID, job.CurrentStage).WithField("job_type", job.JobType)
	if err := h(ctx, job); err != nil {
		log.WithError(err).Error("Failure handler failed")
		return
	}
	log.Info("Failure handler ran")
}
