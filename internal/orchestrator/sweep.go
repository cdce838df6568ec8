package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"coremachine/internal/models"
)

// heartbeatLoop refreshes a task heartbeat until ctx is cancelled.
func (m *Machine) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, taskID string) {
	defer wg.Done()
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.HeartbeatTask(ctx, taskID); err != nil && !errors.Is(err, context.Canceled) {
				m.log.WithField("task_id", taskID).WithError(err).Warn("Heartbeat update failed")
			}
		}
	}
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	StaleTasks   int `json:"stale_tasks"`
	RekickedJobs int `json:"rekicked_jobs"`
	Errors       int `json:"errors"`
}

// Sweep fails tasks whose heartbeat expired and re-sends the job message of
// jobs that stopped making progress. It bounds how long a lost message or a
// dead worker can hold up a job.
func (m *Machine) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := m.now()
	cutoff := now.Add(-m.opts.StaleAfter)

	stale, err := m.store.ListStaleTasks(ctx, cutoff, m.opts.SweepBatch)
	if err != nil {
		return report, err
	}
	for _, task := range stale {
		err := m.CompleteTask(ctx, task.TaskID, TaskOutcome{
			Status: models.TaskStatusFailed,
			Error:  "heartbeat expired",
		})
		if err != nil {
			report.Errors++
			m.log.WithField("task_id", task.TaskID).WithError(err).Warn("Failed to expire stale task")
			continue
		}
		report.StaleTasks++
	}

	stalled, err := m.store.ListStalledJobs(ctx, cutoff, m.opts.SweepBatch)
	if err != nil {
		return report, err
	}
	for _, job := range stalled {
		msg := models.JobMessage{
			JobID:   job.JobID,
			JobType: job.JobType,
			Stage:   job.CurrentStage,
			Attempt: job.Attempt,
			Resend:  now.UnixNano(),
		}
		if err := m.queue.SendJob(ctx, msg); err != nil {
			report.Errors++
			m.jobLogger(job.JobID, job.CurrentStage).WithError(err).Warn("Failed to re-send stalled job")
			continue
		}
		report.RekickedJobs++
	}

	if report.StaleTasks > 0 || report.RekickedJobs > 0 || report.Errors > 0 {
		m.log.WithFields(logrus.Fields{
			"stale_tasks":   report.StaleTasks,
			"rekicked_jobs": report.RekickedJobs,
			"errors":        report.Errors,
		}).Info("Sweep finished")
	}
	return report, nil
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (m *Machine) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.WithError(err).Warn("Sweep failed")
			}
		}
	}
}
