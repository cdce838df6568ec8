// Package orchestrator drives jobs through their stages. Job messages create
// the tasks of a stage, task messages execute them, and the last task to
// finish in a stage advances the job under a per-stage named lock.
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
	"coremachine/internal/queue"
	"coremachine/internal/retry"
	"coremachine/internal/store"
)

// ErrManualIntervention reports a task that was persisted, never dispatched,
// and could not be marked FAILED either. Nothing retries it automatically.
var ErrManualIntervention = errors.New("manual intervention required")

// Options tune a Machine. Zero values select defaults.
type Options struct {
	Policy            retry.Policy
	HeartbeatInterval time.Duration
	// StaleAfter is how long a PROCESSING task may go without a heartbeat
	// and a job without progress before the sweep steps in.
	StaleAfter time.Duration
	SweepBatch int
}

func (o Options) withDefaults() Options {
	if o.Policy == (retry.Policy{}) {
		o.Policy = retry.DefaultPolicy
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 100
	}
	return o
}

// Machine is the job orchestrator. It is safe for concurrent use; all
// coordination goes through the store.
type Machine struct {
	store    store.Backend
	queue    queue.Queue
	registry *jobs.Registry
	opts     Options
	log      logrus.FieldLogger
	now      func() time.Time
}

var _ queue.Handler = (*Machine)(nil)

// New returns a Machine. The registry must already be validated.
func New(b store.Backend, q queue.Queue, registry *jobs.Registry, log logrus.FieldLogger, opts Options) *Machine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Machine{
		store:    b,
		queue:    q,
		registry: registry,
		opts:     opts.withDefaults(),
		log:      log.WithField("component", "orchestrator"),
		now:      time.Now,
	}
}

// Registry returns the registry the machine dispatches through.
func (m *Machine) Registry() *jobs.Registry {
	return m.registry
}

// SubmitStatus tells a caller what a submission did.
type SubmitStatus string

const (
	// SubmitQueued means a new job was created.
	SubmitQueued SubmitStatus = "queued"
	// SubmitRetried means a FAILED job with the same id started another attempt.
	SubmitRetried SubmitStatus = "retried"
	// SubmitDuplicate means the job already exists and is not FAILED.
	SubmitDuplicate SubmitStatus = "duplicate"
)

// SubmitResult is the outcome of Submit.
type SubmitResult struct {
	JobID  string       `json:"job_id"`
	Status SubmitStatus `json:"status"`
	Job    *models.Job  `json:"job"`
}

// Submit validates parameters, derives the job id and queues stage 1.
// Resubmitting a FAILED job retries it under the same id.
func (m *Machine) Submit(ctx context.Context, jobType string, params json.RawMessage) (SubmitResult, error) {
	def, err := m.registry.Definition(jobType)
	if err != nil {
		return SubmitResult{}, err
	}
	canonical, err := def.ValidateParameters(params)
	if err != nil {
		return SubmitResult{}, err
	}
	jobID := jobs.JobID(jobType, canonical)
	log := m.log.WithFields(logrus.Fields{"job_id": jobID, "job_type": jobType})

	job := &models.Job{
		JobID:       jobID,
		JobType:     jobType,
		TotalStages: len(def.Stages()),
		Parameters:  canonical,
	}
	retried, err := m.store.CreateJob(ctx, job)
	if err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return SubmitResult{}, fmt.Errorf("create job: %w", err)
		}
		existing, gerr := m.store.GetJob(ctx, jobID)
		if gerr != nil {
			return SubmitResult{}, fmt.Errorf("load existing job: %w", gerr)
		}
		log.WithField("status", existing.Status).Info("Duplicate submission")
		return SubmitResult{JobID: jobID, Status: SubmitDuplicate, Job: existing}, nil
	}

	msg := models.JobMessage{JobID: jobID, JobType: jobType, Stage: 1, Attempt: job.Attempt}
	if err := m.queue.SendJob(ctx, msg); err != nil {
		// A FAILED job can be resubmitted; a QUEUED one with no message cannot.
		failed, ferr := m.store.FailJob(ctx, jobID, job.Attempt, "enqueue failed: "+err.Error())
		switch {
		case ferr != nil:
			log.WithError(ferr).Error("Failed to mark unqueued job as failed")
		case failed:
			m.runFailureHandler(ctx, jobID)
		}
		return SubmitResult{}, fmt.Errorf("enqueue job %s: %w", jobID, err)
	}

	status := SubmitQueued
	if retried {
		status = SubmitRetried
	}
	log.WithFields(logrus.Fields{"attempt": job.Attempt, "status": status}).Info("Job submitted")
	return SubmitResult{JobID: jobID, Status: status, Job: job}, nil
}

// StatusReport is the externally visible state of a job.
type StatusReport struct {
	Job          *models.Job          `json:"job"`
	StageResults []models.StageResult `json:"stage_results"`
	// Releases is the version history of the asset the job works on, if any.
	Releases []*models.Release `json:"releases,omitempty"`
}

// Status loads a job with its ordered stage results and, for jobs that name
// an asset or a release, the asset's release history.
func (m *Machine) Status(ctx context.Context, jobID string) (*StatusReport, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Job: job, StageResults: job.OrderedStageResults()}

	var ref struct {
		AssetID   string `json:"asset_id"`
		ReleaseID string `json:"release_id"`
	}
	if err := json.Unmarshal(job.Parameters, &ref); err != nil {
		return report, nil
	}
	if ref.AssetID == "" && ref.ReleaseID != "" {
		rel, err := m.store.GetRelease(ctx, ref.ReleaseID)
		switch {
		case err == nil:
			ref.AssetID = rel.AssetID
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	if ref.AssetID != "" {
		if report.Releases, err = m.store.ListReleasesByAsset(ctx, ref.AssetID); err != nil {
			return nil, err
		}
	}
	return report, nil
}

func (m *Machine) jobLogger(jobID string, stage int) logrus.FieldLogger {
	return m.log.WithFields(logrus.Fields{"job_id": jobID, "stage": stage})
}
