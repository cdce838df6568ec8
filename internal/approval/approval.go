// Package approval governs the release lifecycle: approve, reject, revoke,
// and the unpublish reverse pipeline. Conditional writes in the store are
// the enforcement point; this layer turns their answers into outcomes.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"coremachine/internal/jobs"
	"coremachine/internal/models"
	"coremachine/internal/orchestrator"
	"coremachine/internal/store"
)

// Outcome is the typed result of a lifecycle action.
type Outcome string

const (
	// Applied means the action changed the release.
	Applied Outcome = "applied"
	// Unchanged means the action had already been applied; Release is current.
	Unchanged Outcome = "unchanged"
	// Conflict means the release is in a state the action cannot start from.
	Conflict Outcome = "conflict"
	// NotFound means no release has the given id.
	NotFound Outcome = "not_found"
	// ValidationFailed means the request itself is malformed.
	ValidationFailed Outcome = "validation_failed"
)

// ErrMaterialization reports an approval that was undone because its
// catalog materialization could not be queued.
var ErrMaterialization = errors.New("catalog materialization failed")

// Result carries an outcome and the release as it stands afterwards. Job is
// the lifecycle job that carries the action's follow-up work.
type Result struct {
	Outcome Outcome                    `json:"outcome"`
	Release *models.Release            `json:"release,omitempty"`
	Message string                     `json:"message,omitempty"`
	Job     *orchestrator.SubmitResult `json:"job,omitempty"`
}

// Submitter queues jobs. *orchestrator.Machine implements it.
type Submitter interface {
	Submit(ctx context.Context, jobType string, params json.RawMessage) (orchestrator.SubmitResult, error)
}

// Service applies lifecycle actions to releases. The state transition is a
// conditional write made here; the work that follows it runs as a job.
type Service struct {
	releases store.ReleaseStore
	jobs     Submitter
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewService returns an approval service.
func NewService(releases store.ReleaseStore, submitter Submitter, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		releases: releases,
		jobs:     submitter,
		log:      log.WithField("component", "approval"),
		now:      time.Now,
	}
}

// Approve approves a pending_review release and submits the job that
// materializes it in the catalog. If that job fails for good, its failure
// handler rolls the approval back. Approving an approved release that was
// never materialized submits the job again.
func (s *Service) Approve(ctx context.Context, releaseID, actor string) (Result, error) {
	if res, bad := validate(releaseID, actor); bad {
		return res, nil
	}
	at := s.now().UTC().Truncate(time.Microsecond)
	log := s.log.WithFields(logrus.Fields{"release_id": releaseID, "actor": actor})

	applied, err := s.releases.ApproveRelease(ctx, releaseID, actor, at)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			log.WithError(err).Warn("Approval lost a version conflict")
			return s.current(ctx, releaseID, Conflict, "another release of the asset took the same version")
		}
		return Result{}, err
	}
	if !applied {
		res, err := s.unapplied(ctx, releaseID, models.ApprovalApproved)
		if err != nil || res.Outcome != Unchanged || res.Release.Materialization != nil {
			return res, err
		}
		job, err := s.submitMaterialize(ctx, res.Release)
		if err != nil {
			return Result{}, err
		}
		res.Job = &job
		return res, nil
	}

	rel, err := s.releases.GetRelease(ctx, releaseID)
	if err != nil {
		return Result{}, err
	}
	job, err := s.submitMaterialize(ctx, rel)
	if err != nil {
		rolledBack, rbErr := s.releases.RollbackApproval(ctx, releaseID, actor, at)
		switch {
		case rbErr != nil:
			log.WithError(rbErr).Error("Rollback of approval failed")
		case rolledBack:
			log.WithError(err).Warn("Approval rolled back")
		}
		return Result{}, fmt.Errorf("approve release %s: %w: %v", releaseID, ErrMaterialization, err)
	}

	log.WithFields(logrus.Fields{"version": *rel.VersionOrdinal, "job_id": job.JobID}).Info("Release approved")
	return Result{Outcome: Applied, Release: rel, Job: &job}, nil
}

func (s *Service) submitMaterialize(ctx context.Context, rel *models.Release) (orchestrator.SubmitResult, error) {
	if rel.ApprovedBy == nil || rel.ApprovedAt == nil {
		return orchestrator.SubmitResult{}, fmt.Errorf("release %s has no approval record", rel.ReleaseID)
	}
	params, err := json.Marshal(jobs.MaterializeParams{
		ReleaseID:  rel.ReleaseID,
		Actor:      *rel.ApprovedBy,
		ApprovedAt: *rel.ApprovedAt,
	})
	if err != nil {
		return orchestrator.SubmitResult{}, fmt.Errorf("encode materialize parameters: %w", err)
	}
	return s.jobs.Submit(ctx, jobs.MaterializeJobType, params)
}

// Reject rejects a pending_review release. The reason is optional.
func (s *Service) Reject(ctx context.Context, releaseID, actor, reason string) (Result, error) {
	if res, bad := validate(releaseID, actor); bad {
		return res, nil
	}
	applied, err := s.releases.RejectRelease(ctx, releaseID, actor, strings.TrimSpace(reason), s.now().UTC())
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return s.unapplied(ctx, releaseID, models.ApprovalRejected)
	}
	s.log.WithFields(logrus.Fields{"release_id": releaseID, "actor": actor}).Info("Release rejected")
	return s.current(ctx, releaseID, Applied, "")
}

// Revoke withdraws an approved release. The previous approved version of the
// asset, if any, becomes latest in the same transaction, and a revoke job
// makes sure that version is in the catalog. Catalog entries of the revoked
// release stay until it is unpublished. The reason is optional.
func (s *Service) Revoke(ctx context.Context, releaseID, actor, reason string) (Result, error) {
	if res, bad := validate(releaseID, actor); bad {
		return res, nil
	}
	applied, err := s.releases.RevokeRelease(ctx, releaseID, actor, strings.TrimSpace(reason), s.now().UTC())
	if err != nil {
		return Result{}, err
	}
	var res Result
	if applied {
		s.log.WithFields(logrus.Fields{"release_id": releaseID, "actor": actor}).Info("Release revoked")
		res, err = s.current(ctx, releaseID, Applied, "")
	} else {
		res, err = s.unapplied(ctx, releaseID, models.ApprovalRevoked)
	}
	if err != nil || (res.Outcome != Applied && res.Outcome != Unchanged) {
		return res, err
	}

	// Resubmitting for an already revoked release finds the existing job.
	params, err := json.Marshal(jobs.RevokeParams{ReleaseID: releaseID})
	if err != nil {
		return Result{}, fmt.Errorf("encode revoke parameters: %w", err)
	}
	job, err := s.jobs.Submit(ctx, jobs.RevokeJobType, params)
	if err != nil {
		return Result{}, fmt.Errorf("release %s revoked, reconciliation not queued: %w", releaseID, err)
	}
	res.Job = &job
	return res, nil
}

// UnpublishRequest asks for the reverse pipeline of a release.
type UnpublishRequest struct {
	ReleaseID string
	// DryRun defaults to true when nil.
	DryRun *bool
	Actor  string
	Reason string
}

// UnpublishResult is the outcome of Unpublish. Job is set when a job was submitted.
type UnpublishResult struct {
	Outcome Outcome                    `json:"outcome"`
	Message string                     `json:"message,omitempty"`
	Job     *orchestrator.SubmitResult `json:"job,omitempty"`
}

// Unpublish submits the reverse pipeline for a published release. The
// release is not touched here; the job's cleanup stage revokes it.
func (s *Service) Unpublish(ctx context.Context, req UnpublishRequest) (UnpublishResult, error) {
	if res, bad := validate(req.ReleaseID, req.Actor); bad {
		return UnpublishResult{Outcome: res.Outcome, Message: res.Message}, nil
	}
	rel, err := s.releases.GetRelease(ctx, req.ReleaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return UnpublishResult{Outcome: NotFound, Message: "release not found"}, nil
		}
		return UnpublishResult{}, err
	}
	if rel.ApprovalState != models.ApprovalApproved && rel.ApprovalState != models.ApprovalRevoked {
		return UnpublishResult{
			Outcome: Conflict,
			Message: fmt.Sprintf("release is %s and was never published", rel.ApprovalState),
		}, nil
	}

	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	params, err := json.Marshal(jobs.UnpublishParams{
		ReleaseID: req.ReleaseID,
		DryRun:    &dryRun,
		Actor:     req.Actor,
		Reason:    req.Reason,
	})
	if err != nil {
		return UnpublishResult{}, fmt.Errorf("encode unpublish parameters: %w", err)
	}
	submitted, err := s.jobs.Submit(ctx, jobs.UnpublishJobType, params)
	if err != nil {
		return UnpublishResult{}, err
	}
	s.log.WithFields(logrus.Fields{
		"release_id": req.ReleaseID,
		"job_id":     submitted.JobID,
		"dry_run":    dryRun,
	}).Info("Unpublish submitted")

	outcome := Applied
	if submitted.Status == orchestrator.SubmitDuplicate {
		outcome = Unchanged
	}
	return UnpublishResult{Outcome: outcome, Job: &submitted}, nil
}

// History returns the version history of an asset, newest first.
func (s *Service) History(ctx context.Context, assetID string) ([]*models.Release, error) {
	return s.releases.ListReleasesByAsset(ctx, assetID)
}

func validate(releaseID, actor string) (Result, bool) {
	switch {
	case strings.TrimSpace(releaseID) == "":
		return Result{Outcome: ValidationFailed, Message: "release id is required"}, true
	case strings.TrimSpace(actor) == "":
		return Result{Outcome: ValidationFailed, Message: "actor is required"}, true
	}
	return Result{}, false
}

// unapplied explains a conditional write that matched no row: the release is
// missing, already in the target state, or in a conflicting one.
func (s *Service) unapplied(ctx context.Context, releaseID string, target models.ApprovalState) (Result, error) {
	rel, err := s.releases.GetRelease(ctx, releaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Outcome: NotFound, Message: "release not found"}, nil
		}
		return Result{}, err
	}
	if rel.ApprovalState == target {
		return Result{Outcome: Unchanged, Release: rel}, nil
	}
	return Result{
		Outcome: Conflict,
		Release: rel,
		Message: fmt.Sprintf("release is %s, cannot become %s", rel.ApprovalState, target),
	}, nil
}

func (s *Service) current(ctx context.Context, releaseID string, outcome Outcome, msg string) (Result, error) {
	rel, err := s.releases.GetRelease(ctx, releaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Outcome: NotFound, Message: "release not found"}, nil
		}
		return Result{}, err
	}
	return Result{Outcome: outcome, Release: rel, Message: msg}, nil
}
