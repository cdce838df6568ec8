package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coremachine/internal/catalog"
	"coremachine/internal/models"
	"coremachine/internal/retry"
	"coremachine/internal/store"
)

// Release lifecycle job and task types.
const (
	MaterializeJobType     = "materialize_release"
	TaskMaterializeCatalog = "materialize.catalog"

	RevokeJobType       = "revoke_release"
	TaskRevokeReconcile = "revoke.reconcile"
)

// MaterializeParams identify one approval of a release. A release approved
// again after a rollback gets a new job.
type MaterializeParams struct {
	ReleaseID  string    `json:"release_id"`
	Actor      string    `json:"actor"`
	ApprovedAt time.Time `json:"approved_at"`
}

// MaterializeResult is the result of materialize_release.
type MaterializeResult struct {
	ReleaseID    string               `json:"release_id"`
	Materialized bool                 `json:"materialized"`
	State        models.ApprovalState `json:"approval_state"`
	Snapshot     *models.Snapshot     `json:"snapshot,omitempty"`
}

// RevokeParams are the parameters of revoke_release.
type RevokeParams struct {
	ReleaseID string `json:"release_id"`
}

// RevokeResult is the result of revoke_release.
type RevokeResult struct {
	ReleaseID       string `json:"release_id"`
	AssetID         string `json:"asset_id"`
	LatestReleaseID string `json:"latest_release_id,omitempty"`
	Rematerialized  bool   `json:"rematerialized"`
}

// Materialize publishes an approved release to the catalog. When the job
// fails for good its failure handler rolls the approval back.
type Materialize struct{}

var _ Definition = Materialize{}

func (Materialize) JobType() string        { return MaterializeJobType }
func (Materialize) ReverseJobType() string { return UnpublishJobType }
func (Materialize) Stages() []string       { return []string{"materialize"} }
func (Materialize) TaskTypes() []string    { return []string{TaskMaterializeCatalog} }

func (Materialize) ValidateParameters(raw json.RawMessage) (json.RawMessage, error) {
	var p MaterializeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	switch {
	case p.ReleaseID == "":
		return nil, fmt.Errorf("release_id is required: %w", models.ErrValidation)
	case p.Actor == "":
		return nil, fmt.Errorf("actor is required: %w", models.ErrValidation)
	case p.ApprovedAt.IsZero():
		return nil, fmt.Errorf("approved_at is required: %w", models.ErrValidation)
	}
	p.ApprovedAt = p.ApprovedAt.UTC().Truncate(time.Microsecond)
	return marshalCanonical(p)
}

func (Materialize) CreateTasksForStage(_ context.Context, in StageInput) ([]models.TaskSpec, error) {
	return []models.TaskSpec{{TaskType: TaskMaterializeCatalog, Parameters: in.Parameters}}, nil
}

// Revoke runs after a release was revoked and makes sure the version that
// became latest is present in the catalog.
type Revoke struct{}

var _ Definition = Revoke{}

func (Revoke) JobType() string        { return RevokeJobType }
func (Revoke) ReverseJobType() string { return "" }
func (Revoke) Stages() []string       { return []string{"reconcile"} }
func (Revoke) TaskTypes() []string    { return []string{TaskRevokeReconcile} }

func (Revoke) ValidateParameters(raw json.RawMessage) (json.RawMessage, error) {
	var p RevokeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ReleaseID == "" {
		return nil, fmt.Errorf("release_id is required: %w", models.ErrValidation)
	}
	return marshalCanonical(p)
}

func (Revoke) CreateTasksForStage(_ context.Context, in StageInput) ([]models.TaskSpec, error) {
	return []models.TaskSpec{{TaskType: TaskRevokeReconcile, Parameters: in.Parameters}}, nil
}

// LifecycleHandlers executes materialize and revoke tasks.
type LifecycleHandlers struct {
	Releases store.ReleaseStore
	Catalog  catalog.Materializer
}

// Register adds the lifecycle task handlers and the materialize failure
// handler to r.
func (h LifecycleHandlers) Register(r *Registry) error {
	return errors.Join(
		r.RegisterHandler(TaskMaterializeCatalog, h.Materialize),
		r.RegisterHandler(TaskRevokeReconcile, h.Reconcile),
		r.RegisterFailureHandler(MaterializeJobType, h.RollbackApproval),
	)
}

// Materialize writes the catalog entry of the approval named by the task and
// records its snapshot. A release that already moved on is left alone.
func (h LifecycleHandlers) Materialize(ctx context.Context, req TaskRequest) (json.RawMessage, error) {
	var p MaterializeParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return nil, retry.Permanent(err)
	}
	rel, err := h.Releases.GetRelease(ctx, p.ReleaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, retry.Permanent(fmt.Errorf("release %s: %w", p.ReleaseID, err))
		}
		return nil, err
	}
	out := MaterializeResult{ReleaseID: rel.ReleaseID, State: rel.ApprovalState}
	if !sameApproval(rel, p) {
		return json.Marshal(out)
	}
	if rel.Materialization != nil {
		out.Materialized = true
		out.Snapshot = rel.Materialization
		return json.Marshal(out)
	}

	snap, err := h.Catalog.Materialize(ctx, rel)
	if err != nil {
		return nil, err
	}
	recorded, err := h.Releases.RecordMaterialization(ctx, rel.ReleaseID, snap)
	if err != nil {
		return nil, err
	}
	if !recorded {
		// Revoked while the catalog was written.
		if _, err := h.Catalog.Delete(ctx, nil, snap); err != nil {
			return nil, err
		}
		out.State = models.ApprovalRevoked
		return json.Marshal(out)
	}
	out.Materialized = true
	out.Snapshot = snap
	return json.Marshal(out)
}

// RollbackApproval undoes the approval of a failed materialize job and
// withdraws whatever part of the catalog entry was written. It does nothing
// when the release is no longer in the state that approval left it in.
func (h LifecycleHandlers) RollbackApproval(ctx context.Context, job *models.Job) error {
	var p MaterializeParams
	if err := json.Unmarshal(job.Parameters, &p); err != nil {
		return fmt.Errorf("decode materialize parameters: %w", err)
	}
	rel, err := h.Releases.GetRelease(ctx, p.ReleaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !sameApproval(rel, p) {
		return nil
	}
	rolledBack, err := h.Releases.RollbackApproval(ctx, p.ReleaseID, p.Actor, p.ApprovedAt)
	if err != nil || !rolledBack || rel.VersionOrdinal == nil {
		return err
	}
	_, err = h.Catalog.Delete(ctx, nil, &models.Snapshot{
		CollectionID: rel.AssetID,
		ItemID:       catalog.ItemID(rel.AssetID, *rel.VersionOrdinal),
	})
	return err
}

// Reconcile materializes the asset's latest approved release if the revoke
// promoted one that has no catalog entry.
func (h LifecycleHandlers) Reconcile(ctx context.Context, req TaskRequest) (json.RawMessage, error) {
	var p RevokeParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return nil, retry.Permanent(err)
	}
	rel, err := h.Releases.GetRelease(ctx, p.ReleaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, retry.Permanent(fmt.Errorf("release %s: %w", p.ReleaseID, err))
		}
		return nil, err
	}
	if rel.ApprovalState != models.ApprovalRevoked {
		return nil, retry.Permanent(fmt.Errorf("release %s is %s, not revoked: %w",
			rel.ReleaseID, rel.ApprovalState, models.ErrValidation))
	}
	out := RevokeResult{ReleaseID: rel.ReleaseID, AssetID: rel.AssetID}

	history, err := h.Releases.ListReleasesByAsset(ctx, rel.AssetID)
	if err != nil {
		return nil, err
	}
	var latest *models.Release
	for _, r := range history {
		if r.IsLatest && r.ApprovalState == models.ApprovalApproved {
			latest = r
			break
		}
	}
	if latest == nil {
		return json.Marshal(out)
	}
	out.LatestReleaseID = latest.ReleaseID
	if latest.Materialization != nil {
		return json.Marshal(out)
	}

	snap, err := h.Catalog.Materialize(ctx, latest)
	if err != nil {
		return nil, err
	}
	recorded, err := h.Releases.RecordMaterialization(ctx, latest.ReleaseID, snap)
	if err != nil {
		return nil, err
	}
	if !recorded {
		if _, err := h.Catalog.Delete(ctx, nil, snap); err != nil {
			return nil, err
		}
		return nil, retry.Transient(fmt.Errorf("release %s changed state during reconciliation", latest.ReleaseID))
	}
	out.Rematerialized = true
	return json.Marshal(out)
}

func sameApproval(rel *models.Release, p MaterializeParams) bool {
	return rel.ApprovalState == models.ApprovalApproved &&
		rel.ApprovedBy != nil && *rel.ApprovedBy == p.Actor &&
		rel.ApprovedAt != nil && rel.ApprovedAt.Truncate(time.Microsecond).Equal(p.ApprovedAt.Truncate(time.Microsecond))
}
