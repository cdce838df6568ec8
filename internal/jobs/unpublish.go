package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coremachine/internal/blobstore"
	"coremachine/internal/catalog"
	"coremachine/internal/models"
	"coremachine/internal/retry"
	"coremachine/internal/store"
)

// Unpublish job and task types.
const (
	UnpublishJobType       = "unpublish_release"
	TaskUnpublishInventory = "unpublish.inventory"
	TaskUnpublishDelete    = "unpublish.delete"
	TaskUnpublishCleanup   = "unpublish.cleanup"

	defaultUnpublishActor = "system"
	dryRunWouldDelete     = "would_delete"
	dryRunAlreadyAbsent   = "already_absent"
)

var timeNow = time.Now

// UnpublishParams are the parameters of unpublish_release. A missing DryRun
// means true.
type UnpublishParams struct {
	ReleaseID string `json:"release_id"`
	DryRun    *bool  `json:"dry_run,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// IsDryRun reports whether the run must leave everything in place.
func (p UnpublishParams) IsDryRun() bool {
	return p.DryRun == nil || *p.DryRun
}

// Inventory is the result of the inventory stage.
type Inventory struct {
	ReleaseID     string               `json:"release_id"`
	AssetID       string               `json:"asset_id"`
	ApprovalState models.ApprovalState `json:"approval_state"`
	CollectionID  string               `json:"collection_id"`
	ItemID        string               `json:"item_id"`
	Artifacts     []string             `json:"artifacts"`
}

type deleteParams struct {
	Ref    string `json:"ref"`
	DryRun bool   `json:"dry_run"`
}

// DeleteOutcome is the result of one delete task.
type DeleteOutcome struct {
	Ref    string `json:"ref"`
	Result string `json:"result"`
}

type cleanupParams struct {
	Inventory
	DryRun bool   `json:"dry_run"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// CleanupResult is the result of the cleanup stage.
type CleanupResult struct {
	DryRun            bool `json:"dry_run"`
	ItemDeleted       bool `json:"item_deleted"`
	CollectionDeleted bool `json:"collection_deleted"`
	Revoked           bool `json:"revoked"`
	AlreadyRevoked    bool `json:"already_revoked"`
}

// UnpublishResult is the job result.
type UnpublishResult struct {
	ReleaseID string          `json:"release_id"`
	DryRun    bool            `json:"dry_run"`
	Deleted   []DeleteOutcome `json:"deleted"`
	Cleanup   CleanupResult   `json:"cleanup"`
}

// Unpublish reverses an ingest: inventory the recorded snapshot, delete its
// artifacts, then withdraw the catalog entry and revoke the release together.
type Unpublish struct{}

var (
	_ Definition = Unpublish{}
	_ Finalizer  = Unpublish{}
)

func (Unpublish) JobType() string        { return UnpublishJobType }
func (Unpublish) ReverseJobType() string { return "" }
func (Unpublish) Stages() []string       { return []string{"inventory", "delete", "cleanup"} }
func (Unpublish) TaskTypes() []string {
	return []string{TaskUnpublishInventory, TaskUnpublishDelete, TaskUnpublishCleanup}
}

// ValidateParameters requires a release id and fills in the dry-run default.
func (Unpublish) ValidateParameters(raw json.RawMessage) (json.RawMessage, error) {
	var p UnpublishParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ReleaseID == "" {
		return nil, fmt.Errorf("release_id is required: %w", models.ErrValidation)
	}
	dry := p.IsDryRun()
	p.DryRun = &dry
	if p.Actor == "" {
		p.Actor = defaultUnpublishActor
	}
	return marshalCanonical(p)
}

// CreateTasksForStage emits one inventory task, one delete task per
// inventoried artifact (possibly none) and one cleanup task.
func (Unpublish) CreateTasksForStage(_ context.Context, in StageInput) ([]models.TaskSpec, error) {
	var p UnpublishParams
	if err := json.Unmarshal(in.Parameters, &p); err != nil {
		return nil, fmt.Errorf("decode unpublish parameters: %v: %w", err, models.ErrContractViolation)
	}
	if in.Stage == 1 {
		spec, err := newSpec(TaskUnpublishInventory, map[string]string{"release_id": p.ReleaseID})
		if err != nil {
			return nil, err
		}
		return []models.TaskSpec{spec}, nil
	}

	var inventories []Inventory
	if err := decodeStageResult(in, 1, &inventories); err != nil {
		return nil, err
	}
	if len(inventories) != 1 {
		return nil, fmt.Errorf("inventory stage produced %d results: %w", len(inventories), models.ErrContractViolation)
	}
	inv := inventories[0]

	switch in.Stage {
	case 2:
		specs := make([]models.TaskSpec, 0, len(inv.Artifacts))
		for _, ref := range inv.Artifacts {
			spec, err := newSpec(TaskUnpublishDelete, deleteParams{Ref: ref, DryRun: p.IsDryRun()})
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		return specs, nil
	case 3:
		spec, err := newSpec(TaskUnpublishCleanup, cleanupParams{
			Inventory: inv,
			DryRun:    p.IsDryRun(),
			Actor:     p.Actor,
			Reason:    p.Reason,
		})
		if err != nil {
			return nil, err
		}
		return []models.TaskSpec{spec}, nil
	}
	return nil, fmt.Errorf("unpublish has no stage %d: %w", in.Stage, models.ErrContractViolation)
}

// Finalize summarizes deletions and cleanup.
func (Unpublish) Finalize(job *models.Job) (json.RawMessage, error) {
	var p UnpublishParams
	if err := json.Unmarshal(job.Parameters, &p); err != nil {
		return nil, fmt.Errorf("decode unpublish parameters: %w", err)
	}
	out := UnpublishResult{ReleaseID: p.ReleaseID, DryRun: p.IsDryRun(), Deleted: []DeleteOutcome{}}
	if raw := job.StageResults[2]; len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.Deleted); err != nil {
			return nil, fmt.Errorf("decode delete results: %w", err)
		}
	}
	var cleanups []CleanupResult
	if err := json.Unmarshal(job.StageResults[3], &cleanups); err != nil || len(cleanups) != 1 {
		return nil, fmt.Errorf("cleanup stage produced no result: %w", models.ErrContractViolation)
	}
	out.Cleanup = cleanups[0]
	return json.Marshal(out)
}

// UnpublishHandlers executes unpublish tasks.
type UnpublishHandlers struct {
	Blobs    blobstore.Store
	Releases store.ReleaseStore
	Catalog  catalog.Materializer
	Tx       store.Transactor
}

// Register adds the unpublish task handlers to r.
func (h UnpublishHandlers) Register(r *Registry) error {
	return errors.Join(
		r.RegisterHandler(TaskUnpublishInventory, h.Inventory),
		r.RegisterHandler(TaskUnpublishDelete, h.Delete),
		r.RegisterHandler(TaskUnpublishCleanup, h.Cleanup),
	)
}

// Inventory reads the materialization snapshot recorded at approval. Live
// catalog state is not consulted because it may already be gone.
func (h UnpublishHandlers) Inventory(ctx context.Context, req TaskRequest) (json.RawMessage, error) {
	var p struct {
		ReleaseID string `json:"release_id"`
	}
	if err := decodeParams(req.Parameters, &p); err != nil {
		return nil, err
	}
	rel, err := h.Releases.GetRelease(ctx, p.ReleaseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, retry.Permanent(fmt.Errorf("release %s: %w", p.ReleaseID, err))
		}
		return nil, err
	}
	switch rel.ApprovalState {
	case models.ApprovalApproved, models.ApprovalRevoked:
	default:
		return nil, retry.Permanent(fmt.Errorf("release %s is %s and was never published: %w",
			rel.ReleaseID, rel.ApprovalState, models.ErrValidation))
	}
	if rel.Materialization == nil {
		return nil, retry.Permanent(fmt.Errorf("release %s has no materialization snapshot: %w",
			rel.ReleaseID, models.ErrValidation))
	}
	snap := rel.Materialization
	return json.Marshal(Inventory{
		ReleaseID:     rel.ReleaseID,
		AssetID:       rel.AssetID,
		ApprovalState: rel.ApprovalState,
		CollectionID:  snap.CollectionID,
		ItemID:        snap.ItemID,
		Artifacts:     snap.Artifacts,
	})
}

// Delete removes one artifact. A missing artifact counts as success.
func (h UnpublishHandlers) Delete(ctx context.Context, req TaskRequest) (json.RawMessage, error) {
	var p deleteParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return nil, err
	}
	if p.DryRun {
		result := dryRunWouldDelete
		if _, err := h.Blobs.Stat(ctx, p.Ref); err != nil {
			if !errors.Is(err, blobstore.ErrNotFound) {
				return nil, err
			}
			result = dryRunAlreadyAbsent
		}
		return json.Marshal(DeleteOutcome{Ref: p.Ref, Result: result})
	}
	res, err := h.Blobs.Delete(ctx, p.Ref)
	if err != nil {
		return nil, err
	}
	return json.Marshal(DeleteOutcome{Ref: p.Ref, Result: string(res)})
}

// Cleanup deletes the catalog entry and revokes the release in one
// transaction. A release revoked by an earlier run is accepted.
func (h UnpublishHandlers) Cleanup(ctx context.Context, req TaskRequest) (json.RawMessage, error) {
	var p cleanupParams
	if err := decodeParams(req.Parameters, &p); err != nil {
		return nil, err
	}
	snap := &models.Snapshot{CollectionID: p.CollectionID, ItemID: p.ItemID, Artifacts: p.Artifacts}

	if p.DryRun {
		rel, err := h.Releases.GetRelease(ctx, p.ReleaseID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(CleanupResult{
			DryRun:         true,
			AlreadyRevoked: rel.ApprovalState == models.ApprovalRevoked,
		})
	}

	var out CleanupResult
	err := h.Tx.InTx(ctx, func(tx store.Tx) error {
		rel, err := tx.GetRelease(ctx, p.ReleaseID)
		if err != nil {
			return err
		}
		del, err := h.Catalog.Delete(ctx, tx, snap)
		if err != nil {
			return err
		}
		out.ItemDeleted = del.ItemDeleted
		out.CollectionDeleted = del.CollectionDeleted

		switch rel.ApprovalState {
		case models.ApprovalRevoked:
			out.AlreadyRevoked = true
			return nil
		case models.ApprovalApproved:
			reason := p.Reason
			if reason == "" {
				reason = "unpublished by job " + req.JobID
			}
			ok, err := tx.RevokeRelease(ctx, p.ReleaseID, p.Actor, reason, timeNow())
			if err != nil {
				return err
			}
			if !ok {
				return retry.Transient(fmt.Errorf("release %s changed state during cleanup", p.ReleaseID))
			}
			out.Revoked = true
			return nil
		}
		return retry.Permanent(fmt.Errorf("release %s is %s: %w", p.ReleaseID, rel.ApprovalState, models.ErrValidation))
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}
