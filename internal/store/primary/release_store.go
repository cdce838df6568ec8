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

// --- Release Store Implementation ---

const releaseColumns = `release_id, asset_id, job_id, version_ordinal, approval_state, is_latest, is_served,
	artifacts, materialization, approved_at, approved_by, rejected_at, rejected_by, rejected_reason,
	revoked_at, revoked_by, revoked_reason, created_at, updated_at`

// promoteLatestQuery makes the newest approved release latest when the
// asset currently has none.
const promoteLatestQuery = `
	UPDATE releases SET is_latest = TRUE, updated_at = $2
	WHERE release_id = (
		SELECT release_id FROM releases
		WHERE asset_id = $1 AND approval_state = $3
		ORDER BY version_ordinal DESC
		LIMIT 1)
	AND NOT EXISTS (SELECT 1 FROM releases WHERE asset_id = $1 AND is_latest)`

// CreateRelease inserts a draft release, or loads the one already recorded for the job.
func (s *StoreImpl) CreateRelease(ctx context.Context, r *models.Release) (bool, error) {
	artifacts, err := json.Marshal(nonNilStrings(r.Artifacts))
	if err != nil {
		return false, fmt.Errorf("failed to encode artifacts: %w", err)
	}
	now := time.Now().UTC()
	cmdTag, err := s.db.Exec(ctx, `
		INSERT INTO releases (release_id, asset_id, job_id, approval_state, is_latest, is_served,
			artifacts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, FALSE, $5, $6, $6)
		ON CONFLICT (job_id) DO NOTHING`,
		r.ReleaseID, r.AssetID, r.JobID, string(models.ApprovalPendingReview), string(artifacts), now)
	if err != nil {
		return false, fmt.Errorf("failed to create release %s: %w", r.ReleaseID, mapError(err))
	}

	stored, err := scanRelease(s.db.QueryRow(ctx, `SELECT `+releaseColumns+` FROM releases WHERE job_id = $1`, r.JobID))
	if err != nil {
		return false, fmt.Errorf("failed to load release for job %s: %w", r.JobID, err)
	}
	*r = *stored
	return cmdTag.RowsAffected() == 1, nil
}

// GetRelease retrieves a release by id.
func (s *StoreImpl) GetRelease(ctx context.Context, releaseID string) (*models.Release, error) {
	r, err := scanRelease(s.db.QueryRow(ctx, `SELECT `+releaseColumns+` FROM releases WHERE release_id = $1`, releaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get release %s: %w", releaseID, err)
	}
	return r, nil
}

// ListReleasesByAsset returns the asset's releases, approved versions first by ordinal.
func (s *StoreImpl) ListReleasesByAsset(ctx context.Context, assetID string) ([]*models.Release, error) {
	rows, err := s.db.Query(ctx, `SELECT `+releaseColumns+` FROM releases
		WHERE asset_id = $1
		ORDER BY version_ordinal DESC NULLS LAST, created_at DESC`, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query releases of asset %s: %w", assetID, err)
	}
	defer rows.Close()

	var releases []*models.Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return releases, fmt.Errorf("failed to scan release row: %w", err)
		}
		releases = append(releases, r)
	}
	if err := rows.Err(); err != nil {
		return releases, fmt.Errorf("error iterating release rows: %w", err)
	}
	return releases, nil
}

// ApproveRelease approves a pending_review release and makes it latest.
func (s *StoreImpl) ApproveRelease(ctx context.Context, releaseID, actor string, at time.Time) (bool, error) {
	at = at.UTC().Truncate(time.Microsecond)
	applied := false
	err := s.withTx(ctx, func(q querier) error {
		var assetID string
		err := q.QueryRow(ctx, `
			UPDATE releases SET
				approval_state = $2,
				approved_at = $3,
				approved_by = $4,
				version_ordinal = (
					SELECT COALESCE(MAX(r2.version_ordinal), 0) + 1
					FROM releases r2 WHERE r2.asset_id = releases.asset_id),
				is_served = TRUE,
				updated_at = $3
			WHERE release_id = $1 AND approval_state = $5
			RETURNING asset_id`,
			releaseID, string(models.ApprovalApproved), at, actor, string(models.ApprovalPendingReview),
		).Scan(&assetID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := q.Exec(ctx,
			`UPDATE releases SET is_latest = FALSE, updated_at = $3
			 WHERE asset_id = $1 AND release_id <> $2 AND is_latest`,
			assetID, releaseID, at); err != nil {
			return err
		}
		if _, err := q.Exec(ctx,
			`UPDATE releases SET is_latest = TRUE WHERE release_id = $1`, releaseID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to approve release %s: %w", releaseID, err)
	}
	return applied, nil
}

// RejectRelease rejects a pending_review release.
func (s *StoreImpl) RejectRelease(ctx context.Context, releaseID, actor, reason string, at time.Time) (bool, error) {
	cmdTag, err := s.db.Exec(ctx, `
		UPDATE releases SET approval_state = $2, rejected_at = $3, rejected_by = $4,
			rejected_reason = NULLIF($5, ''), updated_at = $3
		WHERE release_id = $1 AND approval_state = $6`,
		releaseID, string(models.ApprovalRejected), at.UTC(), actor, reason, string(models.ApprovalPendingReview))
	if err != nil {
		return false, fmt.Errorf("failed to reject release %s: %w", releaseID, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// RevokeRelease withdraws an approved release and re-promotes the previous version.
func (s *StoreImpl) RevokeRelease(ctx context.Context, releaseID, actor, reason string, at time.Time) (bool, error) {
	at = at.UTC()
	applied := false
	err := s.withTx(ctx, func(q querier) error {
		var assetID string
		err := q.QueryRow(ctx, `
			UPDATE releases SET approval_state = $2, revoked_at = $3, revoked_by = $4,
				revoked_reason = NULLIF($5, ''), is_latest = FALSE, is_served = FALSE, updated_at = $3
			WHERE release_id = $1 AND approval_state = $6
			RETURNING asset_id`,
			releaseID, string(models.ApprovalRevoked), at, actor, reason, string(models.ApprovalApproved),
		).Scan(&assetID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := q.Exec(ctx, promoteLatestQuery, assetID, at, string(models.ApprovalApproved)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to revoke release %s: %w", releaseID, err)
	}
	return applied, nil
}

// RollbackApproval undoes an approval whose materialization failed.
func (s *StoreImpl) RollbackApproval(ctx context.Context, releaseID, actor string, approvedAt time.Time) (bool, error) {
	approvedAt = approvedAt.UTC().Truncate(time.Microsecond)
	now := time.Now().UTC()
	applied := false
	err := s.withTx(ctx, func(q querier) error {
		var assetID string
		err := q.QueryRow(ctx, `
			UPDATE releases SET approval_state = $4, approved_at = NULL, approved_by = NULL,
				version_ordinal = NULL, is_latest = FALSE, is_served = FALSE,
				materialization = NULL, updated_at = $5
			WHERE release_id = $1 AND approval_state = $6 AND approved_by = $2 AND approved_at = $3
			RETURNING asset_id`,
			releaseID, actor, approvedAt, string(models.ApprovalPendingReview), now,
			string(models.ApprovalApproved),
		).Scan(&assetID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := q.Exec(ctx, promoteLatestQuery, assetID, now, string(models.ApprovalApproved)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to roll back approval of release %s: %w", releaseID, err)
	}
	return applied, nil
}

// RecordMaterialization stores the catalog snapshot of an approved release.
func (s *StoreImpl) RecordMaterialization(ctx context.Context, releaseID string, snap *models.Snapshot) (bool, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	cmdTag, err := s.db.Exec(ctx, `
		UPDATE releases SET materialization = $2, updated_at = $3
		WHERE release_id = $1 AND approval_state = $4`,
		releaseID, string(raw), time.Now().UTC(), string(models.ApprovalApproved))
	if err != nil {
		return false, fmt.Errorf("failed to record materialization of release %s: %w", releaseID, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

func scanRelease(row pgx.Row) (*models.Release, error) {
	var (
		r         models.Release
		state     string
		artifacts []byte
		snapshot  []byte
	)
	err := row.Scan(
		&r.ReleaseID, &r.AssetID, &r.JobID, &r.VersionOrdinal, &state, &r.IsLatest, &r.IsServed,
		&artifacts, &snapshot, &r.ApprovedAt, &r.ApprovedBy, &r.RejectedAt, &r.RejectedBy, &r.RejectedReason,
		&r.RevokedAt, &r.RevokedBy, &r.RevokedReason, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ApprovalState = models.ApprovalState(state)
	if err := decodeReleaseJSON(&r, artifacts, snapshot); err != nil {
		return nil, err
	}
	return &r, nil
}

func decodeReleaseJSON(r *models.Release, artifacts, snapshot []byte) error {
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &r.Artifacts); err != nil {
			return fmt.Errorf("release %s: invalid artifacts: %w", r.ReleaseID, err)
		}
	}
	if len(snapshot) > 0 && string(snapshot) != "null" {
		r.Materialization = &models.Snapshot{}
		if err := json.Unmarshal(snapshot, r.Materialization); err != nil {
			return fmt.Errorf("release %s: invalid materialization: %w", r.ReleaseID, err)
		}
	}
	return nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
