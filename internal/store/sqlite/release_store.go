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

const releaseColumns = `release_id, asset_id, job_id, version_ordinal, approval_state, is_latest, is_served,
	artifacts, materialization, approved_at, approved_by, rejected_at, rejected_by, rejected_reason,
	revoked_at, revoked_by, revoked_reason, created_at, updated_at`

const promoteLatestQuery = `
	UPDATE releases SET is_latest = 1, updated_at = ?
	WHERE release_id = (
		SELECT release_id FROM releases
		WHERE asset_id = ? AND approval_state = ?
		ORDER BY version_ordinal DESC
		LIMIT 1)
	AND NOT EXISTS (SELECT 1 FROM releases WHERE asset_id = ? AND is_latest = 1)`

// CreateRelease inserts a draft release, or loads the one already recorded for the job.
func (s *Store) CreateRelease(ctx context.Context, r *models.Release) (bool, error) {
	artifacts, err := json.Marshal(nonNilStrings(r.Artifacts))
	if err != nil {
		return false, fmt.Errorf("failed to encode artifacts: %w", err)
	}
	now := formatTime(time.Now())
	created := false
	err = s.withTx(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `
			INSERT INTO releases (release_id, asset_id, job_id, approval_state, artifacts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id) DO NOTHING`,
			r.ReleaseID, r.AssetID, r.JobID, string(models.ApprovalPendingReview), string(artifacts), now, now)
		if err != nil {
			return err
		}
		if created, err = affectedOne(res); err != nil {
			return err
		}
		stored, err := scanRelease(q.QueryRowContext(ctx, `SELECT `+releaseColumns+` FROM releases WHERE job_id = ?`, r.JobID))
		if err != nil {
			return err
		}
		*r = *stored
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to create release %s: %w", r.ReleaseID, err)
	}
	return created, nil
}

// GetRelease retrieves a release by id.
func (s *Store) GetRelease(ctx context.Context, releaseID string) (*models.Release, error) {
	r, err := scanRelease(s.q().QueryRowContext(ctx, `SELECT `+releaseColumns+` FROM releases WHERE release_id = ?`, releaseID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get release %s: %w", releaseID, err)
	}
	return r, nil
}

// ListReleasesByAsset returns the asset's releases, approved versions first by ordinal.
func (s *Store) ListReleasesByAsset(ctx context.Context, assetID string) ([]*models.Release, error) {
	rows, err := s.q().QueryContext(ctx, `SELECT `+releaseColumns+` FROM releases
		WHERE asset_id = ?
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
func (s *Store) ApproveRelease(ctx context.Context, releaseID, actor string, at time.Time) (bool, error) {
	stamp := formatTime(at.Truncate(time.Microsecond))
	applied := false
	err := s.withTx(ctx, func(q querier) error {
		var assetID string
		err := q.QueryRowContext(ctx, `
			UPDATE releases SET
				approval_state = ?,
				approved_at = ?,
				approved_by = ?,
				version_ordinal = (
					SELECT COALESCE(MAX(r2.version_ordinal), 0) + 1
					FROM releases r2 WHERE r2.asset_id = releases.asset_id),
				is_served = 1,
				updated_at = ?
			WHERE release_id = ? AND approval_state = ?
			RETURNING asset_id`,
			string(models.ApprovalApproved), stamp, actor, stamp, releaseID, string(models.ApprovalPendingReview),
		).Scan(&assetID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE releases SET is_latest = 0, updated_at = ?
			 WHERE asset_id = ? AND release_id <> ? AND is_latest = 1`,
			stamp, assetID, releaseID); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE releases SET is_latest = 1 WHERE release_id = ?`, releaseID); err != nil {
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
func (s *Store) RejectRelease(ctx context.Context, releaseID, actor, reason string, at time.Time) (bool, error) {
	stamp := formatTime(at)
	res, err := s.q().ExecContext(ctx, `
		UPDATE releases SET approval_state = ?, rejected_at = ?, rejected_by = ?,
			rejected_reason = NULLIF(?, ''), updated_at = ?
		WHERE release_id = ? AND approval_state = ?`,
		string(models.ApprovalRejected), stamp, actor, reason, stamp,
		releaseID, string(models.ApprovalPendingReview))
	if err != nil {
		return false, fmt.Errorf("failed to reject release %s: %w", releaseID, err)
	}
	return affectedOne(res)
}

// RevokeRelease withdraws an approved release and re-promotes the previous version.
func (s *Store) RevokeRelease(ctx context.Context, releaseID, actor, reason string, at time.Time) (bool, error) {
	stamp := formatTime(at)
	applied := false
	err := s.withTx(ctx, func(q querier) error {
		var assetID string
		err := q.QueryRowContext(ctx, `
			UPDATE releases SET approval_state = ?, revoked_at = ?, revoked_by = ?,
				revoked_reason = NULLIF(?, ''), is_latest = 0, is_served = 0, updated_at = ?
			WHERE release_id = ? AND approval_state = ?
			RETURNING asset_id`,
			string(models.ApprovalRevoked), stamp, actor, reason, stamp,
			releaseID, string(models.ApprovalApproved),
		).Scan(&assetID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := q.ExecContext(ctx, promoteLatestQuery,
			stamp, assetID, string(models.ApprovalApproved), assetID); err != nil {
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
func (s *Store) RollbackApproval(ctx context.Context, releaseID, actor string, approvedAt time.Time) (bool, error) {
	approvedStamp := formatTime(approvedAt.Truncate(time.Microsecond))
	now := formatTime(time.Now())
	applied := false
	err := s.withTx(ctx, func(q querier) error {
		var assetID string
		err := q.QueryRowContext(ctx, `
			UPDATE releases SET approval_state = ?, approved_at = NULL, approved_by = NULL,
				version_ordinal = NULL, is_latest = 0, is_served = 0,
				materialization = NULL, updated_at = ?
			WHERE release_id = ? AND approval_state = ? AND approved_by = ? AND approved_at = ?
			RETURNING asset_id`,
			string(models.ApprovalPendingReview), now,
			releaseID, string(models.ApprovalApproved), actor, approvedStamp,
		).Scan(&assetID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := q.ExecContext(ctx, promoteLatestQuery,
			now, assetID, string(models.ApprovalApproved), assetID); err != nil {
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
func (s *Store) RecordMaterialization(ctx context.Context, releaseID string, snap *models.Snapshot) (bool, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	res, err := s.q().ExecContext(ctx, `
		UPDATE releases SET materialization = ?, updated_at = ?
		WHERE release_id = ? AND approval_state = ?`,
		string(raw), formatTime(time.Now()), releaseID, string(models.ApprovalApproved))
	if err != nil {
		return false, fmt.Errorf("failed to record materialization of release %s: %w", releaseID, err)
	}
	return affectedOne(res)
}

func scanRelease(row rowScanner) (*models.Release, error) {
	var (
		r                                 models.Release
		ordinal                           sql.NullInt64
		state, artifacts                  string
		snapshot                          sql.NullString
		approvedAt, rejectedAt, revokedAt sql.NullString
		approvedBy, rejectedBy, revokedBy sql.NullString
		rejectedReason, revokedReason     sql.NullString
		createdAt, updatedAt              string
	)
	err := row.Scan(
		&r.ReleaseID, &r.AssetID, &r.JobID, &ordinal, &state, &r.IsLatest, &r.IsServed,
		&artifacts, &snapshot, &approvedAt, &approvedBy, &rejectedAt, &rejectedBy, &rejectedReason,
		&revokedAt, &revokedBy, &revokedReason, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ApprovalState = models.ApprovalState(state)
	if ordinal.Valid {
		v := int(ordinal.Int64)
		r.VersionOrdinal = &v
	}
	r.ApprovedBy = nullString(approvedBy)
	r.RejectedBy = nullString(rejectedBy)
	r.RejectedReason = nullString(rejectedReason)
	r.RevokedBy = nullString(revokedBy)
	r.RevokedReason = nullString(revokedReason)
	if r.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return nil, err
	}
	if r.RejectedAt, err = parseNullTime(rejectedAt); err != nil {
		return nil, err
	}
	if r.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(artifacts), &r.Artifacts); err != nil {
		return nil, fmt.Errorf("release %s: invalid artifacts: %w", r.ReleaseID, err)
	}
	if snapshot.Valid && snapshot.String != "" && snapshot.String != "null" {
		r.Materialization = &models.Snapshot{}
		if err := json.Unmarshal([]byte(snapshot.String), r.Materialization); err != nil {
			return nil, fmt.Errorf("release %s: invalid materialization: %w", r.ReleaseID, err)
		}
	}
	return &r, nil
}
