package primary

import (
	"context"
	"fmt"
)

// schemaStatements are applied in order by Migrate. Every statement is
// idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id        TEXT PRIMARY KEY,
		job_type      TEXT NOT NULL,
		status        TEXT NOT NULL,
		current_stage INTEGER NOT NULL DEFAULT 1,
		total_stages  INTEGER NOT NULL,
		attempt       INTEGER NOT NULL DEFAULT 1,
		stage_results JSONB NOT NULL DEFAULT '{}'::jsonb,
		parameters    JSONB NOT NULL DEFAULT '{}'::jsonb,
		result        JSONB,
		error         TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		completed_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_status_updated_idx ON jobs (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id       TEXT PRIMARY KEY,
		parent_job_id TEXT NOT NULL REFERENCES jobs (job_id),
		job_type      TEXT NOT NULL,
		task_type     TEXT NOT NULL,
		stage         INTEGER NOT NULL,
		task_index    INTEGER NOT NULL,
		attempt       INTEGER NOT NULL,
		parameters    JSONB NOT NULL DEFAULT '{}'::jsonb,
		status        TEXT NOT NULL,
		result        JSONB,
		error         TEXT,
		heartbeat     TIMESTAMPTZ,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		CONSTRAINT tasks_job_stage_index_key UNIQUE (parent_job_id, stage, task_index)
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_status_heartbeat_idx ON tasks (status, heartbeat)`,
	`CREATE TABLE IF NOT EXISTS releases (
		release_id      TEXT PRIMARY KEY,
		asset_id        TEXT NOT NULL,
		job_id          TEXT NOT NULL UNIQUE,
		version_ordinal INTEGER,
		approval_state  TEXT NOT NULL,
		is_latest       BOOLEAN NOT NULL DEFAULT FALSE,
		is_served       BOOLEAN NOT NULL DEFAULT FALSE,
		artifacts       JSONB NOT NULL DEFAULT '[]'::jsonb,
		materialization JSONB,
		approved_at     TIMESTAMPTZ,
		approved_by     TEXT,
		rejected_at     TIMESTAMPTZ,
		rejected_by     TEXT,
		rejected_reason TEXT,
		revoked_at      TIMESTAMPTZ,
		revoked_by      TEXT,
		revoked_reason  TEXT,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		CONSTRAINT releases_asset_version_key UNIQUE (asset_id, version_ordinal) DEFERRABLE INITIALLY DEFERRED
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS releases_one_latest_idx ON releases (asset_id) WHERE is_latest`,
	`CREATE TABLE IF NOT EXISTS catalog_collections (
		collection_id TEXT PRIMARY KEY,
		asset_id      TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_items (
		item_id         TEXT PRIMARY KEY,
		collection_id   TEXT NOT NULL REFERENCES catalog_collections (collection_id),
		release_id      TEXT NOT NULL,
		version_ordinal INTEGER NOT NULL,
		assets          JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS catalog_items_release_idx ON catalog_items (release_id)`,
}

// Migrate creates the schema.
func (s *StoreImpl) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
