package sqlite

import (
	"context"
	"fmt"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id        TEXT PRIMARY KEY,
	job_type      TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('QUEUED','PROCESSING','COMPLETED','FAILED')),
	current_stage INTEGER NOT NULL DEFAULT 1,
	total_stages  INTEGER NOT NULL,
	attempt       INTEGER NOT NULL DEFAULT 1,
	stage_results TEXT NOT NULL DEFAULT '{}',
	parameters    TEXT NOT NULL DEFAULT '{}',
	result        TEXT,
	error         TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	completed_at  TEXT
);
CREATE INDEX IF NOT EXISTS jobs_status_updated_idx ON jobs (status, updated_at);

CREATE TABLE IF NOT EXISTS tasks (
	task_id       TEXT PRIMARY KEY,
	parent_job_id TEXT NOT NULL REFERENCES jobs (job_id),
	job_type      TEXT NOT NULL,
	task_type     TEXT NOT NULL,
	stage         INTEGER NOT NULL,
	task_index    INTEGER NOT NULL,
	attempt       INTEGER NOT NULL,
	parameters    TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL CHECK (status IN ('PENDING','PROCESSING','COMPLETED','FAILED')),
	result        TEXT,
	error         TEXT,
	heartbeat     TEXT,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	UNIQUE (parent_job_id, stage, task_index)
);
CREATE INDEX IF NOT EXISTS tasks_status_heartbeat_idx ON tasks (status, heartbeat);

CREATE TABLE IF NOT EXISTS releases (
	release_id      TEXT PRIMARY KEY,
	asset_id        TEXT NOT NULL,
	job_id          TEXT NOT NULL UNIQUE,
	version_ordinal INTEGER,
	approval_state  TEXT NOT NULL,
	is_latest       INTEGER NOT NULL DEFAULT 0,
	is_served       INTEGER NOT NULL DEFAULT 0,
	artifacts       TEXT NOT NULL DEFAULT '[]',
	materialization TEXT,
	approved_at     TEXT,
	approved_by     TEXT,
	rejected_at     TEXT,
	rejected_by     TEXT,
	rejected_reason TEXT,
	revoked_at      TEXT,
	revoked_by      TEXT,
	revoked_reason  TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	UNIQUE (asset_id, version_ordinal)
);
CREATE UNIQUE INDEX IF NOT EXISTS releases_one_latest_idx ON releases (asset_id) WHERE is_latest = 1;

CREATE TABLE IF NOT EXISTS catalog_collections (
	collection_id TEXT PRIMARY KEY,
	asset_id      TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS catalog_items (
	item_id         TEXT PRIMARY KEY,
	collection_id   TEXT NOT NULL REFERENCES catalog_collections (collection_id),
	release_id      TEXT NOT NULL,
	version_ordinal INTEGER NOT NULL,
	assets          TEXT NOT NULL DEFAULT '[]',
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS catalog_items_release_idx ON catalog_items (release_id);

CREATE TABLE IF NOT EXISTS named_locks (
	name        TEXT PRIMARY KEY,
	acquired_at TEXT NOT NULL
);
`

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.q().ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
