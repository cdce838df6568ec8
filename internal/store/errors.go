package store

import "errors"

var (
	ErrNotFound  = errors.New("store: resource not found")
	ErrDuplicate = errors.New("store: duplicate resource")
	ErrConflict  = errors.New("store: conflicting resource state")
	// ErrVersionConflict is returned when commit-time uniqueness of
	// (asset_id, version_ordinal) rejects an approval.
	ErrVersionConflict = errors.New("store: release version conflict")
)
