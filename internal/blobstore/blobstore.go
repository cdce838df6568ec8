// Package blobstore stores pipeline artifacts. Deletion is idempotent:
// removing a missing object reports AlreadyAbsent instead of failing.
package blobstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Stat for a missing object.
var ErrNotFound = errors.New("object not found")

// DeleteResult reports what Delete did.
type DeleteResult string

const (
	Deleted       DeleteResult = "deleted"
	AlreadyAbsent DeleteResult = "already_absent"
)

// Info describes a stored object.
type Info struct {
	Ref      string    `json:"ref"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Store is the object storage used by the built-in pipelines.
type Store interface {
	Stat(ctx context.Context, ref string) (Info, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, ref string) (DeleteResult, error)
}
