package jobs

import (
	"fmt"

	"coremachine/internal/blobstore"
	"coremachine/internal/catalog"
	"coremachine/internal/store"
)

// Deps are the collaborators of the built-in job types.
type Deps struct {
	Blobs   blobstore.Store
	Store   store.Backend
	Catalog catalog.Materializer
}

// NewBuiltinRegistry registers ingest, unpublish, materialize and revoke with
// their handlers and validates the result.
func NewBuiltinRegistry(d Deps) (*Registry, error) {
	reg := NewRegistry()
	for _, def := range []Definition{Ingest{}, Unpublish{}, Materialize{}, Revoke{}} {
		if err := reg.Register(def); err != nil {
			return nil, fmt.Errorf("register job type: %w", err)
		}
	}
	if err := (IngestHandlers{Blobs: d.Blobs, Releases: d.Store}).Register(reg); err != nil {
		return nil, fmt.Errorf("register ingest handlers: %w", err)
	}
	unpublish := UnpublishHandlers{Blobs: d.Blobs, Releases: d.Store, Catalog: d.Catalog, Tx: d.Store}
	if err := unpublish.Register(reg); err != nil {
		return nil, fmt.Errorf("register unpublish handlers: %w", err)
	}
	if err := (LifecycleHandlers{Releases: d.Store, Catalog: d.Catalog}).Register(reg); err != nil {
		return nil, fmt.Errorf("register lifecycle handlers: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("job registry: %w", err)
	}
	return reg, nil
}
