// Package catalog projects approved releases into the searchable catalog.
// Containers are written before items and removed after them.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coremachine/internal/models"
	"coremachine/internal/store"
)

// Materializer publishes and withdraws catalog entries of a release.
type Materializer interface {
	Materialize(ctx context.Context, r *models.Release) (*models.Snapshot, error)
	// Delete removes what snap recorded using cs, which may be a transaction.
	Delete(ctx context.Context, cs store.CatalogStore, snap *models.Snapshot) (DeleteResult, error)
}

// DeleteResult reports what Delete removed.
type DeleteResult struct {
	ItemDeleted       bool `json:"item_deleted"`
	CollectionDeleted bool `json:"collection_deleted"`
}

// Service writes catalog rows through a CatalogStore.
type Service struct {
	store store.CatalogStore
	now   func() time.Time
}

var _ Materializer = (*Service)(nil)

// NewService returns a catalog service.
func NewService(cs store.CatalogStore) *Service {
	return &Service{store: cs, now: time.Now}
}

// ItemID names the catalog item of one release version.
func ItemID(assetID string, ordinal int) string {
	return fmt.Sprintf("%s-v%d", assetID, ordinal)
}

// Materialize upserts the asset collection and then the release item.
func (s *Service) Materialize(ctx context.Context, r *models.Release) (*models.Snapshot, error) {
	if r.VersionOrdinal == nil {
		return nil, errors.New("release has no version ordinal")
	}
	now := s.now().UTC()
	coll := &models.CatalogCollection{CollectionID: r.AssetID, AssetID: r.AssetID, CreatedAt: now}
	if err := s.store.UpsertCollection(ctx, coll); err != nil {
		return nil, err
	}
	item := &models.CatalogItem{
		ItemID:         ItemID(r.AssetID, *r.VersionOrdinal),
		CollectionID:   coll.CollectionID,
		ReleaseID:      r.ReleaseID,
		VersionOrdinal: *r.VersionOrdinal,
		Assets:         r.Artifacts,
		CreatedAt:      now,
	}
	if err := s.store.UpsertItem(ctx, item); err != nil {
		return nil, err
	}
	return &models.Snapshot{
		CollectionID:   coll.CollectionID,
		ItemID:         item.ItemID,
		Artifacts:      append([]string(nil), r.Artifacts...),
		MaterializedAt: now,
	}, nil
}

// Delete removes the item and then the collection when nothing else uses it.
func (s *Service) Delete(ctx context.Context, cs store.CatalogStore, snap *models.Snapshot) (DeleteResult, error) {
	if cs == nil {
		cs = s.store
	}
	var res DeleteResult
	var err error
	if res.ItemDeleted, err = cs.DeleteCatalogItem(ctx, snap.ItemID); err != nil {
		return res, err
	}
	if res.CollectionDeleted, err = cs.DeleteCollectionIfEmpty(ctx, snap.CollectionID); err != nil {
		return res, err
	}
	return res, nil
}
