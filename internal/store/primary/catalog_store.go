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

// --- Catalog Store Implementation ---

// UpsertCollection creates the collection when missing.
func (s *StoreImpl) UpsertCollection(ctx context.Context, c *models.CatalogCollection) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO catalog_collections (collection_id, asset_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection_id) DO NOTHING`,
		c.CollectionID, c.AssetID, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert collection %s: %w", c.CollectionID, mapError(err))
	}
	return nil
}

// UpsertItem writes a catalog item. Its collection must exist.
func (s *StoreImpl) UpsertItem(ctx context.Context, item *models.CatalogItem) error {
	assets, err := json.Marshal(nonNilStrings(item.Assets))
	if err != nil {
		return fmt.Errorf("failed to encode item assets: %w", err)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO catalog_items (item_id, collection_id, release_id, version_ordinal, assets, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_id) DO UPDATE SET
			collection_id = EXCLUDED.collection_id,
			release_id = EXCLUDED.release_id,
			version_ordinal = EXCLUDED.version_ordinal,
			assets = EXCLUDED.assets`,
		item.ItemID, item.CollectionID, item.ReleaseID, item.VersionOrdinal, string(assets), item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", item.ItemID, mapError(err))
	}
	return nil
}

// GetCatalogItem retrieves an item by id.
func (s *StoreImpl) GetCatalogItem(ctx context.Context, itemID string) (*models.CatalogItem, error) {
	var (
		item   models.CatalogItem
		assets []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT item_id, collection_id, release_id, version_ordinal, assets, created_at
		FROM catalog_items WHERE item_id = $1`, itemID,
	).Scan(&item.ItemID, &item.CollectionID, &item.ReleaseID, &item.VersionOrdinal, &assets, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get item %s: %w", itemID, err)
	}
	if err := json.Unmarshal(assets, &item.Assets); err != nil {
		return nil, fmt.Errorf("item %s: invalid assets: %w", itemID, err)
	}
	return &item, nil
}

// DeleteCatalogItem removes an item. false means it was already gone.
func (s *StoreImpl) DeleteCatalogItem(ctx context.Context, itemID string) (bool, error) {
	cmdTag, err := s.db.Exec(ctx, `DELETE FROM catalog_items WHERE item_id = $1`, itemID)
	if err != nil {
		return false, fmt.Errorf("failed to delete item %s: %w", itemID, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// DeleteCollectionIfEmpty removes a collection that no item references.
func (s *StoreImpl) DeleteCollectionIfEmpty(ctx context.Context, collectionID string) (bool, error) {
	cmdTag, err := s.db.Exec(ctx, `
		DELETE FROM catalog_collections c
		WHERE c.collection_id = $1
			AND NOT EXISTS (SELECT 1 FROM catalog_items i WHERE i.collection_id = c.collection_id)`,
		collectionID)
	if err != nil {
		return false, fmt.Errorf("failed to delete collection %s: %w", collectionID, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// CountCatalogItems counts the items published for a release.
func (s *StoreImpl) CountCatalogItems(ctx context.Context, releaseID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM catalog_items WHERE release_id = $1`, releaseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count items of release %s: %w", releaseID, err)
	}
	return n, nil
}
