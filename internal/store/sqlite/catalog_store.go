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

// UpsertCollection creates the collection when missing.
func (s *Store) UpsertCollection(ctx context.Context, c *models.CatalogCollection) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO catalog_collections (collection_id, asset_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (collection_id) DO NOTHING`,
		c.CollectionID, c.AssetID, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert collection %s: %w", c.CollectionID, mapError(err))
	}
	return nil
}

// UpsertItem writes a catalog item. Its collection must exist.
func (s *Store) UpsertItem(ctx context.Context, item *models.CatalogItem) error {
	assets, err := json.Marshal(nonNilStrings(item.Assets))
	if err != nil {
		return fmt.Errorf("failed to encode item assets: %w", err)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err = s.q().ExecContext(ctx, `
		INSERT INTO catalog_items (item_id, collection_id, release_id, version_ordinal, assets, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_id) DO UPDATE SET
			collection_id = excluded.collection_id,
			release_id = excluded.release_id,
			version_ordinal = excluded.version_ordinal,
			assets = excluded.assets`,
		item.ItemID, item.CollectionID, item.ReleaseID, item.VersionOrdinal, string(assets), formatTime(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", item.ItemID, mapError(err))
	}
	return nil
}

// GetCatalogItem retrieves an item by id.
func (s *Store) GetCatalogItem(ctx context.Context, itemID string) (*models.CatalogItem, error) {
	var (
		item      models.CatalogItem
		assets    string
		createdAt string
	)
	err := s.q().QueryRowContext(ctx, `
		SELECT item_id, collection_id, release_id, version_ordinal, assets, created_at
		FROM catalog_items WHERE item_id = ?`, itemID,
	).Scan(&item.ItemID, &item.CollectionID, &item.ReleaseID, &item.VersionOrdinal, &assets, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get item %s: %w", itemID, err)
	}
	if err := json.Unmarshal([]byte(assets), &item.Assets); err != nil {
		return nil, fmt.Errorf("item %s: invalid assets: %w", itemID, err)
	}
	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &item, nil
}

// DeleteCatalogItem removes an item. false means it was already gone.
func (s *Store) DeleteCatalogItem(ctx context.Context, itemID string) (bool, error) {
	res, err := s.q().ExecContext(ctx, `DELETE FROM catalog_items WHERE item_id = ?`, itemID)
	if err != nil {
		return false, fmt.Errorf("failed to delete item %s: %w", itemID, err)
	}
	return affectedOne(res)
}

// DeleteCollectionIfEmpty removes a collection that no item references.
func (s *Store) DeleteCollectionIfEmpty(ctx context.Context, collectionID string) (bool, error) {
	res, err := s.q().ExecContext(ctx, `
		DELETE FROM catalog_collections
		WHERE collection_id = ?
			AND NOT EXISTS (
				SELECT 1 FROM catalog_items
				WHERE catalog_items.collection_id = catalog_collections.collection_id)`,
		collectionID)
	if err != nil {
		return false, fmt.Errorf("failed to delete collection %s: %w", collectionID, err)
	}
	return affectedOne(res)
}

// CountCatalogItems counts the items published for a release.
func (s *Store) CountCatalogItems(ctx context.Context, releaseID string) (int, error) {
	var n int
	if err := s.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog_items WHERE release_id = ?`, releaseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count items of release %s: %w", releaseID, err)
	}
	return n, nil
}
