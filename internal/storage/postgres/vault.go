package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// VaultSet writes a vault item, overwriting any existing value under the
// key. Author records the last writer; CreatedAt survives overwrites.
func (s *Store) VaultSet(ctx context.Context, item *types.VaultItem) error {
	if !types.ValidVaultKey(item.Key) {
		return fmt.Errorf("invalid vault key: %q", item.Key)
	}
	now := time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO vault (teambook, key, value, author, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (teambook, key) DO UPDATE SET
			value = EXCLUDED.value,
			author = EXCLUDED.author,
			updated_at = EXCLUDED.updated_at`,
		s.teambook, item.Key, item.Value, item.Author,
		utc(item.CreatedAt), utc(item.UpdatedAt))
	if err != nil {
		return wrapDBErrorf(err, "vault set %q", item.Key)
	}
	return nil
}

// VaultGet fetches a vault item by key, ciphertext included.
func (s *Store) VaultGet(ctx context.Context, key string) (*types.VaultItem, error) {
	var item types.VaultItem
	err := s.pool.QueryRow(ctx, `
		SELECT key, value, author, created_at, updated_at
		FROM vault WHERE teambook = $1 AND key = $2`, s.teambook, key).
		Scan(&item.Key, &item.Value, &item.Author, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, wrapDBErrorf(err, "vault get %q", key)
	}
	item.Teambook = s.teambook
	return &item, nil
}

// VaultList returns vault metadata sorted by key. Values are omitted;
// callers fetch ciphertext per key with VaultGet.
func (s *Store) VaultList(ctx context.Context) ([]*types.VaultItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, author, created_at, updated_at
		FROM vault WHERE teambook = $1 ORDER BY key`, s.teambook)
	if err != nil {
		return nil, wrapDBError("vault list", err)
	}
	defer rows.Close()

	var items []*types.VaultItem
	for rows.Next() {
		var item types.VaultItem
		if err := rows.Scan(&item.Key, &item.Author, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, wrapDBError("scan vault item", err)
		}
		item.Teambook = s.teambook
		items = append(items, &item)
	}
	return items, rows.Err()
}

// VaultDelete removes a vault item.
func (s *Store) VaultDelete(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM vault WHERE teambook = $1 AND key = $2`, s.teambook, key)
	if err != nil {
		return wrapDBErrorf(err, "vault delete %q", key)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vault key %q: %w", key, storage.ErrNotFound)
	}
	return nil
}
