package sqlite

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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault (key, value, author, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			author = excluded.author,
			updated_at = excluded.updated_at`,
		item.Key, item.Value, item.Author, utc(item.CreatedAt), utc(item.UpdatedAt))
	if err != nil {
		return wrapDBErrorf(err, "vault set %q", item.Key)
	}
	return nil
}

// VaultGet fetches a vault item by key, ciphertext included.
func (s *Store) VaultGet(ctx context.Context, key string) (*types.VaultItem, error) {
	var item types.VaultItem
	err := s.db.QueryRowContext(ctx, `
		SELECT key, value, author, created_at, updated_at
		FROM vault WHERE key = ?`, key).
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, author, created_at, updated_at FROM vault ORDER BY key`)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM vault WHERE key = ?`, key)
	if err != nil {
		return wrapDBErrorf(err, "vault delete %q", key)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("vault delete", err)
	}
	if affected == 0 {
		return fmt.Errorf("vault key %q: %w", key, storage.ErrNotFound)
	}
	return nil
}
