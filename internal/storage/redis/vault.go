package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func (s *Store) vaultKey(key string) string { return s.key("vault", key) }

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

	pipe := s.client.Pipeline()
	pipe.HSetNX(ctx, s.vaultKey(item.Key), "created_at", rfc(utc(item.CreatedAt)))
	pipe.HSet(ctx, s.vaultKey(item.Key),
		"value", item.Value,
		"author", item.Author,
		"updated_at", rfc(utc(item.UpdatedAt)),
	)
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return wrapDBErrorf(err, "vault set %q", item.Key)
	}
	return nil
}

// VaultGet fetches a vault item by key, ciphertext included.
func (s *Store) VaultGet(ctx context.Context, key string) (*types.VaultItem, error) {
	vals, err := s.client.HGetAll(ctx, s.vaultKey(key)).Result()
	if err != nil {
		return nil, wrapDBErrorf(err, "vault get %q", key)
	}
	if len(vals) == 0 {
		return nil, wrapDBErrorf(redis.Nil, "vault get %q", key)
	}
	item, err := vaultItemFromHash(key, vals)
	if err != nil {
		return nil, wrapDBErrorf(err, "vault get %q", key)
	}
	item.Value = []byte(vals["value"])
	item.Teambook = s.teambook
	return item, nil
}

// VaultList returns vault metadata sorted by key. Values are omitted;
// callers fetch ciphertext per key with VaultGet.
func (s *Store) VaultList(ctx context.Context) ([]*types.VaultItem, error) {
	// Vault keys are restricted to [A-Za-z0-9_.-], so a key never
	// contains the namespace separator and SCAN + TrimPrefix is safe.
	prefix := s.key("vault") + ":"
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapDBError("vault list", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, s.vaultKey(key))
	}
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return nil, wrapDBError("vault list", err)
	}

	items := make([]*types.VaultItem, 0, len(keys))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		item, err := vaultItemFromHash(keys[i], vals)
		if err != nil {
			return nil, wrapDBError("vault list", err)
		}
		item.Teambook = s.teambook
		items = append(items, item)
	}
	return items, nil
}

// VaultDelete removes a vault item.
func (s *Store) VaultDelete(ctx context.Context, key string) error {
	deleted, err := s.client.Del(ctx, s.vaultKey(key)).Result()
	if err != nil {
		return wrapDBErrorf(err, "vault delete %q", key)
	}
	if deleted == 0 {
		return fmt.Errorf("vault key %q: %w", key, storage.ErrNotFound)
	}
	return nil
}

// vaultItemFromHash parses the metadata fields of a vault hash. Value is
// left empty for the caller to fill when wanted.
func vaultItemFromHash(key string, vals map[string]string) (*types.VaultItem, error) {
	item := &types.VaultItem{Key: key, Author: vals["author"]}
	var err error
	if item.CreatedAt, err = parseRFC(vals["created_at"]); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseRFC(vals["updated_at"]); err != nil {
		return nil, err
	}
	return item, nil
}
