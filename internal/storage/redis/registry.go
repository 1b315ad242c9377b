package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// registryPrefix namespaces teambook manifests outside any per-teambook
// keyspace: every store on the same server sees the same registry.
const registryPrefix = "teambooks:"

// Registry lists teambooks from shared manifest keys.
type Registry struct {
	client *redis.Client
}

// OpenRegistry connects to the shared server.
func OpenRegistry(ctx context.Context, url string) (*Registry, error) {
	client, err := openClient(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Registry{client: client}, nil
}

// Close releases the registry's connection pool.
func (r *Registry) Close() error {
	return r.client.Close()
}

func teambookKey(name string) string { return registryPrefix + name }

// CreateTeambook records a new teambook. Concurrent creators race on
// SETNX; the loser gets storage.ErrTeambookExists.
func (r *Registry) CreateTeambook(ctx context.Context, tb *types.Teambook) error {
	if !types.ValidTeambookName(tb.Name) {
		return fmt.Errorf("invalid teambook name: %q", tb.Name)
	}
	if tb.CreatedAt.IsZero() {
		tb.CreatedAt = time.Now()
	}
	if tb.LastActive.IsZero() {
		tb.LastActive = tb.CreatedAt
	}

	data, err := json.Marshal(tb)
	if err != nil {
		return wrapDBErrorf(err, "create teambook %q", tb.Name)
	}
	created, err := r.client.SetNX(ctx, teambookKey(tb.Name), data, 0).Result()
	if err != nil {
		return wrapDBErrorf(err, "create teambook %q", tb.Name)
	}
	if !created {
		return fmt.Errorf("teambook %q: %w", tb.Name, storage.ErrTeambookExists)
	}
	return nil
}

// GetTeambook loads a teambook's manifest.
func (r *Registry) GetTeambook(ctx context.Context, name string) (*types.Teambook, error) {
	body, err := r.client.Get(ctx, teambookKey(name)).Result()
	if err != nil {
		return nil, wrapDBErrorf(err, "teambook %q", name)
	}
	var tb types.Teambook
	if err := json.Unmarshal([]byte(body), &tb); err != nil {
		return nil, wrapDBErrorf(err, "teambook %q", name)
	}
	tb.Name = name
	return &tb, nil
}

// ListTeambooks returns every registered teambook, sorted by name.
// Teambook names never contain the key separator, so SCAN plus a prefix
// trim recovers them exactly.
func (r *Registry) ListTeambooks(ctx context.Context) ([]*types.Teambook, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, registryPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapDBError("list teambooks", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapDBError("list teambooks", err)
	}
	teambooks := make([]*types.Teambook, 0, len(keys))
	for i, item := range raw {
		body, ok := item.(string)
		if !ok {
			continue
		}
		var tb types.Teambook
		if err := json.Unmarshal([]byte(body), &tb); err != nil {
			return nil, wrapDBError("list teambooks", err)
		}
		tb.Name = strings.TrimPrefix(keys[i], registryPrefix)
		teambooks = append(teambooks, &tb)
	}
	sort.Slice(teambooks, func(i, j int) bool {
		return teambooks[i].Name < teambooks[j].Name
	})
	return teambooks, nil
}

// TouchTeambook advances last_active, never moving it backwards. Touching
// an unregistered teambook is a no-op.
func (r *Registry) TouchTeambook(ctx context.Context, name string, at time.Time) error {
	err := runTx(ctx, r.client, func(tx *redis.Tx) error {
		body, err := tx.Get(ctx, teambookKey(name)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var tb types.Teambook
		if err := json.Unmarshal([]byte(body), &tb); err != nil {
			return err
		}
		if !at.After(tb.LastActive) {
			return nil
		}
		tb.LastActive = at
		data, err := json.Marshal(tb)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, teambookKey(name), data, 0)
			return nil
		})
		return err
	}, teambookKey(name))
	if err != nil {
		return wrapDBError("touch teambook", err)
	}
	return nil
}

var _ storage.Registry = (*Registry)(nil)
