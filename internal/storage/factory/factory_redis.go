package factory

import (
	"context"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/storage/redis"
)

func init() {
	Register(BackendRedis, Backend{
		Open: func(ctx context.Context, teambook string, opts Options) (storage.Store, error) {
			return redis.Open(ctx, opts.RedisURL, teambook)
		},
		OpenRegistry: func(ctx context.Context, opts Options) (storage.Registry, error) {
			return redis.OpenRegistry(ctx, opts.RedisURL)
		},
		Probe: func(ctx context.Context, opts Options) error {
			return redis.Probe(ctx, opts.RedisURL)
		},
	})
}
