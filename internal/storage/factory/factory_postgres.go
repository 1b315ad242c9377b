package factory

import (
	"context"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/storage/postgres"
)

func init() {
	Register(BackendPostgres, Backend{
		Open: func(ctx context.Context, teambook string, opts Options) (storage.Store, error) {
			return postgres.Open(ctx, opts.PostgresURL, teambook)
		},
		OpenRegistry: func(ctx context.Context, opts Options) (storage.Registry, error) {
			return postgres.OpenRegistry(ctx, opts.PostgresURL)
		},
		Probe: func(ctx context.Context, opts Options) error {
			return postgres.Probe(ctx, opts.PostgresURL)
		},
	})
}
