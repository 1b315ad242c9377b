package factory

import (
	"context"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/storage/sqlite"
)

func init() {
	// Embedded backend, no Probe: always reachable.
	Register(BackendSQLite, Backend{
		Open: func(ctx context.Context, teambook string, opts Options) (storage.Store, error) {
			return sqlite.Open(ctx, sqlite.DBPath(opts.Root, teambook), teambook)
		},
		OpenRegistry: func(ctx context.Context, opts Options) (storage.Registry, error) {
			return sqlite.OpenRegistry(opts.Root)
		},
	})
}
