package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// Registry lists teambooks from the shared teambooks table. Every store
// on the same database sees the same registry.
type Registry struct {
	pool *pgxpool.Pool
}

// OpenRegistry connects to the shared database and makes sure the schema
// exists.
func OpenRegistry(ctx context.Context, url string) (*Registry, error) {
	pool, err := openPool(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Registry{pool: pool}, nil
}

// Close releases the registry's connection pool.
func (r *Registry) Close() error {
	r.pool.Close()
	return nil
}

// CreateTeambook records a new teambook. Concurrent creators race on the
// primary key; the loser gets storage.ErrTeambookExists.
func (r *Registry) CreateTeambook(ctx context.Context, tb *types.Teambook) error {
	if !types.ValidTeambookName(tb.Name) {
		return fmt.Errorf("invalid teambook name: %q", tb.Name)
	}
	if tb.CreatedAt.IsZero() {
		tb.CreatedAt = time.Now()
	}
	lastActive := tb.LastActive
	if lastActive.IsZero() {
		lastActive = tb.CreatedAt
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO teambooks (name, creator, created_at, last_active)
		VALUES ($1, $2, $3, $4)`,
		tb.Name, tb.Creator, utc(tb.CreatedAt), utc(lastActive))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("teambook %q: %w", tb.Name, storage.ErrTeambookExists)
		}
		return wrapDBErrorf(err, "create teambook %q", tb.Name)
	}
	return nil
}

// GetTeambook loads a teambook's registry row.
func (r *Registry) GetTeambook(ctx context.Context, name string) (*types.Teambook, error) {
	var tb types.Teambook
	err := r.pool.QueryRow(ctx, `
		SELECT name, creator, created_at, last_active
		FROM teambooks WHERE name = $1`, name).
		Scan(&tb.Name, &tb.Creator, &tb.CreatedAt, &tb.LastActive)
	if err != nil {
		return nil, wrapDBErrorf(err, "teambook %q", name)
	}
	return &tb, nil
}

// ListTeambooks returns every registered teambook, sorted by name.
func (r *Registry) ListTeambooks(ctx context.Context) ([]*types.Teambook, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, creator, created_at, last_active
		FROM teambooks ORDER BY name`)
	if err != nil {
		return nil, wrapDBError("list teambooks", err)
	}
	defer rows.Close()

	var teambooks []*types.Teambook
	for rows.Next() {
		var tb types.Teambook
		if err := rows.Scan(&tb.Name, &tb.Creator, &tb.CreatedAt, &tb.LastActive); err != nil {
			return nil, wrapDBError("scan teambook", err)
		}
		teambooks = append(teambooks, &tb)
	}
	return teambooks, rows.Err()
}

// TouchTeambook advances last_active, never moving it backwards. Touching
// an unregistered teambook is a no-op.
func (r *Registry) TouchTeambook(ctx context.Context, name string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE teambooks SET last_active = GREATEST(last_active, $1) WHERE name = $2`,
		utc(at), name)
	return wrapDBError("touch teambook", err)
}

var _ storage.Registry = (*Registry)(nil)
