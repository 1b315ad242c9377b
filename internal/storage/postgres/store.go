// Package postgres implements the storage interface on PostgreSQL.
//
// This is the shared backend: one database serves every teambook, with a
// teambook column scoping each table. Ids come from BIGSERIAL sequences,
// so they are unique across the whole deployment, not just within one
// teambook. Claims use FOR UPDATE SKIP LOCKED and cap checks serialize on
// per-teambook advisory locks, so the atomicity promises of the storage
// interface hold across any number of connecting processes.
package postgres

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/steveyegge/teambook/internal/storage"
)

// Advisory lock namespaces. Cap-enforced inserts take
// pg_advisory_xact_lock(hashtext(teambook), ns) so concurrent writers
// serialize per teambook and per concern instead of globally.
const (
	lockNSSchema        = 0
	lockNSTasks         = 1
	lockNSSubscriptions = 2
	lockNSWatches       = 3
	lockNSEvolutions    = 4
	lockNSContributions = 5
)

// Store implements the storage interface on a PostgreSQL pool.
type Store struct {
	pool     *pgxpool.Pool
	teambook string
	closed   atomic.Bool
}

// Open connects to PostgreSQL and binds a store to one teambook. The
// schema is created on first contact; concurrent opens serialize on an
// advisory lock so the DDL runs once.
func Open(ctx context.Context, url, teambook string) (*Store, error) {
	pool, err := openPool(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, teambook: teambook}, nil
}

func openPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ensureSchema creates the tables if they do not exist. The advisory lock
// keeps concurrent CREATE TABLE IF NOT EXISTS calls from tripping over
// each other's catalog inserts.
func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return wrapDBError("begin schema transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('teambook_schema'), $1)`, lockNSSchema); err != nil {
		return wrapDBError("schema lock", err)
	}
	if _, err := tx.Exec(ctx, schema); err != nil {
		return wrapDBError("initialize schema", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapDBError("commit schema", err)
	}
	return nil
}

// Probe reports whether the database answers on a single short-lived
// connection. Used by backend selection.
func Probe(ctx context.Context, url string) error {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()
	return conn.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Close()
	return nil
}

// Teambook returns the teambook this store is bound to.
func (s *Store) Teambook() string {
	return s.teambook
}

// Backend returns the backend name.
func (s *Store) Backend() string {
	return "postgres"
}

// IsClosed returns true if Close() has been called on this store.
func (s *Store) IsClosed() bool {
	return s.closed.Load()
}

// withTx executes a function within a database transaction.
// If the function returns an error, the transaction is rolled back.
// Otherwise, the transaction is committed.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapDBError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapDBError("commit transaction", err)
	}

	return nil
}

// lockConcern serializes cap-enforced writes for this teambook within the
// transaction. The lock releases on commit or rollback.
func (s *Store) lockConcern(ctx context.Context, tx pgx.Tx, ns int) error {
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1), $2)`, s.teambook, ns); err != nil {
		return wrapDBError("advisory lock", err)
	}
	return nil
}

// utc normalizes a timestamp for storage. Columns are TIMESTAMPTZ, so
// this only pins the wall-clock representation.
func utc(t time.Time) time.Time {
	return t.UTC()
}

var _ storage.Store = (*Store)(nil)
