// Package sqlite implements the storage interface using SQLite.
//
// This is the embedded backend: one database file per teambook, safe for
// concurrent access from multiple processes on the same host via WAL mode
// and busy timeouts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	// Import SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/steveyegge/teambook/internal/storage"
)

const (
	// openRetryBase is the initial backoff when another process holds the
	// database exclusively during open. Doubles per attempt.
	openRetryBase = 100 * time.Millisecond

	// openRetryMax is the total number of open attempts before falling
	// back to a temporary database.
	openRetryMax = 5
)

// Store implements the storage interface using SQLite.
type Store struct {
	db        *sql.DB
	teambook  string
	dbPath    string
	temporary bool        // true when contention forced a temp-file fallback
	closed    atomic.Bool // tracks whether Close() has been called
}

// Open creates a SQLite store for one teambook. The path is the database
// file location, or ":memory:" for an ephemeral store.
//
// If another process holds the database exclusively, Open retries with
// exponential backoff (openRetryBase doubling, openRetryMax attempts) and
// then falls back to a temporary database file so the caller can still
// make progress. Check Temporary() to detect the degraded case.
func Open(ctx context.Context, path, teambook string) (*Store, error) {
	db, err := openWithRetry(ctx, path)
	if err == nil {
		return newStore(db, path, teambook, false), nil
	}
	if path == ":memory:" || !isLockedErr(err) {
		return nil, err
	}

	tmpDir, tmpErr := os.MkdirTemp("", "teambook-*")
	if tmpErr != nil {
		return nil, fmt.Errorf("failed to open database and create fallback: %w", err)
	}
	tmpPath := filepath.Join(tmpDir, filepath.Base(path))
	db, tmpErr = openDB(tmpPath)
	if tmpErr != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newStore(db, tmpPath, teambook, true), nil
}

func newStore(db *sql.DB, path, teambook string, temporary bool) *Store {
	return &Store{
		db:        db,
		teambook:  teambook,
		dbPath:    path,
		temporary: temporary,
	}
}

// openWithRetry opens the database, retrying lock contention with
// exponential backoff. Non-contention errors abort immediately.
func openWithRetry(ctx context.Context, path string) (*sql.DB, error) {
	var db *sql.DB

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = openRetryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	op := func() error {
		var err error
		db, err = openDB(path)
		if err == nil {
			return nil
		}
		if isLockedErr(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, openRetryMax-1), ctx))
	if err != nil {
		return nil, err
	}
	return db, nil
}

// openDB opens a single connection pool and initializes the schema.
func openDB(path string) (*sql.DB, error) {
	var connStr string
	isInMemory := path == ":memory:"
	if isInMemory {
		connStr = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = storage.SQLiteConnString(path, false)
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		// SQLite in-memory databases are isolated per connection; force a
		// single connection so the pool sees one database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers. Limit the pool so write
		// contention queues in SQLite's busy handler instead of piling
		// up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// isLockedErr reports whether an error is SQLite lock contention.
func isLockedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// Close closes the database connection. It checkpoints the WAL so writes
// are flushed to the main database file between CLI invocations.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Teambook returns the teambook this store is bound to.
func (s *Store) Teambook() string {
	return s.teambook
}

// Backend returns the backend name.
func (s *Store) Backend() string {
	return "sqlite"
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Temporary reports whether open contention forced this store onto a
// temporary database file.
func (s *Store) Temporary() bool {
	return s.temporary
}

// IsClosed returns true if Close() has been called on this store.
func (s *Store) IsClosed() bool {
	return s.closed.Load()
}

// withTx executes a function within a database transaction.
// If the function returns an error, the transaction is rolled back.
// Otherwise, the transaction is committed.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapDBError("commit transaction", err)
	}

	return nil
}

var _ storage.Store = (*Store)(nil)
