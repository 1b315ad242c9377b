// Package redis implements teambook storage on a shared Redis server.
//
// Like postgres, one server carries every teambook: each store works
// inside the key namespace "tb:<teambook>:" and a global "teambooks:"
// namespace holds the registry, so agents on different hosts can point
// at the same REDIS_URL and collaborate. Values are JSON documents or
// hashes; orderings and filters run client-side over the teambook's
// working set, which stays small because messages, events, locks and
// presence all expire.
//
// Expiry is application-level: rows carry their own expires_at and are
// compared against the caller's clock, exactly as the SQL backends do.
// Expired rows stay (invisible) until Sweep removes them, so reads are
// deterministic regardless of server-side TTL timing.
//
// Multi-step invariants use two tools. Hot single-key transitions
// (locks, task claims) run as Lua scripts so the compare and the write
// are one server-side step. Cap-enforced inserts and read-modify-write
// updates run under WATCH with optimistic retry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/steveyegge/teambook/internal/storage"
)

// pingTimeout bounds the connectivity check when opening a client.
const pingTimeout = 5 * time.Second

// txRetries bounds optimistic WATCH transactions. Contention is per-key
// and short, so a handful of retries is normally plenty.
const txRetries = 100

// keyPrefix namespaces every per-teambook key.
const keyPrefix = "tb:"

// Store is a Redis-backed storage.Store for a single teambook.
type Store struct {
	client   *redis.Client
	teambook string
	origin   string
	closed   atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// Open connects to the Redis server at url and returns a store scoped
// to the named teambook. The server is shared; the teambook only
// selects the key namespace.
func Open(ctx context.Context, url, teambook string) (*Store, error) {
	client, err := openClient(ctx, url)
	if err != nil {
		return nil, err
	}
	// The origin id tags events this store publishes on the live feed,
	// so its own subscriptions can drop them.
	return &Store{client: client, teambook: teambook, origin: uuid.NewString()}, nil
}

// Probe reports whether the Redis server at url answers. Used by the
// storage factory during backend selection.
func Probe(ctx context.Context, url string) error {
	client, err := openClient(ctx, url)
	if err != nil {
		return err
	}
	return client.Close()
}

// openClient builds a client for url and verifies connectivity with a
// bounded ping. Accepts both redis:// URLs and bare host:port addresses.
func openClient(ctx context.Context, url string) (*redis.Client, error) {
	var client *redis.Client
	if strings.Contains(url, "://") {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{Addr: url})
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Teambook returns the teambook this store is bound to.
func (s *Store) Teambook() string { return s.teambook }

// Backend identifies the storage backend.
func (s *Store) Backend() string { return "redis" }

// IsClosed reports whether Close has been called.
func (s *Store) IsClosed() bool { return s.closed.Load() }

// Close releases the client connection pool. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

// key builds a namespaced key from parts: tb:<teambook>:<p1>:<p2>...
func (s *Store) key(parts ...string) string {
	return keyPrefix + s.teambook + ":" + strings.Join(parts, ":")
}

// nextID allocates the next id from the named sequence. Like SQL
// sequences, ids burned by an aborted insert are not reused.
func (s *Store) nextID(ctx context.Context, seq string) (int64, error) {
	id, err := s.client.Incr(ctx, s.key("seq", seq)).Result()
	if err != nil {
		return 0, fmt.Errorf("next %s id: %w", seq, err)
	}
	return id, nil
}

// withTx runs fn under WATCH on keys and retries when a watched key
// changes before the transaction commits. Checks read through tx;
// writes must go through tx.TxPipelined so they commit atomically with
// the checks. fn returning an error aborts without writing.
func (s *Store) withTx(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	return runTx(ctx, s.client, fn, keys...)
}

func runTx(ctx context.Context, client *redis.Client, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < txRetries; i++ {
		err := client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", redis.TxFailedErr)
}
