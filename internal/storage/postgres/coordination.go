package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// AcquireLock installs the caller as holder of a resource, reclaiming the
// row in place when the previous lease has expired. Re-acquiring a lock
// you already hold refreshes the lease. Returns storage.ErrLockHeld with
// the current holder when the resource is taken.
func (s *Store) AcquireLock(ctx context.Context, resource, holder string, ttl time.Duration) (*types.Lock, error) {
	now := time.Now()
	expires := now.Add(ttl)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO locks (teambook, resource, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (teambook, resource) DO UPDATE SET
			holder = EXCLUDED.holder,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE locks.expires_at <= EXCLUDED.acquired_at OR locks.holder = EXCLUDED.holder`,
		s.teambook, resource, holder, utc(now), utc(expires))
	if err != nil {
		return nil, wrapDBErrorf(err, "acquire lock %q", resource)
	}

	// Read back to learn whether we won; the row is authoritative.
	lock, err := s.lockRow(ctx, resource)
	if err != nil {
		return nil, err
	}
	if lock.Holder != holder {
		return nil, fmt.Errorf("resource %q held by %s for %s: %w",
			resource, lock.Holder, lock.Remaining(now).Round(time.Second), storage.ErrLockHeld)
	}
	return lock, nil
}

// ReleaseLock removes the caller's lock. Releasing an already-expired lock
// you held is a no-op success.
func (s *Store) ReleaseLock(ctx context.Context, resource, holder string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM locks WHERE teambook = $1 AND resource = $2 AND holder = $3`,
		s.teambook, resource, holder)
	if err != nil {
		return wrapDBErrorf(err, "release lock %q", resource)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	lock, err := s.lockRow(ctx, resource)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && lock.Expired(time.Now())) {
		return fmt.Errorf("release lock %q: %w", resource, storage.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("resource %q held by %s: %w", resource, lock.Holder, storage.ErrNotOwner)
}

// ExtendLock pushes out the expiry of a lock the caller still holds.
func (s *Store) ExtendLock(ctx context.Context, resource, holder string, ttl time.Duration) (*types.Lock, error) {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE locks SET expires_at = $1
		WHERE teambook = $2 AND resource = $3 AND holder = $4 AND expires_at > $5`,
		utc(now.Add(ttl)), s.teambook, resource, holder, utc(now))
	if err != nil {
		return nil, wrapDBErrorf(err, "extend lock %q", resource)
	}
	if tag.RowsAffected() > 0 {
		return s.lockRow(ctx, resource)
	}

	lock, err := s.lockRow(ctx, resource)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && lock.Expired(now)) {
		return nil, fmt.Errorf("extend lock %q: %w", resource, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("resource %q held by %s: %w", resource, lock.Holder, storage.ErrNotOwner)
}

// GetLock returns the active lock on a resource, or storage.ErrNotFound
// when the resource is free or the lease has expired.
func (s *Store) GetLock(ctx context.Context, resource string) (*types.Lock, error) {
	lock, err := s.lockRow(ctx, resource)
	if err != nil {
		return nil, err
	}
	if lock.Expired(time.Now()) {
		return nil, fmt.Errorf("lock %q: %w", resource, storage.ErrNotFound)
	}
	return lock, nil
}

func (s *Store) lockRow(ctx context.Context, resource string) (*types.Lock, error) {
	var lock types.Lock
	err := s.pool.QueryRow(ctx, `
		SELECT resource, holder, acquired_at, expires_at
		FROM locks WHERE teambook = $1 AND resource = $2`, s.teambook, resource).
		Scan(&lock.Resource, &lock.Holder, &lock.AcquiredAt, &lock.ExpiresAt)
	if err != nil {
		return nil, wrapDBErrorf(err, "lock %q", resource)
	}
	lock.Teambook = s.teambook
	return &lock, nil
}

// ListLocks returns all active locks ordered by resource.
func (s *Store) ListLocks(ctx context.Context) ([]*types.Lock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT resource, holder, acquired_at, expires_at
		FROM locks WHERE teambook = $1 AND expires_at > $2 ORDER BY resource`,
		s.teambook, utc(time.Now()))
	if err != nil {
		return nil, wrapDBError("list locks", err)
	}
	defer rows.Close()

	var locks []*types.Lock
	for rows.Next() {
		var lock types.Lock
		if err := rows.Scan(&lock.Resource, &lock.Holder,
			&lock.AcquiredAt, &lock.ExpiresAt); err != nil {
			return nil, wrapDBError("scan lock", err)
		}
		lock.Teambook = s.teambook
		locks = append(locks, &lock)
	}
	return locks, rows.Err()
}

// CountLocks returns how many active locks an AI holds.
func (s *Store) CountLocks(ctx context.Context, holder string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM locks
		WHERE teambook = $1 AND holder = $2 AND expires_at > $3`,
		s.teambook, holder, utc(time.Now())).Scan(&count)
	if err != nil {
		return 0, wrapDBError("count locks", err)
	}
	return count, nil
}

const taskColumns = `id, content, priority, status, author, claimed_by,
	result, representation_policy, tamper_hash, created_at, claimed_at, completed_at`

func scanTask(scanner interface{ Scan(...interface{}) error }) (*types.Task, error) {
	var t types.Task
	err := scanner.Scan(
		&t.ID, &t.Content, &t.Priority, &t.Status, &t.Author, &t.ClaimedBy,
		&t.Result, &t.RepresentationPolicy, &t.TamperHash, &t.CreatedAt,
		&t.ClaimedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// QueueTask appends a task. The pending-queue cap is checked under an
// advisory lock; READ COMMITTED makes a single-statement count guard racy.
func (s *Store) QueueTask(ctx context.Context, task *types.Task) (int64, error) {
	created := task.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var id int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.lockConcern(ctx, tx, lockNSTasks); err != nil {
			return wrapDBError("queue task", err)
		}

		var pending int
		err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM tasks WHERE teambook = $1 AND status = 'pending'`,
			s.teambook).Scan(&pending)
		if err != nil {
			return wrapDBError("queue task", err)
		}
		if pending >= types.MaxQueueSize {
			return fmt.Errorf("queue at capacity (%d pending): %w",
				types.MaxQueueSize, storage.ErrQueueFull)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO tasks (teambook, content, priority, status, author, representation_policy, tamper_hash, created_at)
			VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7)
			RETURNING id`,
			s.teambook, task.Content, task.Priority, task.Author,
			string(task.RepresentationPolicy.OrDefault()), task.TamperHash,
			utc(created)).Scan(&id)
		return wrapDBError("queue task", err)
	})
	if err != nil {
		return 0, err
	}
	task.ID = id
	task.Status = types.TaskPending
	task.CreatedAt = created
	return id, nil
}

// ClaimTask claims a specific pending task. Exactly one concurrent caller
// wins; losers get storage.ErrAlreadyClaimed naming the winner.
func (s *Store) ClaimTask(ctx context.Context, id int64, claimer string) (*types.Task, error) {
	var claimed *types.Task
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET status = 'claimed', claimed_by = $1, claimed_at = $2
			WHERE teambook = $3 AND id = $4 AND status = 'pending'`,
			claimer, utc(time.Now()), s.teambook, id)
		if err != nil {
			return wrapDBErrorf(err, "claim task %d", id)
		}
		if tag.RowsAffected() == 0 {
			return s.diagnoseClaimFailure(ctx, tx, id)
		}

		claimed, err = s.refreshTaskHash(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimNextTask claims the highest-priority pending task, FIFO within a
// priority. SKIP LOCKED lets concurrent claimers take different tasks
// instead of queueing on the same row. Returns storage.ErrNotFound when
// the queue is empty.
func (s *Store) ClaimNextTask(ctx context.Context, claimer string) (*types.Task, error) {
	var claimed *types.Task
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `
			UPDATE tasks SET status = 'claimed', claimed_by = $1, claimed_at = $2
			WHERE id = (
				SELECT id FROM tasks WHERE teambook = $3 AND status = 'pending'
				ORDER BY priority DESC, created_at ASC, id ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			) AND status = 'pending'
			RETURNING id`,
			claimer, utc(time.Now()), s.teambook).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("no pending tasks: %w", storage.ErrNotFound)
		}
		if err != nil {
			return wrapDBError("claim next task", err)
		}

		claimed, err = s.refreshTaskHash(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteTask finishes a task the caller claimed, recording the result.
func (s *Store) CompleteTask(ctx context.Context, id int64, claimer, result string) (*types.Task, error) {
	var completed *types.Task
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET status = 'completed', completed_at = $1, result = $2
			WHERE teambook = $3 AND id = $4 AND status = 'claimed' AND claimed_by = $5`,
			utc(time.Now()), result, s.teambook, id, claimer)
		if err != nil {
			return wrapDBErrorf(err, "complete task %d", id)
		}
		if tag.RowsAffected() == 0 {
			return s.diagnoseCompleteFailure(ctx, tx, id, claimer)
		}

		completed, err = s.refreshTaskHash(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// diagnoseClaimFailure explains why a conditional claim matched no rows.
func (s *Store) diagnoseClaimFailure(ctx context.Context, tx pgx.Tx, id int64) error {
	var status, claimedBy string
	err := tx.QueryRow(ctx,
		`SELECT status, claimed_by FROM tasks WHERE teambook = $1 AND id = $2`,
		s.teambook, id).Scan(&status, &claimedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBError("inspect task", err)
	}
	if claimedBy != "" {
		return fmt.Errorf("task %d already claimed by %s: %w", id, claimedBy, storage.ErrAlreadyClaimed)
	}
	return fmt.Errorf("task %d is %s: %w", id, status, storage.ErrAlreadyClaimed)
}

// diagnoseCompleteFailure explains why a conditional completion matched
// no rows.
func (s *Store) diagnoseCompleteFailure(ctx context.Context, tx pgx.Tx, id int64, claimer string) error {
	var status, claimedBy string
	err := tx.QueryRow(ctx,
		`SELECT status, claimed_by FROM tasks WHERE teambook = $1 AND id = $2`,
		s.teambook, id).Scan(&status, &claimedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("task %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBError("inspect task", err)
	}
	switch types.TaskStatus(status) {
	case types.TaskPending:
		return fmt.Errorf("task %d is not claimed", id)
	case types.TaskCompleted:
		return fmt.Errorf("task %d is already completed", id)
	default:
		return fmt.Errorf("task %d claimed by %s: %w", id, claimedBy, storage.ErrNotOwner)
	}
}

// refreshTaskHash recomputes the tamper hash from the task's post-update
// state and returns the reloaded task.
func (s *Store) refreshTaskHash(ctx context.Context, tx pgx.Tx, id int64) (*types.Task, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE teambook = $1 AND id = $2`,
		s.teambook, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "reload task %d", id)
	}
	task.Teambook = s.teambook
	task.TamperHash = task.ComputeTamperHash()

	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET tamper_hash = $1 WHERE id = $2`, task.TamperHash, id); err != nil {
		return nil, wrapDBError("refresh task hash", err)
	}
	return task, nil
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE teambook = $1 AND id = $2`,
		s.teambook, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get task %d", id)
	}
	task.Teambook = s.teambook
	return task, nil
}

// ListTasks returns tasks matching the filter in claim order: priority
// descending, oldest first within a priority.
func (s *Store) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	var a qargs
	where := []string{"teambook = " + a.add(s.teambook)}

	if filter.Status != "" {
		where = append(where, "status = "+a.add(string(filter.Status)))
	}
	if filter.ClaimedBy != "" {
		where = append(where, "claimed_by = "+a.add(filter.ClaimedBy))
	}
	if filter.Author != "" {
		where = append(where, "author = "+a.add(filter.Author))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY priority DESC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, a...)
	if err != nil {
		return nil, wrapDBError("list tasks", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrapDBError("scan task", err)
		}
		task.Teambook = s.teambook
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
