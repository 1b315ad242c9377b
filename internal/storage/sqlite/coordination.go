package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (resource, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE locks.expires_at <= excluded.acquired_at OR locks.holder = excluded.holder`,
		resource, holder, utc(now), utc(expires))
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
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource = ? AND holder = ?`, resource, holder)
	if err != nil {
		return wrapDBErrorf(err, "release lock %q", resource)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("release lock", err)
	}
	if affected > 0 {
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE locks SET expires_at = ?
		WHERE resource = ? AND holder = ? AND expires_at > ?`,
		utc(now.Add(ttl)), resource, holder, utc(now))
	if err != nil {
		return nil, wrapDBErrorf(err, "extend lock %q", resource)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, wrapDBError("extend lock", err)
	}
	if affected > 0 {
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
	err := s.db.QueryRowContext(ctx, `
		SELECT resource, holder, acquired_at, expires_at
		FROM locks WHERE resource = ?`, resource).
		Scan(&lock.Resource, &lock.Holder, &lock.AcquiredAt, &lock.ExpiresAt)
	if err != nil {
		return nil, wrapDBErrorf(err, "lock %q", resource)
	}
	lock.Teambook = s.teambook
	return &lock, nil
}

// ListLocks returns all active locks ordered by resource.
func (s *Store) ListLocks(ctx context.Context) ([]*types.Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, holder, acquired_at, expires_at
		FROM locks WHERE expires_at > ? ORDER BY resource`, utc(time.Now()))
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
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM locks WHERE holder = ? AND expires_at > ?`,
		holder, utc(time.Now())).Scan(&count)
	if err != nil {
		return 0, wrapDBError("count locks", err)
	}
	return count, nil
}

const taskColumns = `id, content, priority, status, author, claimed_by,
	result, representation_policy, tamper_hash, created_at, claimed_at, completed_at`

func scanTask(scanner interface{ Scan(...interface{}) error }) (*types.Task, error) {
	var (
		t           types.Task
		claimedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := scanner.Scan(
		&t.ID, &t.Content, &t.Priority, &t.Status, &t.Author, &t.ClaimedBy,
		&t.Result, &t.RepresentationPolicy, &t.TamperHash, &t.CreatedAt,
		&claimedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ClaimedAt = timePtr(claimedAt)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

// QueueTask appends a task, enforcing the pending-queue cap atomically.
func (s *Store) QueueTask(ctx context.Context, task *types.Task) (int64, error) {
	created := task.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (content, priority, status, author, representation_policy, tamper_hash, created_at)
		SELECT ?, ?, 'pending', ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM tasks WHERE status = 'pending') < ?`,
		task.Content, task.Priority, task.Author,
		string(task.RepresentationPolicy.OrDefault()), task.TamperHash,
		utc(created), types.MaxQueueSize)
	if err != nil {
		return 0, wrapDBError("queue task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("queue task", err)
	}
	if affected == 0 {
		return 0, fmt.Errorf("queue at capacity (%d pending): %w",
			types.MaxQueueSize, storage.ErrQueueFull)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("queue task id", err)
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'claimed', claimed_by = ?, claimed_at = ?
			WHERE id = ? AND status = 'pending'`,
			claimer, utc(time.Now()), id)
		if err != nil {
			return wrapDBErrorf(err, "claim task %d", id)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapDBError("claim task", err)
		}
		if affected == 0 {
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
// priority. Returns storage.ErrNotFound when the queue is empty.
func (s *Store) ClaimNextTask(ctx context.Context, claimer string) (*types.Task, error) {
	var claimed *types.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			UPDATE tasks SET status = 'claimed', claimed_by = ?, claimed_at = ?
			WHERE id = (
				SELECT id FROM tasks WHERE status = 'pending'
				ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1
			) AND status = 'pending'
			RETURNING id`,
			claimer, utc(time.Now())).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'completed', completed_at = ?, result = ?
			WHERE id = ? AND status = 'claimed' AND claimed_by = ?`,
			utc(time.Now()), result, id, claimer)
		if err != nil {
			return wrapDBErrorf(err, "complete task %d", id)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return wrapDBError("complete task", err)
		}
		if affected == 0 {
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
func (s *Store) diagnoseClaimFailure(ctx context.Context, tx *sql.Tx, id int64) error {
	var status, claimedBy string
	err := tx.QueryRowContext(ctx,
		`SELECT status, claimed_by FROM tasks WHERE id = ?`, id).
		Scan(&status, &claimedBy)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *Store) diagnoseCompleteFailure(ctx context.Context, tx *sql.Tx, id int64, claimer string) error {
	var status, claimedBy string
	err := tx.QueryRowContext(ctx,
		`SELECT status, claimed_by FROM tasks WHERE id = ?`, id).
		Scan(&status, &claimedBy)
	if errors.Is(err, sql.ErrNoRows) {
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
func (s *Store) refreshTaskHash(ctx context.Context, tx *sql.Tx, id int64) (*types.Task, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "reload task %d", id)
	}
	task.Teambook = s.teambook
	task.TamperHash = task.ComputeTamperHash()

	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET tamper_hash = ? WHERE id = ?`, task.TamperHash, id); err != nil {
		return nil, wrapDBError("refresh task hash", err)
	}
	return task, nil
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
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
	where := []string{"1=1"}
	var args []interface{}

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ClaimedBy != "" {
		where = append(where, "claimed_by = ?")
		args = append(args, filter.ClaimedBy)
	}
	if filter.Author != "" {
		where = append(where, "author = ?")
		args = append(args, filter.Author)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY priority DESC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
