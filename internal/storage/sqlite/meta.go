package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// LogCoordination appends one row to the coordination audit log.
func (s *Store) LogCoordination(ctx context.Context, ev *types.CoordinationEvent) error {
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO coordination_log (kind, ai_id, detail, task_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Kind, ev.AIID, ev.Detail, nullableID(ev.TaskID), utc(created))
	if err != nil {
		return wrapDBError("log coordination", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return wrapDBError("log coordination id", err)
	}
	ev.ID = id
	ev.CreatedAt = created
	return nil
}

// RecentCoordination returns the newest coordination rows, newest first.
func (s *Store) RecentCoordination(ctx context.Context, limit int) ([]*types.CoordinationEvent, error) {
	if limit <= 0 {
		limit = types.DefaultRecent
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, ai_id, detail, task_id, created_at
		FROM coordination_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapDBError("recent coordination", err)
	}
	defer rows.Close()

	var events []*types.CoordinationEvent
	for rows.Next() {
		var (
			ev     types.CoordinationEvent
			taskID sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.AIID, &ev.Detail,
			&taskID, &ev.CreatedAt); err != nil {
			return nil, wrapDBError("scan coordination event", err)
		}
		ev.TaskID = nullInt(taskID)
		ev.Teambook = s.teambook
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// LogOperation appends one row to the operation log. Failures here should
// never fail the operation being logged; callers typically ignore the error
// after logging it.
func (s *Store) LogOperation(ctx context.Context, op *types.OperationRecord) error {
	ts := op.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (operation, author, ts, dur_ms)
		VALUES (?, ?, ?, ?)`,
		op.Operation, op.Author, utc(ts), op.DurationMS)
	if err != nil {
		return wrapDBError("log operation", err)
	}
	return nil
}

// RecentOperations returns the newest operation log rows, newest first,
// optionally restricted to one author.
func (s *Store) RecentOperations(ctx context.Context, author string, limit int) ([]*types.OperationRecord, error) {
	if limit <= 0 {
		limit = types.DefaultRecent
	}
	query := `SELECT id, operation, author, ts, dur_ms FROM operations`
	var args []interface{}
	if author != "" {
		query += ` WHERE author = ?`
		args = append(args, author)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("recent operations", err)
	}
	defer rows.Close()

	var ops []*types.OperationRecord
	for rows.Next() {
		var op types.OperationRecord
		if err := rows.Scan(&op.ID, &op.Operation, &op.Author,
			&op.Timestamp, &op.DurationMS); err != nil {
			return nil, wrapDBError("scan operation", err)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// GetStatistics assembles the status snapshot from scalar counts. Expired
// messages and locks are excluded even before a sweep removes them.
func (s *Store) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	now := utc(time.Now())
	stats := &types.Statistics{}

	counts := []struct {
		dest  *int
		query string
		args  []interface{}
	}{
		{&stats.TotalNotes, `SELECT COUNT(*) FROM notes`, nil},
		{&stats.PinnedNotes, `SELECT COUNT(*) FROM notes WHERE pinned = 1`, nil},
		{&stats.TotalEdges, `SELECT COUNT(*) FROM edges`, nil},
		{&stats.TotalEntities, `SELECT COUNT(*) FROM entities`, nil},
		{&stats.TotalMessages, `SELECT COUNT(*) FROM messages WHERE expires_at > ?`, []interface{}{now}},
		{&stats.UnreadMessages, `SELECT COUNT(*) FROM messages WHERE channel = ? AND read_at IS NULL AND expires_at > ?`, []interface{}{types.DMChannel, now}},
		{&stats.ActiveLocks, `SELECT COUNT(*) FROM locks WHERE expires_at > ?`, []interface{}{now}},
		{&stats.PendingTasks, `SELECT COUNT(*) FROM tasks WHERE status = 'pending'`, nil},
		{&stats.ActiveWatches, `SELECT COUNT(*) FROM watches`, nil},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return nil, wrapDBError("get statistics", err)
		}
	}

	var lastWrite sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM notes`).Scan(&lastWrite)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapDBError("get statistics", err)
	}
	if lastWrite.Valid {
		stats.LastWrite = lastWrite.Time
	}
	return stats, nil
}

// SetMetadata stores an internal key/value pair, replacing any prior value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return wrapDBErrorf(err, "set metadata %q", key)
	}
	return nil
}

// GetMetadata reads an internal key, returning storage.ErrNotFound when
// unset.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", wrapDBErrorf(err, "get metadata %q", key)
	}
	return value, nil
}

// Sweep removes rows past their useful life: expired messages, locks, and
// events (with their delivery rows), presence not seen within the
// retention window, watches idle past the inactivity cutoff, and operation
// log rows beyond the keep limit. Runs as one transaction.
func (s *Store) Sweep(ctx context.Context, now time.Time) (storage.SweepResult, error) {
	var result storage.SweepResult
	cutoff := utc(now)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		steps := []struct {
			dest  *int
			query string
			args  []interface{}
		}{
			{&result.Messages, `DELETE FROM messages WHERE expires_at <= ?`, []interface{}{cutoff}},
			{&result.Locks, `DELETE FROM locks WHERE expires_at <= ?`, []interface{}{cutoff}},
			{nil, `DELETE FROM event_deliveries WHERE event_id IN (SELECT id FROM events WHERE expires_at <= ?)`, []interface{}{cutoff}},
			{&result.Events, `DELETE FROM events WHERE expires_at <= ?`, []interface{}{cutoff}},
			{&result.Presence, `DELETE FROM presence WHERE last_seen <= ?`, []interface{}{utc(now.Add(-types.PresenceRetention))}},
			{&result.Watches, `DELETE FROM watches WHERE last_activity <= ?`, []interface{}{utc(now.Add(-types.WatchInactiveAfter))}},
			{nil, `DELETE FROM operations WHERE id NOT IN (SELECT id FROM operations ORDER BY id DESC LIMIT ?)`, []interface{}{types.OperationLogKeep}},
		}
		for _, step := range steps {
			res, err := tx.ExecContext(ctx, step.query, step.args...)
			if err != nil {
				return wrapDBError("sweep", err)
			}
			if step.dest != nil {
				affected, err := res.RowsAffected()
				if err != nil {
					return wrapDBError("sweep", err)
				}
				*step.dest = int(affected)
			}
		}
		return nil
	})
	if err != nil {
		return storage.SweepResult{}, err
	}
	return result, nil
}
