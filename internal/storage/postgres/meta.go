package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// LogCoordination appends one row to the coordination audit log.
func (s *Store) LogCoordination(ctx context.Context, ev *types.CoordinationEvent) error {
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO coordination_log (teambook, kind, ai_id, detail, task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		s.teambook, ev.Kind, ev.AIID, ev.Detail, ev.TaskID, utc(created)).Scan(&id)
	if err != nil {
		return wrapDBError("log coordination", err)
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
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, ai_id, detail, task_id, created_at
		FROM coordination_log WHERE teambook = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, s.teambook, limit)
	if err != nil {
		return nil, wrapDBError("recent coordination", err)
	}
	defer rows.Close()

	var events []*types.CoordinationEvent
	for rows.Next() {
		var ev types.CoordinationEvent
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.AIID, &ev.Detail,
			&ev.TaskID, &ev.CreatedAt); err != nil {
			return nil, wrapDBError("scan coordination event", err)
		}
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operations (teambook, operation, author, ts, dur_ms)
		VALUES ($1, $2, $3, $4, $5)`,
		s.teambook, op.Operation, op.Author, utc(ts), op.DurationMS)
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
	var a qargs
	query := `SELECT id, operation, author, ts, dur_ms FROM operations WHERE teambook = ` + a.add(s.teambook)
	if author != "" {
		query += ` AND author = ` + a.add(author)
	}
	query += ` ORDER BY id DESC LIMIT ` + a.add(limit)

	rows, err := s.pool.Query(ctx, query, a...)
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
		{&stats.TotalNotes, `SELECT COUNT(*) FROM notes WHERE teambook = $1`, []interface{}{s.teambook}},
		{&stats.PinnedNotes, `SELECT COUNT(*) FROM notes WHERE teambook = $1 AND pinned`, []interface{}{s.teambook}},
		{&stats.TotalEdges, `SELECT COUNT(*) FROM edges WHERE teambook = $1`, []interface{}{s.teambook}},
		{&stats.TotalEntities, `SELECT COUNT(*) FROM entities WHERE teambook = $1`, []interface{}{s.teambook}},
		{&stats.TotalMessages, `SELECT COUNT(*) FROM messages WHERE teambook = $1 AND expires_at > $2`, []interface{}{s.teambook, now}},
		{&stats.UnreadMessages, `SELECT COUNT(*) FROM messages WHERE teambook = $1 AND channel = $2 AND read_at IS NULL AND expires_at > $3`, []interface{}{s.teambook, types.DMChannel, now}},
		{&stats.ActiveLocks, `SELECT COUNT(*) FROM locks WHERE teambook = $1 AND expires_at > $2`, []interface{}{s.teambook, now}},
		{&stats.PendingTasks, `SELECT COUNT(*) FROM tasks WHERE teambook = $1 AND status = 'pending'`, []interface{}{s.teambook}},
		{&stats.ActiveWatches, `SELECT COUNT(*) FROM watches WHERE teambook = $1`, []interface{}{s.teambook}},
	}
	for _, c := range counts {
		if err := s.pool.QueryRow(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return nil, wrapDBError("get statistics", err)
		}
	}

	var lastWrite *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(created_at) FROM notes WHERE teambook = $1`, s.teambook).
		Scan(&lastWrite)
	if err != nil {
		return nil, wrapDBError("get statistics", err)
	}
	if lastWrite != nil {
		stats.LastWrite = *lastWrite
	}
	return stats, nil
}

// SetMetadata stores an internal key/value pair, replacing any prior value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metadata (teambook, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (teambook, key) DO UPDATE SET value = EXCLUDED.value`,
		s.teambook, key, value)
	if err != nil {
		return wrapDBErrorf(err, "set metadata %q", key)
	}
	return nil
}

// GetMetadata reads an internal key, returning storage.ErrNotFound when
// unset.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM metadata WHERE teambook = $1 AND key = $2`,
		s.teambook, key).Scan(&value)
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

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		steps := []struct {
			dest  *int
			query string
			args  []interface{}
		}{
			{&result.Messages, `DELETE FROM messages WHERE teambook = $1 AND expires_at <= $2`, []interface{}{s.teambook, cutoff}},
			{&result.Locks, `DELETE FROM locks WHERE teambook = $1 AND expires_at <= $2`, []interface{}{s.teambook, cutoff}},
			{nil, `DELETE FROM event_deliveries WHERE event_id IN (SELECT id FROM events WHERE teambook = $1 AND expires_at <= $2)`, []interface{}{s.teambook, cutoff}},
			{&result.Events, `DELETE FROM events WHERE teambook = $1 AND expires_at <= $2`, []interface{}{s.teambook, cutoff}},
			{&result.Presence, `DELETE FROM presence WHERE teambook = $1 AND last_seen <= $2`, []interface{}{s.teambook, utc(now.Add(-types.PresenceRetention))}},
			{&result.Watches, `DELETE FROM watches WHERE teambook = $1 AND last_activity <= $2`, []interface{}{s.teambook, utc(now.Add(-types.WatchInactiveAfter))}},
			{nil, `DELETE FROM operations WHERE teambook = $1 AND id NOT IN (SELECT id FROM operations WHERE teambook = $1 ORDER BY id DESC LIMIT $2)`, []interface{}{s.teambook, types.OperationLogKeep}},
		}
		for _, step := range steps {
			tag, err := tx.Exec(ctx, step.query, step.args...)
			if err != nil {
				return wrapDBError("sweep", err)
			}
			if step.dest != nil {
				*step.dest = int(tag.RowsAffected())
			}
		}
		return nil
	})
	if err != nil {
		return storage.SweepResult{}, err
	}
	return result, nil
}
