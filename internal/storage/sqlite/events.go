package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// CreateWatch registers (or refreshes) a watch. The same (ai, item type,
// item id) triple upserts in place; new registrations count against
// types.MaxWatchesPerAI.
func (s *Store) CreateWatch(ctx context.Context, w *types.Watch) (int64, error) {
	if w.ItemType != "" && !w.ItemType.IsValid() {
		return 0, fmt.Errorf("invalid item type: %s", w.ItemType)
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.LastActivity.IsZero() {
		w.LastActivity = now
	}
	eventTypes, err := marshalEventTypes(w.EventTypes)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event types: %w", err)
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM watches WHERE ai_id = ? AND item_type = ? AND item_id = ?)`,
			w.AIID, string(w.ItemType), w.ItemID).Scan(&exists)
		if err != nil {
			return wrapDBError("check watch", err)
		}
		if !exists {
			var count int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM watches WHERE ai_id = ?`, w.AIID).Scan(&count); err != nil {
				return wrapDBError("count watches", err)
			}
			if count >= types.MaxWatchesPerAI {
				return fmt.Errorf("watch limit reached (%d): %w",
					types.MaxWatchesPerAI, storage.ErrLimitExceeded)
			}
		}

		return tx.QueryRowContext(ctx, `
			INSERT INTO watches (ai_id, item_type, item_id, event_types, created_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(ai_id, item_type, item_id) DO UPDATE SET
				event_types = excluded.event_types,
				last_activity = excluded.last_activity
			RETURNING id`,
			w.AIID, string(w.ItemType), w.ItemID, eventTypes,
			utc(w.CreatedAt), utc(w.LastActivity)).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	w.ID = id
	return id, nil
}

// DeleteWatch removes a watch owned by the given AI.
func (s *Store) DeleteWatch(ctx context.Context, aiID string, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM watches WHERE id = ? AND ai_id = ?`, id, aiID)
	if err != nil {
		return wrapDBErrorf(err, "delete watch %d", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("delete watch", err)
	}
	if affected == 0 {
		return fmt.Errorf("watch %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListWatches returns all watches registered by an AI, oldest first.
func (s *Store) ListWatches(ctx context.Context, aiID string) ([]*types.Watch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ai_id, item_type, item_id, event_types, created_at, last_activity
		FROM watches WHERE ai_id = ? ORDER BY created_at ASC, id ASC`, aiID)
	if err != nil {
		return nil, wrapDBError("list watches", err)
	}
	defer rows.Close()

	var watches []*types.Watch
	for rows.Next() {
		var (
			w          types.Watch
			eventTypes string
		)
		if err := rows.Scan(&w.ID, &w.AIID, &w.ItemType, &w.ItemID,
			&eventTypes, &w.CreatedAt, &w.LastActivity); err != nil {
			return nil, wrapDBError("scan watch", err)
		}
		if w.EventTypes, err = unmarshalEventTypes(eventTypes); err != nil {
			return nil, fmt.Errorf("failed to decode event types for watch %d: %w", w.ID, err)
		}
		w.Teambook = s.teambook
		watches = append(watches, &w)
	}
	return watches, rows.Err()
}

// AllWatches returns every watch in the teambook, oldest first. Event
// emission matches events against this list to compute delivery fan-out.
func (s *Store) AllWatches(ctx context.Context) ([]*types.Watch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ai_id, item_type, item_id, event_types, created_at, last_activity
		FROM watches ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, wrapDBError("all watches", err)
	}
	defer rows.Close()

	var watches []*types.Watch
	for rows.Next() {
		var (
			w          types.Watch
			eventTypes string
		)
		if err := rows.Scan(&w.ID, &w.AIID, &w.ItemType, &w.ItemID,
			&eventTypes, &w.CreatedAt, &w.LastActivity); err != nil {
			return nil, wrapDBError("scan watch", err)
		}
		if w.EventTypes, err = unmarshalEventTypes(eventTypes); err != nil {
			return nil, fmt.Errorf("failed to decode event types for watch %d: %w", w.ID, err)
		}
		w.Teambook = s.teambook
		watches = append(watches, &w)
	}
	return watches, rows.Err()
}

// RecordEvent appends an event and fans it out to the given recipients.
// Duplicate recipients collapse into one delivery row. The event and its
// deliveries commit together.
func (s *Store) RecordEvent(ctx context.Context, e *types.Event, recipients []string) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.SetDefaults()

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (item_type, item_id, event_type, actor, summary, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(e.ItemType), e.ItemID, string(e.EventType), e.Actor,
			e.Summary, utc(e.CreatedAt), utc(e.ExpiresAt))
		if err != nil {
			return wrapDBError("record event", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return wrapDBError("record event id", err)
		}

		if len(recipients) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO event_deliveries (event_id, ai_id, seen, delivered_at)
			VALUES (?, ?, 0, ?)`)
		if err != nil {
			return wrapDBError("prepare delivery", err)
		}
		defer stmt.Close()

		deliveredAt := utc(e.CreatedAt)
		for _, aiID := range recipients {
			if _, err := stmt.ExecContext(ctx, id, aiID, deliveredAt); err != nil {
				return wrapDBErrorf(err, "deliver event to %s", aiID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// PendingEvents returns unseen, unexpired events addressed to an AI,
// oldest first. A non-zero since drops older events from the result
// without touching their delivery rows, so a narrow pull never consumes
// events it did not return. Events stay pending until MarkEventsSeen.
func (s *Store) PendingEvents(ctx context.Context, aiID string, since time.Time, limit int) ([]*types.Event, error) {
	where := `d.ai_id = ? AND d.seen = 0 AND e.expires_at > ?`
	args := []interface{}{aiID, utc(time.Now())}
	if !since.IsZero() {
		where += ` AND e.created_at > ?`
		args = append(args, utc(since))
	}

	query := `
		SELECT e.id, e.item_type, e.item_id, e.event_type, e.actor, e.summary, e.created_at, e.expires_at
		FROM events e
		JOIN event_deliveries d ON d.event_id = e.id
		WHERE ` + where + `
		ORDER BY e.created_at ASC, e.id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("pending events", err)
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

// MarkEventsSeen flips delivery rows to seen. An empty id list marks
// everything pending for the AI.
func (s *Store) MarkEventsSeen(ctx context.Context, aiID string, eventIDs []int64) error {
	query := `UPDATE event_deliveries SET seen = 1 WHERE ai_id = ? AND seen = 0`
	args := []interface{}{aiID}
	if len(eventIDs) > 0 {
		placeholders := make([]string, len(eventIDs))
		for i, id := range eventIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` AND event_id IN (` + strings.Join(placeholders, ",") + `)`
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return wrapDBError("mark events seen", err)
	}
	return nil
}

// QueryEvents returns unexpired events matching the filter, newest first.
func (s *Store) QueryEvents(ctx context.Context, filter types.EventFilter) ([]*types.Event, error) {
	where := []string{"expires_at > ?"}
	args := []interface{}{utc(time.Now())}

	if filter.ItemType != "" {
		where = append(where, "item_type = ?")
		args = append(args, string(filter.ItemType))
	}
	if filter.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, filter.ItemID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Since != nil {
		where = append(where, "created_at > ?")
		args = append(args, utc(*filter.Since))
	}

	query := `
		SELECT id, item_type, item_id, event_type, actor, summary, created_at, expires_at
		FROM events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query events", err)
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

// TouchWatches bumps last_activity on every watch an AI owns, keeping
// them clear of the inactivity sweep.
func (s *Store) TouchWatches(ctx context.Context, aiID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE watches SET last_activity = ? WHERE ai_id = ?`, utc(at), aiID); err != nil {
		return wrapDBError("touch watches", err)
	}
	return nil
}

func (s *Store) scanEvents(rows *sql.Rows) ([]*types.Event, error) {
	var events []*types.Event
	for rows.Next() {
		var e types.Event
		if err := rows.Scan(&e.ID, &e.ItemType, &e.ItemID, &e.EventType,
			&e.Actor, &e.Summary, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, wrapDBError("scan event", err)
		}
		e.Teambook = s.teambook
		events = append(events, &e)
	}
	return events, rows.Err()
}

func marshalEventTypes(list []types.EventType) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalEventTypes(data string) ([]types.EventType, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var list []types.EventType
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, err
	}
	return list, nil
}
