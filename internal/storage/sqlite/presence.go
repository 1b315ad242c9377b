package sqlite

import (
	"context"
	"time"

	"github.com/steveyegge/teambook/internal/types"
)

// RecordPresence upserts the heartbeat row for an AI. A nil statusMessage
// leaves any previously set message in place; an empty string clears it.
func (s *Store) RecordPresence(ctx context.Context, aiID, operation string, statusMessage *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (ai_id, last_seen, last_operation, status_message)
		VALUES (?, ?, ?, COALESCE(?, ''))
		ON CONFLICT(ai_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			last_operation = excluded.last_operation,
			status_message = CASE WHEN ? IS NULL THEN presence.status_message ELSE excluded.status_message END`,
		aiID, utc(time.Now()), operation, statusMessage, statusMessage)
	if err != nil {
		return wrapDBError("record presence", err)
	}
	return nil
}

// ListPresence returns every AI ever seen, most recently active first.
// Callers derive online/away/offline from LastSeen.
func (s *Store) ListPresence(ctx context.Context) ([]*types.Presence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ai_id, last_seen, last_operation, status_message
		FROM presence ORDER BY last_seen DESC, ai_id ASC`)
	if err != nil {
		return nil, wrapDBError("list presence", err)
	}
	defer rows.Close()

	var entries []*types.Presence
	for rows.Next() {
		var p types.Presence
		if err := rows.Scan(&p.AIID, &p.LastSeen, &p.LastOperation, &p.StatusMessage); err != nil {
			return nil, wrapDBError("scan presence", err)
		}
		p.Teambook = s.teambook
		entries = append(entries, &p)
	}
	return entries, rows.Err()
}
