package postgres

import (
	"context"
	"time"

	"github.com/steveyegge/teambook/internal/types"
)

// RecordPresence upserts the heartbeat row for an AI. A nil statusMessage
// leaves any previously set message in place; an empty string clears it.
// The parameter is cast so the planner can infer a type inside CASE.
func (s *Store) RecordPresence(ctx context.Context, aiID, operation string, statusMessage *string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO presence (teambook, ai_id, last_seen, last_operation, status_message)
		VALUES ($1, $2, $3, $4, COALESCE($5::text, ''))
		ON CONFLICT (teambook, ai_id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			last_operation = EXCLUDED.last_operation,
			status_message = CASE WHEN $5::text IS NULL THEN presence.status_message ELSE EXCLUDED.status_message END`,
		s.teambook, aiID, utc(time.Now()), operation, statusMessage)
	if err != nil {
		return wrapDBError("record presence", err)
	}
	return nil
}

// ListPresence returns every AI ever seen, most recently active first.
// Callers derive online/away/offline from LastSeen.
func (s *Store) ListPresence(ctx context.Context) ([]*types.Presence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ai_id, last_seen, last_operation, status_message
		FROM presence WHERE teambook = $1
		ORDER BY last_seen DESC, ai_id ASC`, s.teambook)
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
