package redis

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/steveyegge/teambook/internal/types"
)

func (s *Store) presenceKey(aiID string) string { return s.key("presence", aiID) }
func (s *Store) presenceSeenKey() string        { return s.key("presenceseen") }

// RecordPresence upserts the heartbeat row for an AI. A nil statusMessage
// leaves any previously set message in place; an empty string clears it.
func (s *Store) RecordPresence(ctx context.Context, aiID, operation string, statusMessage *string) error {
	now := time.Now()
	fields := []interface{}{
		"last_seen", rfc(utc(now)),
		"last_operation", operation,
	}
	if statusMessage != nil {
		fields = append(fields, "status_message", *statusMessage)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.presenceKey(aiID), fields...)
	pipe.ZAdd(ctx, s.presenceSeenKey(), redis.Z{Score: float64(msec(now)), Member: aiID})
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return wrapDBError("record presence", err)
	}
	return nil
}

// ListPresence returns every AI ever seen, most recently active first.
// Callers derive online/away/offline from LastSeen.
func (s *Store) ListPresence(ctx context.Context) ([]*types.Presence, error) {
	aiIDs, err := s.client.ZRevRange(ctx, s.presenceSeenKey(), 0, -1).Result()
	if err != nil {
		return nil, wrapDBError("list presence", err)
	}
	if len(aiIDs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(aiIDs))
	for i, aiID := range aiIDs {
		cmds[i] = pipe.HGetAll(ctx, s.presenceKey(aiID))
	}
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return nil, wrapDBError("list presence", err)
	}

	entries := make([]*types.Presence, 0, len(aiIDs))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		p := &types.Presence{
			AIID:          aiIDs[i],
			Teambook:      s.teambook,
			LastOperation: vals["last_operation"],
			StatusMessage: vals["status_message"],
		}
		if p.LastSeen, err = parseRFC(vals["last_seen"]); err != nil {
			return nil, wrapDBError("list presence", err)
		}
		entries = append(entries, p)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].LastSeen.Equal(entries[j].LastSeen) {
			return entries[i].LastSeen.After(entries[j].LastSeen)
		}
		return entries[i].AIID < entries[j].AIID
	})
	return entries, nil
}
