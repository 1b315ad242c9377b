package redis

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func (s *Store) coordLogKey() string { return s.key("coordlog") }
func (s *Store) opLogKey() string    { return s.key("oplog") }
func (s *Store) metaKey() string     { return s.key("meta") }

// LogCoordination appends one row to the coordination audit log.
func (s *Store) LogCoordination(ctx context.Context, ev *types.CoordinationEvent) error {
	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	id, err := s.nextID(ctx, "coordination")
	if err != nil {
		return wrapDBError("log coordination", err)
	}

	doc := *ev
	doc.ID = id
	doc.CreatedAt = created
	doc.Teambook = ""
	data, err := json.Marshal(doc)
	if err != nil {
		return wrapDBError("log coordination", err)
	}
	if err := s.client.RPush(ctx, s.coordLogKey(), data).Err(); err != nil {
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
	rows, err := s.client.LRange(ctx, s.coordLogKey(), int64(-limit), -1).Result()
	if err != nil {
		return nil, wrapDBError("recent coordination", err)
	}

	events := make([]*types.CoordinationEvent, 0, len(rows))
	for _, row := range rows {
		var ev types.CoordinationEvent
		if err := json.Unmarshal([]byte(row), &ev); err != nil {
			return nil, wrapDBError("recent coordination", err)
		}
		ev.Teambook = s.teambook
		events = append(events, &ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.After(events[j].CreatedAt)
		}
		return events[i].ID > events[j].ID
	})
	return events, nil
}

// LogOperation appends one row to the operation log. Failures here should
// never fail the operation being logged; callers typically ignore the error
// after logging it.
func (s *Store) LogOperation(ctx context.Context, op *types.OperationRecord) error {
	ts := op.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	doc := *op
	doc.Timestamp = ts
	data, err := json.Marshal(doc)
	if err != nil {
		return wrapDBError("log operation", err)
	}
	if err := s.client.RPush(ctx, s.opLogKey(), data).Err(); err != nil {
		return wrapDBError("log operation", err)
	}
	return nil
}

// RecentOperations returns the newest operation log rows, newest first,
// optionally restricted to one author. The log is an append-only list, so
// the filter walks backward from the tail until limit rows match.
func (s *Store) RecentOperations(ctx context.Context, author string, limit int) ([]*types.OperationRecord, error) {
	if limit <= 0 {
		limit = types.DefaultRecent
	}
	span := int64(limit)
	if author != "" {
		span = int64(types.OperationLogKeep)
	}
	rows, err := s.client.LRange(ctx, s.opLogKey(), -span, -1).Result()
	if err != nil {
		return nil, wrapDBError("recent operations", err)
	}

	var ops []*types.OperationRecord
	for i := len(rows) - 1; i >= 0 && len(ops) < limit; i-- {
		var op types.OperationRecord
		if err := json.Unmarshal([]byte(rows[i]), &op); err != nil {
			return nil, wrapDBError("recent operations", err)
		}
		if author != "" && op.Author != author {
			continue
		}
		ops = append(ops, &op)
	}
	return ops, nil
}

// GetStatistics assembles the status snapshot from scalar counts. Expired
// messages and locks are excluded even before a sweep removes them.
func (s *Store) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	nowMS := msec(time.Now())

	pipe := s.client.Pipeline()
	notes := pipe.ZCard(ctx, s.notesKey())
	pinned := pipe.SCard(ctx, s.pinnedKey())
	edges := pipe.HLen(ctx, s.edgesKey())
	entities := pipe.SCard(ctx, s.entitiesKey())
	messages := pipe.ZCount(ctx, s.msgExpKey(), scoreAfter(nowMS), "+inf")
	locks := pipe.ZCount(ctx, s.lockExpKey(), scoreAfter(nowMS), "+inf")
	pending := pipe.ZCard(ctx, s.taskPendingKey())
	watches := pipe.ZCard(ctx, s.watchesKey())
	newest := pipe.ZRevRange(ctx, s.notesKey(), 0, 0)
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return nil, wrapDBError("get statistics", err)
	}

	stats := &types.Statistics{
		TotalNotes:    int(notes.Val()),
		PinnedNotes:   int(pinned.Val()),
		TotalEdges:    int(edges.Val()),
		TotalEntities: int(entities.Val()),
		TotalMessages: int(messages.Val()),
		ActiveLocks:   int(locks.Val()),
		PendingTasks:  int(pending.Val()),
		ActiveWatches: int(watches.Val()),
	}

	// Unread DMs have no dedicated index; derive the count from the
	// message docs the way readers do.
	all, err := s.allMessages(ctx)
	if err != nil {
		return nil, wrapDBError("get statistics", err)
	}
	now := time.Now()
	for _, msg := range all {
		if msg.Channel == types.DMChannel && msg.ReadAt == nil && !msg.Expired(now) {
			stats.UnreadMessages++
		}
	}

	if members := newest.Val(); len(members) > 0 {
		id, err := parseID(members[0])
		if err != nil {
			return nil, wrapDBError("get statistics", err)
		}
		if note, err := s.GetNote(ctx, id); err == nil {
			stats.LastWrite = note.Created
		}
	}
	return stats, nil
}

// SetMetadata stores an internal key/value pair, replacing any prior value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	if err := s.client.HSet(ctx, s.metaKey(), key, value).Err(); err != nil {
		return wrapDBErrorf(err, "set metadata %q", key)
	}
	return nil
}

// GetMetadata reads an internal key, returning storage.ErrNotFound when
// unset.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	value, err := s.client.HGet(ctx, s.metaKey(), key).Result()
	if err != nil {
		return "", wrapDBErrorf(err, "get metadata %q", key)
	}
	return value, nil
}

// Sweep removes rows past their useful life: expired messages, locks, and
// events (with their delivery rows), presence not seen within the
// retention window, watches idle past the inactivity cutoff, and operation
// log rows beyond the keep limit. Concerns sweep independently; an error
// leaves earlier concerns already swept.
func (s *Store) Sweep(ctx context.Context, now time.Time) (storage.SweepResult, error) {
	var result storage.SweepResult
	var err error

	if result.Messages, err = s.sweepMessages(ctx, now); err != nil {
		return storage.SweepResult{}, wrapDBError("sweep", err)
	}
	if result.Locks, err = s.sweepLocks(ctx, now); err != nil {
		return storage.SweepResult{}, wrapDBError("sweep", err)
	}
	if result.Events, err = s.sweepEvents(ctx, now); err != nil {
		return storage.SweepResult{}, wrapDBError("sweep", err)
	}
	if result.Presence, err = s.sweepPresence(ctx, now); err != nil {
		return storage.SweepResult{}, wrapDBError("sweep", err)
	}
	if result.Watches, err = s.sweepWatches(ctx, now); err != nil {
		return storage.SweepResult{}, wrapDBError("sweep", err)
	}
	if err := s.client.LTrim(ctx, s.opLogKey(), int64(-types.OperationLogKeep), -1).Err(); err != nil {
		return storage.SweepResult{}, wrapDBError("sweep", err)
	}
	return result, nil
}

func (s *Store) sweepMessages(ctx context.Context, now time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, s.msgExpKey(), &redis.ZRangeBy{
		Min: "-inf", Max: scoreStr(msec(now)),
	}).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}

	keys := make([]string, len(members))
	stale := make([]interface{}, len(members))
	for i, m := range members {
		id, err := parseID(m)
		if err != nil {
			return 0, err
		}
		keys[i] = s.msgKey(id)
		stale[i] = m
	}
	pipe := s.client.Pipeline()
	deleted := pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, s.msgsKey(), stale...)
	pipe.ZRem(ctx, s.msgExpKey(), stale...)
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return 0, err
	}
	return int(deleted.Val()), nil
}

func (s *Store) sweepLocks(ctx context.Context, now time.Time) (int, error) {
	resources, err := s.client.ZRangeByScore(ctx, s.lockExpKey(), &redis.ZRangeBy{
		Min: "-inf", Max: scoreStr(msec(now)),
	}).Result()
	if err != nil || len(resources) == 0 {
		return 0, err
	}

	count := 0
	for _, resource := range resources {
		swept, err := sweepLockScript.Run(ctx, s.client,
			[]string{s.lockKey(resource), s.lockExpKey()},
			msec(now), resource,
		).Int()
		if err != nil {
			return count, err
		}
		count += swept
	}
	return count, nil
}

func (s *Store) sweepEvents(ctx context.Context, now time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, s.eventExpKey(), &redis.ZRangeBy{
		Min: "-inf", Max: scoreStr(msec(now)),
	}).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}

	keys := make([]string, len(members))
	stale := make([]interface{}, len(members))
	for i, m := range members {
		id, err := parseID(m)
		if err != nil {
			return 0, err
		}
		keys[i] = s.eventKey(id)
		stale[i] = m
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}

	pipe := s.client.Pipeline()
	deleted := pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, s.eventsKey(), stale...)
	pipe.ZRem(ctx, s.eventExpKey(), stale...)
	for i, item := range raw {
		body, ok := item.(string)
		if !ok {
			continue
		}
		var doc eventDoc
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return 0, err
		}
		for _, aiID := range doc.Recipients {
			pipe.ZRem(ctx, s.eventPendingKey(aiID), stale[i])
		}
	}
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return 0, err
	}
	return int(deleted.Val()), nil
}

func (s *Store) sweepPresence(ctx context.Context, now time.Time) (int, error) {
	cutoff := msec(now.Add(-types.PresenceRetention))
	aiIDs, err := s.client.ZRangeByScore(ctx, s.presenceSeenKey(), &redis.ZRangeBy{
		Min: "-inf", Max: scoreStr(cutoff),
	}).Result()
	if err != nil || len(aiIDs) == 0 {
		return 0, err
	}

	keys := make([]string, len(aiIDs))
	stale := make([]interface{}, len(aiIDs))
	for i, aiID := range aiIDs {
		keys[i] = s.presenceKey(aiID)
		stale[i] = aiID
	}
	pipe := s.client.Pipeline()
	deleted := pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, s.presenceSeenKey(), stale...)
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return 0, err
	}
	return int(deleted.Val()), nil
}

func (s *Store) sweepWatches(ctx context.Context, now time.Time) (int, error) {
	cutoff := msec(now.Add(-types.WatchInactiveAfter))
	members, err := s.client.ZRangeByScore(ctx, s.watchesKey(), &redis.ZRangeBy{
		Min: "-inf", Max: scoreStr(cutoff),
	}).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}

	keys := make([]string, len(members))
	stale := make([]interface{}, len(members))
	for i, m := range members {
		id, err := parseID(m)
		if err != nil {
			return 0, err
		}
		keys[i] = s.watchKey(id)
		stale[i] = m
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}

	pipe := s.client.Pipeline()
	deleted := pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, s.watchesKey(), stale...)
	for _, item := range raw {
		body, ok := item.(string)
		if !ok {
			continue
		}
		var doc types.Watch
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return 0, err
		}
		pipe.HDel(ctx, s.watchIdxKey(doc.AIID), watchField(doc.ItemType, doc.ItemID))
	}
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return 0, err
	}
	return int(deleted.Val()), nil
}
