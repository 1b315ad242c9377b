package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func (s *Store) eventKey(id int64) string { return s.key("event", strconv.FormatInt(id, 10)) }
func (s *Store) eventsKey() string        { return s.key("events") }
func (s *Store) eventExpKey() string      { return s.key("eventexp") }

func (s *Store) eventPendingKey(aiID string) string { return s.key("eventpending", aiID) }

func (s *Store) watchKey(id int64) string       { return s.key("watch", strconv.FormatInt(id, 10)) }
func (s *Store) watchIdxKey(aiID string) string { return s.key("watchidx", aiID) }
func (s *Store) watchesKey() string             { return s.key("watches") }

func watchField(itemType types.ItemType, itemID string) string {
	return string(itemType) + "|" + itemID
}

// eventDoc is the persisted form of an event. Recipients records the
// fan-out list so the expiry sweep can clear per-AI pending queues
// without scanning them.
type eventDoc struct {
	types.Event
	Recipients []string `json:"recipients,omitempty"`
}

func marshalEvent(e *types.Event, recipients []string) ([]byte, error) {
	doc := eventDoc{Event: *e, Recipients: recipients}
	doc.Teambook = ""
	return json.Marshal(doc)
}

func marshalWatch(w *types.Watch) ([]byte, error) {
	doc := *w
	doc.Teambook = ""
	return json.Marshal(doc)
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

	seen := make(map[string]struct{}, len(recipients))
	fanout := make([]string, 0, len(recipients))
	for _, aiID := range recipients {
		if _, dup := seen[aiID]; dup {
			continue
		}
		seen[aiID] = struct{}{}
		fanout = append(fanout, aiID)
	}

	id, err := s.nextID(ctx, "events")
	if err != nil {
		return 0, err
	}
	data, err := marshalEvent(e, fanout)
	if err != nil {
		return 0, wrapDBError("encode event", err)
	}

	member := padID(id)
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.eventKey(id), data, 0)
	pipe.ZAdd(ctx, s.eventsKey(), redis.Z{Score: float64(msec(e.CreatedAt)), Member: member})
	pipe.ZAdd(ctx, s.eventExpKey(), redis.Z{Score: float64(msec(e.ExpiresAt)), Member: member})
	for _, aiID := range fanout {
		pipe.ZAdd(ctx, s.eventPendingKey(aiID), redis.Z{Score: float64(msec(e.CreatedAt)), Member: member})
	}
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return 0, wrapDBError("record event", err)
	}
	e.ID = id
	return id, nil
}

// PendingEvents returns unseen, unexpired events addressed to an AI,
// oldest first. A non-zero since drops older events from the result
// without consuming them, so a narrow pull never loses events it did
// not return. Events stay pending until MarkEventsSeen.
func (s *Store) PendingEvents(ctx context.Context, aiID string, since time.Time, limit int) ([]*types.Event, error) {
	members, err := s.client.ZRange(ctx, s.eventPendingKey(aiID), 0, -1).Result()
	if err != nil {
		return nil, wrapDBError("pending events", err)
	}
	events, stale, err := s.loadEvents(ctx, members)
	if err != nil {
		return nil, wrapDBError("pending events", err)
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.eventPendingKey(aiID), stale...).Err(); err != nil {
			return nil, wrapDBError("prune pending events", err)
		}
	}

	now := time.Now()
	kept := events[:0]
	for _, e := range events {
		if !e.ExpiresAt.After(now) {
			continue
		}
		if !since.IsZero() && !e.CreatedAt.After(since) {
			continue
		}
		kept = append(kept, e)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if !kept[i].CreatedAt.Equal(kept[j].CreatedAt) {
			return kept[i].CreatedAt.Before(kept[j].CreatedAt)
		}
		return kept[i].ID < kept[j].ID
	})
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept, nil
}

// MarkEventsSeen flips delivery rows to seen. An empty id list marks
// everything pending for the AI.
func (s *Store) MarkEventsSeen(ctx context.Context, aiID string, eventIDs []int64) error {
	if len(eventIDs) == 0 {
		if err := s.client.Del(ctx, s.eventPendingKey(aiID)).Err(); err != nil {
			return wrapDBError("mark events seen", err)
		}
		return nil
	}
	members := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		members[i] = padID(id)
	}
	if err := s.client.ZRem(ctx, s.eventPendingKey(aiID), members...).Err(); err != nil {
		return wrapDBError("mark events seen", err)
	}
	return nil
}

// QueryEvents returns unexpired events matching the filter, newest first.
func (s *Store) QueryEvents(ctx context.Context, filter types.EventFilter) ([]*types.Event, error) {
	members, err := s.client.ZRevRange(ctx, s.eventsKey(), 0, -1).Result()
	if err != nil {
		return nil, wrapDBError("query events", err)
	}
	events, stale, err := s.loadEvents(ctx, members)
	if err != nil {
		return nil, wrapDBError("query events", err)
	}
	if len(stale) > 0 {
		pipe := s.client.Pipeline()
		pipe.ZRem(ctx, s.eventsKey(), stale...)
		pipe.ZRem(ctx, s.eventExpKey(), stale...)
		if err := pipeExec(pipe.Exec(ctx)); err != nil {
			return nil, wrapDBError("prune events", err)
		}
	}

	now := time.Now()
	var matched []*types.Event
	for _, e := range events {
		if !e.ExpiresAt.After(now) {
			continue
		}
		if filter.ItemType != "" && e.ItemType != filter.ItemType {
			continue
		}
		if filter.ItemID != "" && e.ItemID != filter.ItemID {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		if filter.Since != nil && !e.CreatedAt.After(*filter.Since) {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// loadEvents fetches event docs for zset members, separating members
// whose doc has been swept so callers can prune their index.
func (s *Store) loadEvents(ctx context.Context, members []string) ([]*types.Event, []interface{}, error) {
	if len(members) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		id, err := parseID(m)
		if err != nil {
			return nil, nil, err
		}
		keys[i] = s.eventKey(id)
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, err
	}

	events := make([]*types.Event, 0, len(members))
	var stale []interface{}
	for i, item := range raw {
		body, ok := item.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		var doc eventDoc
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, nil, err
		}
		e := doc.Event
		e.Teambook = s.teambook
		events = append(events, &e)
	}
	return events, stale, nil
}

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

	field := watchField(w.ItemType, w.ItemID)
	var id int64
	err := s.withTx(ctx, func(tx *redis.Tx) error {
		existing, err := tx.HGet(ctx, s.watchIdxKey(w.AIID), field).Result()
		switch {
		case err == nil:
			// Refresh in place, keeping the original id and creation time.
			if id, err = strconv.ParseInt(existing, 10, 64); err != nil {
				return wrapDBError("check watch", err)
			}
			body, err := tx.Get(ctx, s.watchKey(id)).Result()
			if err != nil {
				return wrapDBError("check watch", err)
			}
			var doc types.Watch
			if err := json.Unmarshal([]byte(body), &doc); err != nil {
				return wrapDBError("check watch", err)
			}
			doc.EventTypes = w.EventTypes
			doc.LastActivity = w.LastActivity
			data, err := marshalWatch(&doc)
			if err != nil {
				return wrapDBError("encode watch", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.watchKey(id), data, 0)
				pipe.ZAdd(ctx, s.watchesKey(), redis.Z{Score: float64(msec(doc.LastActivity)), Member: padID(id)})
				return nil
			})
			return err
		case errors.Is(err, redis.Nil):
			count, err := tx.HLen(ctx, s.watchIdxKey(w.AIID)).Result()
			if err != nil {
				return wrapDBError("count watches", err)
			}
			if count >= int64(types.MaxWatchesPerAI) {
				return fmt.Errorf("watch limit reached (%d): %w",
					types.MaxWatchesPerAI, storage.ErrLimitExceeded)
			}
			if id, err = s.nextID(ctx, "watches"); err != nil {
				return err
			}
			doc := *w
			doc.ID = id
			data, err := marshalWatch(&doc)
			if err != nil {
				return wrapDBError("encode watch", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.watchKey(id), data, 0)
				pipe.HSet(ctx, s.watchIdxKey(w.AIID), field, id)
				pipe.ZAdd(ctx, s.watchesKey(), redis.Z{Score: float64(msec(w.LastActivity)), Member: padID(id)})
				return nil
			})
			return err
		default:
			return wrapDBError("check watch", err)
		}
	}, s.watchIdxKey(w.AIID))
	if err != nil {
		return 0, err
	}
	w.ID = id
	return id, nil
}

// DeleteWatch removes a watch owned by the given AI.
func (s *Store) DeleteWatch(ctx context.Context, aiID string, id int64) error {
	body, err := s.client.Get(ctx, s.watchKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("watch %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBErrorf(err, "delete watch %d", id)
	}
	var doc types.Watch
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return wrapDBErrorf(err, "delete watch %d", id)
	}
	if doc.AIID != aiID {
		return fmt.Errorf("watch %d: %w", id, storage.ErrNotFound)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.watchKey(id))
	pipe.HDel(ctx, s.watchIdxKey(doc.AIID), watchField(doc.ItemType, doc.ItemID))
	pipe.ZRem(ctx, s.watchesKey(), padID(id))
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return wrapDBError("delete watch", err)
	}
	return nil
}

// ListWatches returns all watches registered by an AI, oldest first.
func (s *Store) ListWatches(ctx context.Context, aiID string) ([]*types.Watch, error) {
	watches, _, err := s.watchesByAI(ctx, aiID)
	if err != nil {
		return nil, wrapDBError("list watches", err)
	}
	sort.SliceStable(watches, func(i, j int) bool {
		if !watches[i].CreatedAt.Equal(watches[j].CreatedAt) {
			return watches[i].CreatedAt.Before(watches[j].CreatedAt)
		}
		return watches[i].ID < watches[j].ID
	})
	return watches, nil
}

// AllWatches returns every watch in the teambook, oldest first. Event
// emission matches events against this list to compute delivery fan-out.
func (s *Store) AllWatches(ctx context.Context) ([]*types.Watch, error) {
	members, err := s.client.ZRange(ctx, s.watchesKey(), 0, -1).Result()
	if err != nil {
		return nil, wrapDBError("all watches", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		id, err := parseID(m)
		if err != nil {
			return nil, wrapDBError("all watches", err)
		}
		keys[i] = s.watchKey(id)
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapDBError("all watches", err)
	}

	var watches []*types.Watch
	var stale []interface{}
	for i, item := range raw {
		body, ok := item.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		var doc types.Watch
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, wrapDBError("all watches", err)
		}
		doc.Teambook = s.teambook
		watches = append(watches, &doc)
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, s.watchesKey(), stale...).Err(); err != nil {
			return nil, wrapDBError("prune watches", err)
		}
	}
	sort.SliceStable(watches, func(i, j int) bool {
		if !watches[i].CreatedAt.Equal(watches[j].CreatedAt) {
			return watches[i].CreatedAt.Before(watches[j].CreatedAt)
		}
		return watches[i].ID < watches[j].ID
	})
	return watches, nil
}

// TouchWatches bumps last_activity on every watch an AI owns, keeping
// them clear of the inactivity sweep.
func (s *Store) TouchWatches(ctx context.Context, aiID string, at time.Time) error {
	watches, _, err := s.watchesByAI(ctx, aiID)
	if err != nil {
		return wrapDBError("touch watches", err)
	}
	if len(watches) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for _, w := range watches {
		w.LastActivity = at
		data, err := marshalWatch(w)
		if err != nil {
			return wrapDBError("touch watches", err)
		}
		// XX keeps a concurrent sweep from resurrecting a deleted doc.
		pipe.SetXX(ctx, s.watchKey(w.ID), data, 0)
		pipe.ZAdd(ctx, s.watchesKey(), redis.Z{Score: float64(msec(at)), Member: padID(w.ID)})
	}
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return wrapDBError("touch watches", err)
	}
	return nil
}

// watchesByAI loads an AI's watches through its index hash, self-cleaning
// fields whose doc has been swept.
func (s *Store) watchesByAI(ctx context.Context, aiID string) ([]*types.Watch, []string, error) {
	fields, err := s.client.HGetAll(ctx, s.watchIdxKey(aiID)).Result()
	if err != nil {
		return nil, nil, err
	}
	if len(fields) == 0 {
		return nil, nil, nil
	}

	type entry struct {
		field string
		id    int64
	}
	entries := make([]entry, 0, len(fields))
	keys := make([]string, 0, len(fields))
	for field, raw := range fields {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, entry{field: field, id: id})
		keys = append(keys, s.watchKey(id))
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, err
	}

	var watches []*types.Watch
	var stale []string
	for i, item := range raw {
		body, ok := item.(string)
		if !ok {
			stale = append(stale, entries[i].field)
			continue
		}
		var doc types.Watch
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, nil, err
		}
		doc.Teambook = s.teambook
		watches = append(watches, &doc)
	}
	if len(stale) > 0 {
		if err := s.client.HDel(ctx, s.watchIdxKey(aiID), stale...).Err(); err != nil {
			return nil, nil, err
		}
	}
	return watches, stale, nil
}
