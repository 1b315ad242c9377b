package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func (s *Store) edgesKey() string    { return s.key("edges") }
func (s *Store) entitiesKey() string { return s.key("entities") }
func (s *Store) entityKey(name string) string {
	return s.key("entity", name)
}
func (s *Store) entityNotesKey(entityID int64) string {
	return s.key("entnotes", strconv.FormatInt(entityID, 10))
}
func (s *Store) noteEntitiesKey(noteID int64) string {
	return s.key("noteents", strconv.FormatInt(noteID, 10))
}
func (s *Store) factKey(id int64) string        { return s.key("fact", strconv.FormatInt(id, 10)) }
func (s *Store) factsKey(subject string) string { return s.key("facts", subject) }
func (s *Store) sessionKey(id int64) string     { return s.key("session", strconv.FormatInt(id, 10)) }
func (s *Store) sessionsKey() string            { return s.key("sessions") }

// edgeField names an edge inside the edges hash. The (from, to, type)
// triple is the uniqueness key, so duplicate inserts collapse.
func edgeField(fromID, toID int64, edgeType types.EdgeType) string {
	return fmt.Sprintf("%d|%d|%s", fromID, toID, edgeType)
}

// AddEdges inserts graph edges, ignoring duplicates.
func (s *Store) AddEdges(ctx context.Context, edges []*types.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	now := time.Now()
	pipe := s.client.Pipeline()
	for _, e := range edges {
		stored := *e
		if stored.Created.IsZero() {
			stored.Created = now
		}
		if stored.ValidFrom.IsZero() {
			stored.ValidFrom = stored.Created
		}
		stored.Created = utc(stored.Created)
		stored.ValidFrom = utc(stored.ValidFrom)
		raw, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("encode edge: %w", err)
		}
		pipe.HSetNX(ctx, s.edgesKey(), edgeField(e.FromID, e.ToID, e.Type), raw)
	}
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return wrapDBError("insert edge", err)
	}
	return nil
}

// GetEdges returns edges leaving a note, or entering it when reverse is set.
func (s *Store) GetEdges(ctx context.Context, noteID int64, reverse bool) ([]*types.Edge, error) {
	all, err := s.AllEdges(ctx)
	if err != nil {
		return nil, wrapDBError("get edges", err)
	}
	var edges []*types.Edge
	for _, e := range all {
		if (!reverse && e.FromID == noteID) || (reverse && e.ToID == noteID) {
			edges = append(edges, e)
		}
	}
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].Created.After(edges[j].Created)
	})
	return edges, nil
}

// AllEdges returns the whole adjacency set for rank computation.
func (s *Store) AllEdges(ctx context.Context) ([]*types.Edge, error) {
	raws, err := s.client.HVals(ctx, s.edgesKey()).Result()
	if err != nil {
		return nil, wrapDBError("all edges", err)
	}
	edges := make([]*types.Edge, 0, len(raws))
	for _, raw := range raws {
		var e types.Edge
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode edge: %w", err)
		}
		edges = append(edges, &e)
	}
	return edges, nil
}

// deleteNoteEdges drops every edge touching the note.
func (s *Store) deleteNoteEdges(ctx context.Context, noteID int64) error {
	fields, err := s.client.HKeys(ctx, s.edgesKey()).Result()
	if err != nil {
		return err
	}
	var doomed []string
	for _, field := range fields {
		parts := strings.SplitN(field, "|", 3)
		if len(parts) != 3 {
			continue
		}
		from, _ := strconv.ParseInt(parts[0], 10, 64)
		to, _ := strconv.ParseInt(parts[1], 10, 64)
		if from == noteID || to == noteID {
			doomed = append(doomed, field)
		}
	}
	if len(doomed) == 0 {
		return nil
	}
	return s.client.HDel(ctx, s.edgesKey(), doomed...).Err()
}

// NoteIDs returns every note id in the store.
func (s *Store) NoteIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.noteIndexIDs(ctx)
	if err != nil {
		return nil, wrapDBError("note ids", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SetPageRanks stores computed rank scores in bulk. Ranks live in a
// dedicated hash, so this never rewrites note documents.
func (s *Store) SetPageRanks(ctx context.Context, ranks map[int64]float64) error {
	if len(ranks) == 0 {
		return nil
	}
	pairs := make([]interface{}, 0, len(ranks)*2)
	for id, rank := range ranks {
		pairs = append(pairs, strconv.FormatInt(id, 10), rank)
	}
	if err := s.client.HSet(ctx, s.ranksKey(), pairs...).Err(); err != nil {
		return wrapDBError("update rank", err)
	}
	return nil
}

// UpsertEntity records an entity mention, bumping last_seen and the
// mention count on conflict. An explicit type (e.g. "tool") wins over the
// default "mention".
func (s *Store) UpsertEntity(ctx context.Context, entity *types.Entity) (int64, error) {
	now := time.Now()
	firstSeen := entity.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = now
	}
	lastSeen := entity.LastSeen
	if lastSeen.IsZero() {
		lastSeen = now
	}

	key := s.entityKey(entity.Name)
	var id int64
	err := s.withTx(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		typ := entity.Type
		first := firstSeen
		count := 1
		if len(vals) > 0 {
			id, err = parseID(vals["id"])
			if err != nil {
				return err
			}
			if first, err = parseRFC(vals["first_seen"]); err != nil {
				return err
			}
			prev, _ := strconv.Atoi(vals["mention_count"])
			count = prev + 1
			if entity.Type == "mention" {
				typ = vals["type"]
			}
		} else {
			if id, err = s.nextID(ctx, "entities"); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"id", id,
				"name", entity.Name,
				"type", typ,
				"first_seen", rfc(first),
				"last_seen", rfc(lastSeen),
				"mention_count", count,
			)
			pipe.SAdd(ctx, s.entitiesKey(), entity.Name)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return 0, wrapDBErrorf(err, "upsert entity %q", entity.Name)
	}
	entity.ID = id
	return id, nil
}

// LinkEntity associates an entity with a note, idempotently.
func (s *Store) LinkEntity(ctx context.Context, entityID, noteID int64) error {
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.entityNotesKey(entityID), redis.Z{Score: float64(noteID), Member: padID(noteID)})
	pipe.SAdd(ctx, s.noteEntitiesKey(noteID), strconv.FormatInt(entityID, 10))
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return wrapDBError("link entity", err)
	}
	return nil
}

// unlinkNoteEntities removes every entity link pointing at the note.
func (s *Store) unlinkNoteEntities(ctx context.Context, noteID int64) error {
	entityIDs, err := s.client.SMembers(ctx, s.noteEntitiesKey(noteID)).Result()
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	for _, raw := range entityIDs {
		entityID, err := parseID(raw)
		if err != nil {
			continue
		}
		pipe.ZRem(ctx, s.entityNotesKey(entityID), padID(noteID))
	}
	pipe.Del(ctx, s.noteEntitiesKey(noteID))
	return pipeExec(pipe.Exec(ctx))
}

// EntityNotes returns note ids mentioning the named entity, newest first.
func (s *Store) EntityNotes(ctx context.Context, name string) ([]int64, error) {
	idStr, err := s.client.HGet(ctx, s.entityKey(name), "id").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("entity notes", err)
	}
	entityID, err := parseID(idStr)
	if err != nil {
		return nil, wrapDBError("entity notes", err)
	}

	members, err := s.client.ZRevRange(ctx, s.entityNotesKey(entityID), 0, -1).Result()
	if err != nil {
		return nil, wrapDBError("entity notes", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := parseID(m)
		if err != nil {
			return nil, wrapDBError("entity notes", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// UpsertFact records a temporal fact. With invalidate, all open facts for
// the same (subject, relation) are closed at the new fact's valid_from;
// otherwise only an identical open fact (same object) is superseded, so
// facts for different objects coexist.
func (s *Store) UpsertFact(ctx context.Context, fact *types.EntityFact, invalidate bool) error {
	validFrom := fact.ValidFrom
	if validFrom.IsZero() {
		validFrom = time.Now()
	}
	validFrom = utc(validFrom)

	indexKey := s.factsKey(fact.Subject)
	err := s.withTx(ctx, func(tx *redis.Tx) error {
		facts, err := s.loadFacts(ctx, tx, fact.Subject)
		if err != nil {
			return err
		}

		id, err := s.nextID(ctx, "facts")
		if err != nil {
			return err
		}
		stored := *fact
		stored.ID = id
		stored.ValidFrom = validFrom
		if stored.SourceNoteID <= 0 {
			stored.SourceNoteID = 0
		}
		raw, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("encode fact: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, f := range facts {
				if f.ValidTo != nil || f.Relation != fact.Relation {
					continue
				}
				if !invalidate && f.Object != fact.Object {
					continue
				}
				closed := *f
				closedAt := validFrom
				closed.ValidTo = &closedAt
				closedRaw, err := json.Marshal(&closed)
				if err != nil {
					return fmt.Errorf("encode fact: %w", err)
				}
				pipe.Set(ctx, s.factKey(f.ID), closedRaw, 0)
			}
			pipe.Set(ctx, s.factKey(id), raw, 0)
			pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(id), Member: padID(id)})
			return nil
		})
		if err != nil {
			return err
		}
		fact.ID = id
		fact.ValidFrom = validFrom
		return nil
	}, indexKey)
	if err != nil {
		return wrapDBError("insert fact", err)
	}
	return nil
}

// loadFacts fetches every fact recorded for a subject.
func (s *Store) loadFacts(ctx context.Context, c redis.Cmdable, subject string) ([]*types.EntityFact, error) {
	members, err := c.ZRange(ctx, s.factsKey(subject), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		id, err := parseID(m)
		if err != nil {
			return nil, err
		}
		keys[i] = s.factKey(id)
	}
	raws, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	facts := make([]*types.EntityFact, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var f types.EntityFact
		if err := json.Unmarshal([]byte(str), &f); err != nil {
			return nil, fmt.Errorf("decode fact: %w", err)
		}
		facts = append(facts, &f)
	}
	return facts, nil
}

// GetFacts returns facts about a subject, newest first. With activeOnly,
// only open facts (valid_to IS NULL) are returned.
func (s *Store) GetFacts(ctx context.Context, subject string, activeOnly bool) ([]*types.EntityFact, error) {
	all, err := s.loadFacts(ctx, s.client, subject)
	if err != nil {
		return nil, wrapDBError("get facts", err)
	}
	var facts []*types.EntityFact
	for _, f := range all {
		if activeOnly && f.ValidTo != nil {
			continue
		}
		facts = append(facts, f)
	}
	sort.SliceStable(facts, func(i, j int) bool {
		a, b := facts[i], facts[j]
		if !a.ValidFrom.Equal(b.ValidFrom) {
			return a.ValidFrom.After(b.ValidFrom)
		}
		return a.ID > b.ID
	})
	return facts, nil
}

// SearchFacts finds open facts whose object or relation contains term,
// most confident first. The recall path merges these with graph
// traversal candidates.
func (s *Store) SearchFacts(ctx context.Context, term string, limit int) ([]*types.EntityFact, error) {
	if limit <= 0 {
		limit = 20
	}
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key("fact")+":*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapDBError("search facts", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapDBError("search facts", err)
	}
	needle := strings.ToLower(term)
	var facts []*types.EntityFact
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var f types.EntityFact
		if err := json.Unmarshal([]byte(str), &f); err != nil {
			return nil, wrapDBError("search facts", err)
		}
		if f.ValidTo != nil {
			continue
		}
		if !strings.Contains(strings.ToLower(f.Object), needle) &&
			!strings.Contains(strings.ToLower(f.Relation), needle) {
			continue
		}
		facts = append(facts, &f)
	}
	sort.SliceStable(facts, func(i, j int) bool {
		a, b := facts[i], facts[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.ValidFrom.Equal(b.ValidFrom) {
			return a.ValidFrom.After(b.ValidFrom)
		}
		return a.ID > b.ID
	})
	if len(facts) > limit {
		facts = facts[:limit]
	}
	return facts, nil
}

// LatestSession returns the most recent session, or storage.ErrNotFound
// when no session exists yet.
func (s *Store) LatestSession(ctx context.Context) (*types.Session, error) {
	members, err := s.client.ZRevRange(ctx, s.sessionsKey(), 0, 0).Result()
	if err != nil {
		return nil, wrapDBError("latest session", err)
	}
	if len(members) == 0 {
		return nil, wrapDBError("latest session", redis.Nil)
	}
	id, err := parseID(members[0])
	if err != nil {
		return nil, wrapDBError("latest session", err)
	}
	return s.sessionByID(ctx, id)
}

func (s *Store) sessionByID(ctx context.Context, id int64) (*types.Session, error) {
	vals, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, wrapDBError("latest session", err)
	}
	if len(vals) == 0 {
		return nil, wrapDBError("latest session", redis.Nil)
	}
	sess := &types.Session{ID: id}
	if sess.Started, err = parseRFC(vals["started"]); err != nil {
		return nil, err
	}
	if sess.Ended, err = parseRFC(vals["ended"]); err != nil {
		return nil, err
	}
	sess.NoteCount, _ = strconv.Atoi(vals["note_count"])
	return sess, nil
}

// CreateSession opens a new session window.
func (s *Store) CreateSession(ctx context.Context, startedAt time.Time) (int64, error) {
	id, err := s.nextID(ctx, "sessions")
	if err != nil {
		return 0, wrapDBError("create session", err)
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.sessionKey(id),
		"started", rfc(utc(startedAt)),
		"ended", rfc(utc(startedAt)),
		"note_count", 1,
	)
	pipe.ZAdd(ctx, s.sessionsKey(), redis.Z{Score: float64(id), Member: padID(id)})
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return 0, wrapDBError("create session", err)
	}
	return id, nil
}

// TouchSession extends a session window and bumps its note count.
func (s *Store) TouchSession(ctx context.Context, id int64, at time.Time) error {
	err := s.client.HGet(ctx, s.sessionKey(id), "started").Err()
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return wrapDBErrorf(err, "touch session %d", id)
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.sessionKey(id), "ended", rfc(utc(at)))
	pipe.HIncrBy(ctx, s.sessionKey(id), "note_count", 1)
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return wrapDBError("touch session", err)
	}
	return nil
}

// SessionNotes returns the note ids written during a session.
func (s *Store) SessionNotes(ctx context.Context, id int64) ([]int64, error) {
	candidates, err := s.noteIndexIDs(ctx)
	if err != nil {
		return nil, wrapDBError("session notes", err)
	}
	byID, _, err := s.loadNotes(ctx, candidates)
	if err != nil {
		return nil, wrapDBError("session notes", err)
	}
	var ids []int64
	for _, n := range byID {
		if n.SessionID != nil && *n.SessionID == id {
			ids = append(ids, n.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
