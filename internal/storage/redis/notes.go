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

	"github.com/steveyegge/teambook/internal/codec"
	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func (s *Store) noteKey(id int64) string { return s.key("note", strconv.FormatInt(id, 10)) }
func (s *Store) notesKey() string        { return s.key("notes") }
func (s *Store) pinnedKey() string       { return s.key("pinned") }
func (s *Store) ranksKey() string        { return s.key("ranks") }

// noteDoc is the stored form of a note. The outer tamper hash field
// persists what the type itself hides from JSON; the teambook is
// implied by the key namespace and stamped back on read. Content and
// summary are stored compressed unless the note's policy is verbatim;
// the tamper hash always covers the plaintext, so hashes stay
// comparable across backends.
type noteDoc struct {
	types.Note
	TamperHash string `json:"tamper_hash,omitempty"`
}

func marshalNote(n *types.Note) (string, error) {
	doc := noteDoc{Note: *n, TamperHash: n.TamperHash}
	doc.Teambook = ""
	if doc.RepresentationPolicy.Compress() {
		doc.Content = codec.Encode(doc.Content)
		doc.Summary = codec.Encode(doc.Summary)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode note: %w", err)
	}
	return string(b), nil
}

func unmarshalNote(raw string) (*types.Note, error) {
	var doc noteDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode note: %w", err)
	}
	n := doc.Note
	n.Content = codec.Decode(n.Content)
	n.Summary = codec.Decode(n.Summary)
	n.TamperHash = doc.TamperHash
	return &n, nil
}

// WriteNote inserts a note and returns its assigned id.
func (s *Store) WriteNote(ctx context.Context, note *types.Note) (int64, error) {
	created := note.Created
	if created.IsZero() {
		created = time.Now()
	}

	id, err := s.nextID(ctx, "notes")
	if err != nil {
		return 0, wrapDBError("insert note", err)
	}

	stored := *note
	stored.ID = id
	stored.Created = utc(created)
	stored.RepresentationPolicy = note.RepresentationPolicy.OrDefault()
	raw, err := marshalNote(&stored)
	if err != nil {
		return 0, err
	}

	field := strconv.FormatInt(id, 10)
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.noteKey(id), raw, 0)
	pipe.ZAdd(ctx, s.notesKey(), redis.Z{Score: float64(msec(created)), Member: padID(id)})
	pipe.HSet(ctx, s.ranksKey(), field, note.PageRank)
	if note.Pinned {
		pipe.SAdd(ctx, s.pinnedKey(), field)
	}
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return 0, wrapDBError("insert note", err)
	}

	note.ID = id
	note.Created = created
	return id, nil
}

// GetNote fetches a single note by id.
func (s *Store) GetNote(ctx context.Context, id int64) (*types.Note, error) {
	raw, err := s.client.Get(ctx, s.noteKey(id)).Result()
	if err != nil {
		return nil, wrapDBErrorf(err, "get note %d", id)
	}
	n, err := unmarshalNote(raw)
	if err != nil {
		return nil, err
	}
	n.Teambook = s.teambook
	if err := s.stampRanks(ctx, []*types.Note{n}); err != nil {
		return nil, err
	}
	return n, nil
}

// GetNotes fetches multiple notes by id, skipping missing ones. Results
// follow input order.
func (s *Store) GetNotes(ctx context.Context, ids []int64) ([]*types.Note, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byID, _, err := s.loadNotes(ctx, ids)
	if err != nil {
		return nil, wrapDBError("get notes", err)
	}
	out := make([]*types.Note, 0, len(byID))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// loadNotes bulk-fetches note documents and stamps teambook and
// pagerank. Returns the notes by id plus any ids with no document.
func (s *Store) loadNotes(ctx context.Context, ids []int64) (map[int64]*types.Note, []int64, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.noteKey(id)
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[int64]*types.Note, len(ids))
	var missing []int64
	all := make([]*types.Note, 0, len(ids))
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		n, err := unmarshalNote(str)
		if err != nil {
			return nil, nil, err
		}
		n.Teambook = s.teambook
		byID[n.ID] = n
		all = append(all, n)
	}
	if err := s.stampRanks(ctx, all); err != nil {
		return nil, nil, err
	}
	return byID, missing, nil
}

// stampRanks overlays the authoritative pagerank hash onto loaded
// notes. Ranks live outside the documents so bulk rank updates never
// race concurrent note edits.
func (s *Store) stampRanks(ctx context.Context, notes []*types.Note) error {
	if len(notes) == 0 {
		return nil
	}
	fields := make([]string, len(notes))
	for i, n := range notes {
		fields[i] = strconv.FormatInt(n.ID, 10)
	}
	vals, err := s.client.HMGet(ctx, s.ranksKey(), fields...).Result()
	if err != nil {
		return fmt.Errorf("load pageranks: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		rank, err := strconv.ParseFloat(str, 64)
		if err != nil {
			continue
		}
		notes[i].PageRank = rank
	}
	return nil
}

// noteIndexIDs returns every note id in the index, pruning entries
// whose document has vanished.
func (s *Store) noteIndexIDs(ctx context.Context) ([]int64, error) {
	members, err := s.client.ZRange(ctx, s.notesKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := parseID(m)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReadNotes returns notes matching the filter. Default ordering is newest
// first; ReadImportant orders by pagerank. Hybrid blending is done by the
// caller from two reads.
func (s *Store) ReadNotes(ctx context.Context, filter types.NoteFilter) ([]*types.Note, error) {
	candidates := filter.IDs
	if len(candidates) == 0 {
		var err error
		candidates, err = s.noteIndexIDs(ctx)
		if err != nil {
			return nil, wrapDBError("read notes", err)
		}
	}
	byID, missing, err := s.loadNotes(ctx, candidates)
	if err != nil {
		return nil, wrapDBError("read notes", err)
	}
	if len(filter.IDs) == 0 && len(missing) > 0 {
		s.pruneNoteIndex(ctx, missing)
	}

	var notes []*types.Note
	for _, id := range candidates {
		n, ok := byID[id]
		if ok && matchesNoteFilter(n, filter) {
			notes = append(notes, n)
		}
	}

	important := filter.Mode == types.ModeImportant
	sort.SliceStable(notes, func(i, j int) bool {
		a, b := notes[i], notes[j]
		if important && a.Pinned != b.Pinned {
			return a.Pinned
		}
		if important && a.PageRank != b.PageRank {
			return a.PageRank > b.PageRank
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.After(b.Created)
		}
		return a.ID > b.ID
	})
	if filter.Limit > 0 && len(notes) > filter.Limit {
		notes = notes[:filter.Limit]
	}
	return notes, nil
}

func matchesNoteFilter(n *types.Note, filter types.NoteFilter) bool {
	if filter.Query != "" && !noteMatchesQuery(n, filter.Query) {
		return false
	}
	if filter.Tag != "" && !containsString(n.Tags, filter.Tag) {
		return false
	}
	if filter.Owner != nil && n.Owner != *filter.Owner {
		return false
	}
	if filter.Type != "" && n.Type != filter.Type {
		return false
	}
	if filter.PinnedOnly && !n.Pinned {
		return false
	}
	if filter.After != nil && !n.Created.After(*filter.After) {
		return false
	}
	if filter.Before != nil && !n.Created.Before(*filter.Before) {
		return false
	}
	return true
}

// noteMatchesQuery does a case-insensitive substring match over the
// searchable fields, mirroring the SQL backends' LIKE/ILIKE semantics.
func noteMatchesQuery(n *types.Note, query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(n.Content), q) {
		return true
	}
	if strings.Contains(strings.ToLower(n.Summary), q) {
		return true
	}
	for _, tag := range n.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// pruneNoteIndex drops index entries whose documents are gone.
// Best effort; the next read retries whatever this one misses.
func (s *Store) pruneNoteIndex(ctx context.Context, ids []int64) {
	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, s.notesKey(), padID(id))
		pipe.SRem(ctx, s.pinnedKey(), strconv.FormatInt(id, 10))
		pipe.HDel(ctx, s.ranksKey(), strconv.FormatInt(id, 10))
	}
	pipe.Exec(ctx)
}

// notePatch is a validated UpdateNote change set, parsed before the
// transaction so bad input fails without touching the server.
type notePatch struct {
	apply   []func(n *types.Note)
	rank    *float64
	pinned  *bool
	touched bool
}

func parseNotePatch(updates map[string]interface{}) (*notePatch, error) {
	p := &notePatch{}
	for key, value := range updates {
		switch key {
		case "content":
			v := toString(value)
			p.apply = append(p.apply, func(n *types.Note) { n.Content = v })
		case "summary":
			v := toString(value)
			p.apply = append(p.apply, func(n *types.Note) { n.Summary = v })
		case "owner":
			v := toString(value)
			p.apply = append(p.apply, func(n *types.Note) { n.Owner = v })
		case "author":
			v := toString(value)
			p.apply = append(p.apply, func(n *types.Note) { n.Author = v })
		case "type":
			v := types.NoteType(fmt.Sprintf("%v", value))
			p.apply = append(p.apply, func(n *types.Note) { n.Type = v })
		case "representation_policy":
			v := types.Policy(fmt.Sprintf("%v", value))
			p.apply = append(p.apply, func(n *types.Note) { n.RepresentationPolicy = v })
		case "pinned":
			v, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("field %s requires a boolean", key)
			}
			p.pinned = &v
			p.apply = append(p.apply, func(n *types.Note) { n.Pinned = v })
		case "has_vector":
			v, ok := value.(bool)
			if !ok {
				return nil, fmt.Errorf("field %s requires a boolean", key)
			}
			p.apply = append(p.apply, func(n *types.Note) { n.HasVector = v })
		case "tags":
			list, ok := value.([]string)
			if !ok {
				return nil, fmt.Errorf("field %s requires a string list", key)
			}
			p.apply = append(p.apply, func(n *types.Note) { n.Tags = list })
		case "linked_items":
			list, ok := value.([]string)
			if !ok {
				return nil, fmt.Errorf("field %s requires a string list", key)
			}
			p.apply = append(p.apply, func(n *types.Note) { n.LinkedItems = list })
		case "metadata":
			normalized, err := storage.NormalizeMetadataValue(value)
			if err != nil {
				return nil, fmt.Errorf("invalid metadata: %w", err)
			}
			p.apply = append(p.apply, func(n *types.Note) { n.Metadata = normalized })
		case "parent_id":
			id, err := toNullableID(key, value)
			if err != nil {
				return nil, err
			}
			p.apply = append(p.apply, func(n *types.Note) { n.ParentID = id })
		case "session_id":
			id, err := toNullableID(key, value)
			if err != nil {
				return nil, err
			}
			p.apply = append(p.apply, func(n *types.Note) { n.SessionID = id })
		case "pagerank":
			v, err := toFloat(key, value)
			if err != nil {
				return nil, err
			}
			p.rank = &v
			p.apply = append(p.apply, func(n *types.Note) { n.PageRank = v })
		default:
			return nil, fmt.Errorf("unknown note field: %s", key)
		}
		p.touched = true
	}
	return p, nil
}

func toString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func toNullableID(field string, value interface{}) (*int64, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *int64:
		if v == nil {
			return nil, nil
		}
		id := *v
		return &id, nil
	case int64:
		id := v
		return &id, nil
	case int:
		id := int64(v)
		return &id, nil
	case float64:
		id := int64(v)
		return &id, nil
	default:
		return nil, fmt.Errorf("field %s requires an id", field)
	}
}

func toFloat(field string, value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("field %s requires a number", field)
	}
}

// UpdateNote applies a whitelist of field updates, recomputes the tamper
// hash over the merged state, and returns the updated note.
func (s *Store) UpdateNote(ctx context.Context, id int64, updates map[string]interface{}) (*types.Note, error) {
	patch, err := parseNotePatch(updates)
	if err != nil {
		return nil, err
	}
	if !patch.touched {
		return s.GetNote(ctx, id)
	}

	key := s.noteKey(id)
	field := strconv.FormatInt(id, 10)
	var updated *types.Note
	err = s.withTx(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("update note %d: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return wrapDBErrorf(err, "update note %d", id)
		}
		n, err := unmarshalNote(raw)
		if err != nil {
			return err
		}
		wasPinned := n.Pinned
		for _, apply := range patch.apply {
			apply(n)
		}
		if patch.rank == nil {
			// Ranks live in their own hash; pull the current value so
			// the returned note matches a fresh read.
			if rankStr, err := tx.HGet(ctx, s.ranksKey(), field).Result(); err == nil {
				if rank, perr := strconv.ParseFloat(rankStr, 64); perr == nil {
					n.PageRank = rank
				}
			}
		}
		n.Teambook = s.teambook
		n.TamperHash = n.ComputeTamperHash()
		stored, err := marshalNote(n)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, stored, 0)
			if patch.rank != nil {
				pipe.HSet(ctx, s.ranksKey(), field, *patch.rank)
			}
			if patch.pinned != nil && *patch.pinned != wasPinned {
				if *patch.pinned {
					pipe.SAdd(ctx, s.pinnedKey(), field)
				} else {
					pipe.SRem(ctx, s.pinnedKey(), field)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = n
		return nil
	}, key)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteNote removes a note along with its edges and entity links.
func (s *Store) DeleteNote(ctx context.Context, id int64) error {
	err := s.client.Get(ctx, s.noteKey(id)).Err()
	if err != nil {
		return wrapDBErrorf(err, "delete note %d", id)
	}

	field := strconv.FormatInt(id, 10)
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.noteKey(id))
	pipe.ZRem(ctx, s.notesKey(), padID(id))
	pipe.SRem(ctx, s.pinnedKey(), field)
	pipe.HDel(ctx, s.ranksKey(), field)
	if err := pipeExec(pipe.Exec(ctx)); err != nil {
		return wrapDBError("delete note", err)
	}
	if err := s.deleteNoteEdges(ctx, id); err != nil {
		return wrapDBError("delete note edges", err)
	}
	if err := s.unlinkNoteEntities(ctx, id); err != nil {
		return wrapDBError("delete note entity links", err)
	}
	return nil
}

// LastNoteID returns the highest assigned note id.
func (s *Store) LastNoteID(ctx context.Context) (int64, error) {
	members, err := s.client.ZRange(ctx, s.notesKey(), 0, -1).Result()
	if err != nil {
		return 0, wrapDBError("last note id", err)
	}
	var max int64
	for _, m := range members {
		id, err := parseID(m)
		if err != nil {
			return 0, wrapDBError("last note id", err)
		}
		if id > max {
			max = id
		}
	}
	if max == 0 {
		return 0, storage.ErrNotFound
	}
	return max, nil
}
