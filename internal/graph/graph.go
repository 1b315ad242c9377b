// Package graph wires notes into the knowledge graph. Every written note
// gets session membership, edges to its temporal, referenced, session,
// and entity neighbors, and any structured facts its content asserts.
// The package also owns PageRank recomputation and the graph-reasoning
// side of recall.
//
// Functions here operate on a storage.Store and carry no state of their
// own, except Ranker, which deduplicates concurrent PageRank runs.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/textutil"
	"github.com/steveyegge/teambook/internal/types"
)

// ConnectStats reports what the write path attached to a note.
type ConnectStats struct {
	Edges    int `json:"edges"`
	Entities int `json:"entities"`
	Facts    int `json:"facts"`
}

// Connect runs the post-insert graph stages for a note: temporal,
// reference, and session edges, entity upserts with shared-entity edges,
// and structured fact extraction. When anything was added the pagerank
// dirty flag is set so the next refresh recomputes.
func Connect(ctx context.Context, store storage.Store, note *types.Note) (ConnectStats, error) {
	var stats ConnectStats

	batch, err := BuildEdges(ctx, store, note)
	if err != nil {
		return stats, fmt.Errorf("failed to build edges: %w", err)
	}

	entityEdges, entities, err := LinkEntities(ctx, store, note)
	if err != nil {
		return stats, fmt.Errorf("failed to link entities: %w", err)
	}
	batch = append(batch, entityEdges...)

	if err := store.AddEdges(ctx, batch); err != nil {
		return stats, fmt.Errorf("failed to add edges: %w", err)
	}
	stats.Edges = len(batch)
	stats.Entities = len(entities)

	stats.Facts, err = RecordFacts(ctx, store, note, entities)
	if err != nil {
		return stats, fmt.Errorf("failed to record facts: %w", err)
	}

	if stats.Edges > 0 || stats.Facts > 0 {
		if err := MarkDirty(ctx, store); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// SessionFor returns the session a note created at the given time should
// join. The latest session is reused while the gap since its last note
// stays within types.SessionGapMinutes; otherwise a new session opens.
// Joining bumps the session's note count and end time.
func SessionFor(ctx context.Context, store storage.Store, at time.Time) (int64, error) {
	latest, err := store.LatestSession(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return store.CreateSession(ctx, at)
	}
	if err != nil {
		return 0, err
	}

	if at.Sub(latest.Ended) <= types.SessionGapMinutes*time.Minute {
		if err := store.TouchSession(ctx, latest.ID, at); err != nil {
			return 0, err
		}
		return latest.ID, nil
	}
	return store.CreateSession(ctx, at)
}

// BuildEdges computes the non-entity edge batch for a note: symmetric
// temporal links to the last types.TemporalEdges prior notes, a
// reference/referenced_by pair for every existing note id mentioned in
// the content, and symmetric session links to the note's session peers.
// The batch is returned unpersisted so the caller can add entity edges
// and write everything in one call.
func BuildEdges(ctx context.Context, store storage.Store, note *types.Note) ([]*types.Edge, error) {
	now := time.Now()
	src := note.ID
	var batch []*types.Edge

	add := func(from, to int64, typ types.EdgeType, weight float64) {
		batch = append(batch, &types.Edge{
			FromID:       from,
			ToID:         to,
			Type:         typ,
			Weight:       weight,
			Created:      now,
			SourceNoteID: &src,
		})
	}

	ids, err := store.NoteIDs(ctx)
	if err != nil {
		return nil, err
	}
	var prior []int64
	for _, id := range ids {
		if id < note.ID {
			prior = append(prior, id)
		}
	}
	sort.Slice(prior, func(i, j int) bool { return prior[i] > prior[j] })
	if len(prior) > types.TemporalEdges {
		prior = prior[:types.TemporalEdges]
	}
	for _, p := range prior {
		add(note.ID, p, types.EdgeTemporal, types.WeightTemporal)
		add(p, note.ID, types.EdgeTemporal, types.WeightTemporal)
	}

	refs := textutil.ExtractReferences(note.Content)
	targets := refs[:0]
	for _, r := range refs {
		if r != note.ID {
			targets = append(targets, r)
		}
	}
	if len(targets) > 0 {
		// GetNotes drops ids that do not exist, so dangling references
		// never produce edges.
		existing, err := store.GetNotes(ctx, targets)
		if err != nil {
			return nil, err
		}
		for _, ref := range existing {
			add(note.ID, ref.ID, types.EdgeReference, types.WeightReference)
			add(ref.ID, note.ID, types.EdgeReferencedBy, types.WeightReference)
		}
	}

	if note.SessionID != nil {
		peers, err := store.SessionNotes(ctx, *note.SessionID)
		if err != nil {
			return nil, err
		}
		for _, peer := range peers {
			if peer == note.ID {
				continue
			}
			add(note.ID, peer, types.EdgeSession, types.WeightSession)
			add(peer, note.ID, types.EdgeSession, types.WeightSession)
		}
	}

	return batch, nil
}

// LinkEntities extracts entity mentions from the note content, upserts
// each entity, links it to the note, and returns symmetric entity edges
// to every other note sharing an entity plus the canonical entity names
// for fact extraction.
func LinkEntities(ctx context.Context, store storage.Store, note *types.Note) ([]*types.Edge, []string, error) {
	extracted := textutil.ExtractEntities(note.Content)
	if len(extracted) == 0 {
		return nil, nil, nil
	}

	now := time.Now()
	src := note.ID
	var batch []*types.Edge
	names := make([]string, 0, len(extracted))

	for _, ent := range extracted {
		entityID, err := store.UpsertEntity(ctx, &types.Entity{Name: ent.Name, Type: ent.Type})
		if err != nil {
			return nil, nil, err
		}
		if err := store.LinkEntity(ctx, entityID, note.ID); err != nil {
			return nil, nil, err
		}
		names = append(names, ent.Name)

		others, err := store.EntityNotes(ctx, ent.Name)
		if err != nil {
			return nil, nil, err
		}
		for _, other := range others {
			if other == note.ID {
				continue
			}
			batch = append(batch,
				&types.Edge{FromID: note.ID, ToID: other, Type: types.EdgeEntity,
					Weight: types.WeightEntity, Created: now, SourceNoteID: &src},
				&types.Edge{FromID: other, ToID: note.ID, Type: types.EdgeEntity,
					Weight: types.WeightEntity, Created: now, SourceNoteID: &src})
		}
	}

	return batch, names, nil
}
