package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func seedNotes(t *testing.T, store *Store, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		note := &types.Note{Content: "note", Author: "a"}
		id, err := store.WriteNote(ctx, note)
		if err != nil {
			t.Fatalf("WriteNote failed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestAddEdgesIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ids := seedNotes(t, store, 2)

	edges := []*types.Edge{
		{FromID: ids[0], ToID: ids[1], Type: types.EdgeReference, Weight: 1},
		{FromID: ids[0], ToID: ids[1], Type: types.EdgeReference, Weight: 1}, // duplicate
		{FromID: ids[0], ToID: ids[1], Type: types.EdgeTemporal, Weight: 0.5},
	}
	if err := store.AddEdges(ctx, edges); err != nil {
		t.Fatalf("AddEdges failed: %v", err)
	}

	all, err := store.AllEdges(ctx)
	if err != nil {
		t.Fatalf("AllEdges failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 distinct edges, got %d", len(all))
	}
}

func TestGetEdgesDirection(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ids := seedNotes(t, store, 3)

	edges := []*types.Edge{
		{FromID: ids[0], ToID: ids[1], Type: types.EdgeReference},
		{FromID: ids[2], ToID: ids[0], Type: types.EdgeReference},
	}
	if err := store.AddEdges(ctx, edges); err != nil {
		t.Fatalf("AddEdges failed: %v", err)
	}

	out, err := store.GetEdges(ctx, ids[0], false)
	if err != nil {
		t.Fatalf("GetEdges outbound failed: %v", err)
	}
	if len(out) != 1 || out[0].ToID != ids[1] {
		t.Errorf("expected one outbound edge to %d, got %v", ids[1], out)
	}

	in, err := store.GetEdges(ctx, ids[0], true)
	if err != nil {
		t.Fatalf("GetEdges inbound failed: %v", err)
	}
	if len(in) != 1 || in[0].FromID != ids[2] {
		t.Errorf("expected one inbound edge from %d, got %v", ids[2], in)
	}
}

func TestSetPageRanks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ids := seedNotes(t, store, 2)

	ranks := map[int64]float64{ids[0]: 0.7, ids[1]: 0.3}
	if err := store.SetPageRanks(ctx, ranks); err != nil {
		t.Fatalf("SetPageRanks failed: %v", err)
	}

	note, err := store.GetNote(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if note.PageRank != 0.7 {
		t.Errorf("expected pagerank 0.7, got %f", note.PageRank)
	}
}

func TestUpsertEntityMentions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ids := seedNotes(t, store, 2)

	first, err := store.UpsertEntity(ctx, &types.Entity{Name: "redis", Type: "mention"})
	if err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	if err := store.LinkEntity(ctx, first, ids[0]); err != nil {
		t.Fatalf("LinkEntity failed: %v", err)
	}

	// Re-mention bumps the count and keeps the id; a typed upsert wins over
	// the generic mention type.
	second, err := store.UpsertEntity(ctx, &types.Entity{Name: "redis", Type: "technology"})
	if err != nil {
		t.Fatalf("UpsertEntity again failed: %v", err)
	}
	if second != first {
		t.Errorf("expected stable entity id %d, got %d", first, second)
	}
	if err := store.LinkEntity(ctx, second, ids[1]); err != nil {
		t.Fatalf("LinkEntity failed: %v", err)
	}

	noteIDs, err := store.EntityNotes(ctx, "redis")
	if err != nil {
		t.Fatalf("EntityNotes failed: %v", err)
	}
	if len(noteIDs) != 2 {
		t.Errorf("expected 2 linked notes, got %d", len(noteIDs))
	}
}

func TestUpsertFactSupersedes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	old := &types.EntityFact{Subject: "alice", Relation: "works_at", Object: "initech"}
	if err := store.UpsertFact(ctx, old, true); err != nil {
		t.Fatalf("UpsertFact failed: %v", err)
	}
	updated := &types.EntityFact{Subject: "alice", Relation: "works_at", Object: "globex"}
	if err := store.UpsertFact(ctx, updated, true); err != nil {
		t.Fatalf("UpsertFact update failed: %v", err)
	}

	active, err := store.GetFacts(ctx, "alice", true)
	if err != nil {
		t.Fatalf("GetFacts active failed: %v", err)
	}
	if len(active) != 1 || active[0].Object != "globex" {
		t.Fatalf("expected one active fact 'globex', got %v", active)
	}

	all, err := store.GetFacts(ctx, "alice", false)
	if err != nil {
		t.Fatalf("GetFacts all failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected full history of 2 facts, got %d", len(all))
	}
	// The superseded fact carries a closed validity window.
	var closed int
	for _, f := range all {
		if f.ValidTo != nil {
			closed++
		}
	}
	if closed != 1 {
		t.Errorf("expected exactly 1 closed fact, got %d", closed)
	}
}

func TestUpsertFactNonInvalidatingCoexists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	berlin := &types.EntityFact{Subject: "acme", Relation: "located_in", Object: "berlin"}
	if err := store.UpsertFact(ctx, berlin, false); err != nil {
		t.Fatalf("UpsertFact failed: %v", err)
	}
	munich := &types.EntityFact{Subject: "acme", Relation: "located_in", Object: "munich"}
	if err := store.UpsertFact(ctx, munich, false); err != nil {
		t.Fatalf("UpsertFact failed: %v", err)
	}

	active, err := store.GetFacts(ctx, "acme", true)
	if err != nil {
		t.Fatalf("GetFacts active failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected both locations active, got %v", active)
	}

	// Re-asserting an existing object supersedes just that instance.
	again := &types.EntityFact{Subject: "acme", Relation: "located_in", Object: "berlin", Confidence: 0.9}
	if err := store.UpsertFact(ctx, again, false); err != nil {
		t.Fatalf("UpsertFact re-assert failed: %v", err)
	}
	active, err = store.GetFacts(ctx, "acme", true)
	if err != nil {
		t.Fatalf("GetFacts active failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active facts after re-assert, got %d", len(active))
	}
	for _, f := range active {
		if f.Object == "berlin" && f.Confidence != 0.9 {
			t.Errorf("expected refreshed berlin confidence 0.9, got %v", f.Confidence)
		}
	}
}

func TestSearchFacts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seed := []struct {
		fact       types.EntityFact
		invalidate bool
	}{
		{types.EntityFact{Subject: "alice", Relation: "resides_in", Object: "Berlin", Confidence: 0.85, SourceNoteID: 1}, true},
		{types.EntityFact{Subject: "acme", Relation: "located_in", Object: "Berlin", Confidence: 0.75, SourceNoteID: 2}, false},
		{types.EntityFact{Subject: "bob", Relation: "works_at", Object: "Initech", Confidence: 0.8, SourceNoteID: 3}, true},
	}
	for i := range seed {
		if err := store.UpsertFact(ctx, &seed[i].fact, seed[i].invalidate); err != nil {
			t.Fatalf("UpsertFact failed: %v", err)
		}
	}

	found, err := store.SearchFacts(ctx, "berlin", 10)
	if err != nil {
		t.Fatalf("SearchFacts failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 berlin facts, got %d", len(found))
	}
	if found[0].Confidence < found[1].Confidence {
		t.Errorf("expected most confident first, got %v then %v",
			found[0].Confidence, found[1].Confidence)
	}

	// Relation text matches too.
	found, err = store.SearchFacts(ctx, "works", 10)
	if err != nil {
		t.Fatalf("SearchFacts failed: %v", err)
	}
	if len(found) != 1 || found[0].Subject != "bob" {
		t.Fatalf("expected bob's works_at fact, got %v", found)
	}

	// Closed facts are invisible.
	moved := types.EntityFact{Subject: "alice", Relation: "resides_in", Object: "Munich", Confidence: 0.85, SourceNoteID: 4}
	if err := store.UpsertFact(ctx, &moved, true); err != nil {
		t.Fatalf("UpsertFact failed: %v", err)
	}
	found, err = store.SearchFacts(ctx, "berlin", 10)
	if err != nil {
		t.Fatalf("SearchFacts failed: %v", err)
	}
	if len(found) != 1 || found[0].Subject != "acme" {
		t.Fatalf("expected only acme's berlin fact after alice moved, got %v", found)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.LatestSession(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound with no sessions, got %v", err)
	}

	start := time.Now().Add(-10 * time.Minute)
	id, err := store.CreateSession(ctx, start)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	latest, err := store.LatestSession(ctx)
	if err != nil {
		t.Fatalf("LatestSession failed: %v", err)
	}
	if latest.ID != id {
		t.Errorf("expected session %d, got %d", id, latest.ID)
	}
	if latest.NoteCount != 1 {
		t.Errorf("new session should count its first note, got %d", latest.NoteCount)
	}

	if err := store.TouchSession(ctx, id, time.Now()); err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	latest, err = store.LatestSession(ctx)
	if err != nil {
		t.Fatalf("LatestSession failed: %v", err)
	}
	if latest.NoteCount != 2 {
		t.Errorf("touch should increment the note count, got %d", latest.NoteCount)
	}
	if !latest.Ended.After(start) {
		t.Error("touch should advance the session end time")
	}

	if err := store.TouchSession(ctx, 9999, time.Now()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing session, got %v", err)
	}
}
