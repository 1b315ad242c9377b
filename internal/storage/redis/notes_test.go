package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func TestWriteNoteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	note := &types.Note{
		Content:  "deploy checklist: run migrations before rollout",
		Summary:  "deploy checklist",
		Tags:     []string{"deploy", "ops"},
		Author:   "agent-a",
		Owner:    "agent-a",
		Type:     types.NoteProject,
		Metadata: `{"source":"standup"}`,
	}
	note.TamperHash = note.ComputeTamperHash()

	id, err := store.WriteNote(ctx, note)
	if err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected nonzero note id")
	}
	if note.Created.IsZero() {
		t.Error("WriteNote should set Created")
	}

	got, err := store.GetNote(ctx, id)
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if got.Content != note.Content {
		t.Errorf("content mismatch: got %q", got.Content)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "deploy" {
		t.Errorf("tags mismatch: got %v", got.Tags)
	}
	if got.Type != types.NoteProject {
		t.Errorf("expected type project, got %s", got.Type)
	}
	if got.Teambook != "test-team" {
		t.Errorf("expected teambook stamp, got %q", got.Teambook)
	}
	if got.TamperHash != note.TamperHash {
		t.Error("tamper hash should survive the round trip")
	}
}

func TestGetNoteNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetNote(ctx, 9999)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetNotesPreservesOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var ids []int64
	for _, content := range []string{"one", "two", "three"} {
		note := &types.Note{Content: content, Author: "a"}
		id, err := store.WriteNote(ctx, note)
		if err != nil {
			t.Fatalf("WriteNote failed: %v", err)
		}
		ids = append(ids, id)
	}

	// Request out of storage order, with one missing id mixed in.
	got, err := store.GetNotes(ctx, []int64{ids[2], 9999, ids[0]})
	if err != nil {
		t.Fatalf("GetNotes failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(got))
	}
	if got[0].Content != "three" || got[1].Content != "one" {
		t.Errorf("expected input order [three one], got [%s %s]", got[0].Content, got[1].Content)
	}
}

func TestReadNotesFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seed := []*types.Note{
		{Content: "auth service uses jwt tokens", Author: "a", Owner: "a", Tags: []string{"auth"}},
		{Content: "database migration plan", Author: "b", Tags: []string{"db", "plan"}, Pinned: true},
		{Content: "jwt rotation schedule", Author: "b", Owner: "b", Tags: []string{"auth", "ops"}},
	}
	for _, n := range seed {
		if _, err := store.WriteNote(ctx, n); err != nil {
			t.Fatalf("WriteNote failed: %v", err)
		}
	}

	t.Run("query matches content", func(t *testing.T) {
		notes, err := store.ReadNotes(ctx, types.NoteFilter{Query: "jwt"})
		if err != nil {
			t.Fatalf("ReadNotes failed: %v", err)
		}
		if len(notes) != 2 {
			t.Errorf("expected 2 jwt notes, got %d", len(notes))
		}
	})

	t.Run("query is literal", func(t *testing.T) {
		notes, err := store.ReadNotes(ctx, types.NoteFilter{Query: "100%"})
		if err != nil {
			t.Fatalf("ReadNotes failed: %v", err)
		}
		if len(notes) != 0 {
			t.Errorf("literal %% should not match everything, got %d notes", len(notes))
		}
	})

	t.Run("tag filter", func(t *testing.T) {
		notes, err := store.ReadNotes(ctx, types.NoteFilter{Tag: "auth"})
		if err != nil {
			t.Fatalf("ReadNotes failed: %v", err)
		}
		if len(notes) != 2 {
			t.Errorf("expected 2 auth notes, got %d", len(notes))
		}
	})

	t.Run("pinned only", func(t *testing.T) {
		notes, err := store.ReadNotes(ctx, types.NoteFilter{PinnedOnly: true})
		if err != nil {
			t.Fatalf("ReadNotes failed: %v", err)
		}
		if len(notes) != 1 || !notes[0].Pinned {
			t.Errorf("expected the single pinned note, got %d", len(notes))
		}
	})

	t.Run("owner filter", func(t *testing.T) {
		owner := "b"
		notes, err := store.ReadNotes(ctx, types.NoteFilter{Owner: &owner})
		if err != nil {
			t.Fatalf("ReadNotes failed: %v", err)
		}
		if len(notes) != 1 {
			t.Errorf("expected 1 note owned by b, got %d", len(notes))
		}
	})

	t.Run("unowned filter", func(t *testing.T) {
		unowned := ""
		notes, err := store.ReadNotes(ctx, types.NoteFilter{Owner: &unowned})
		if err != nil {
			t.Fatalf("ReadNotes failed: %v", err)
		}
		if len(notes) != 1 || notes[0].Content != "database migration plan" {
			t.Errorf("expected the unowned note, got %d", len(notes))
		}
	})

	t.Run("limit", func(t *testing.T) {
		notes, err := store.ReadNotes(ctx, types.NoteFilter{Limit: 2})
		if err != nil {
			t.Fatalf("ReadNotes failed: %v", err)
		}
		if len(notes) != 2 {
			t.Errorf("expected limit of 2, got %d", len(notes))
		}
	})
}

func TestReadNotesRecentOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, content := range []string{"oldest", "middle", "newest"} {
		if _, err := store.WriteNote(ctx, &types.Note{Content: content, Author: "a"}); err != nil {
			t.Fatalf("WriteNote failed: %v", err)
		}
	}

	notes, err := store.ReadNotes(ctx, types.NoteFilter{})
	if err != nil {
		t.Fatalf("ReadNotes failed: %v", err)
	}
	if len(notes) != 3 {
		t.Fatalf("expected 3 notes, got %d", len(notes))
	}
	if notes[0].Content != "newest" || notes[2].Content != "oldest" {
		t.Errorf("expected newest-first order, got [%s .. %s]", notes[0].Content, notes[2].Content)
	}
}

func TestReadNotesImportantOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	low := &types.Note{Content: "low rank", Author: "a"}
	high := &types.Note{Content: "high rank", Author: "a"}
	for _, n := range []*types.Note{low, high} {
		if _, err := store.WriteNote(ctx, n); err != nil {
			t.Fatalf("WriteNote failed: %v", err)
		}
	}
	if err := store.SetPageRanks(ctx, map[int64]float64{low.ID: 0.1, high.ID: 0.9}); err != nil {
		t.Fatalf("SetPageRanks failed: %v", err)
	}

	notes, err := store.ReadNotes(ctx, types.NoteFilter{Mode: types.ModeImportant})
	if err != nil {
		t.Fatalf("ReadNotes failed: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes))
	}
	if notes[0].ID != high.ID {
		t.Errorf("expected high-rank note first, got note %d", notes[0].ID)
	}
	if notes[0].PageRank != 0.9 {
		t.Errorf("expected pagerank 0.9, got %f", notes[0].PageRank)
	}
}

func TestReadNotesImportantPinnedFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ranked := &types.Note{Content: "high rank", Author: "a"}
	pinned := &types.Note{Content: "pinned", Author: "a", Pinned: true}
	for _, n := range []*types.Note{ranked, pinned} {
		if _, err := store.WriteNote(ctx, n); err != nil {
			t.Fatalf("WriteNote failed: %v", err)
		}
	}
	if err := store.SetPageRanks(ctx, map[int64]float64{ranked.ID: 0.9, pinned.ID: 0.1}); err != nil {
		t.Fatalf("SetPageRanks failed: %v", err)
	}

	notes, err := store.ReadNotes(ctx, types.NoteFilter{Mode: types.ModeImportant})
	if err != nil {
		t.Fatalf("ReadNotes failed: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(notes))
	}
	// Pinned beats rank.
	if notes[0].ID != pinned.ID {
		t.Errorf("expected the pinned note first, got note %d", notes[0].ID)
	}
}

func TestReadNotesSelfCleansStaleIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	note := &types.Note{Content: "real", Author: "a"}
	if _, err := store.WriteNote(ctx, note); err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}
	// Simulate an index entry whose doc is gone.
	if err := store.client.Del(ctx, store.noteKey(note.ID)).Err(); err != nil {
		t.Fatalf("Del failed: %v", err)
	}

	notes, err := store.ReadNotes(ctx, types.NoteFilter{})
	if err != nil {
		t.Fatalf("ReadNotes failed: %v", err)
	}
	if len(notes) != 0 {
		t.Fatalf("expected no notes, got %d", len(notes))
	}
	remaining, err := store.client.ZCard(ctx, store.notesKey()).Result()
	if err != nil {
		t.Fatalf("ZCard failed: %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected the stale index entry to be pruned, got %d members", remaining)
	}
}

func TestUpdateNote(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	note := &types.Note{Content: "draft", Author: "a"}
	if _, err := store.WriteNote(ctx, note); err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}

	updated, err := store.UpdateNote(ctx, note.ID, map[string]interface{}{
		"content": "final",
		"pinned":  true,
		"tags":    []string{"released"},
	})
	if err != nil {
		t.Fatalf("UpdateNote failed: %v", err)
	}
	if updated.Content != "final" {
		t.Errorf("expected updated content, got %q", updated.Content)
	}
	if !updated.Pinned {
		t.Error("expected note to be pinned")
	}
	if updated.TamperHash != updated.ComputeTamperHash() {
		t.Error("tamper hash should be recomputed after update")
	}

	// The pinned set index follows the flag.
	pinned, err := store.ReadNotes(ctx, types.NoteFilter{PinnedOnly: true})
	if err != nil {
		t.Fatalf("ReadNotes failed: %v", err)
	}
	if len(pinned) != 1 || pinned[0].ID != note.ID {
		t.Errorf("expected the updated note in the pinned index, got %d notes", len(pinned))
	}
}

func TestUpdateNoteRejectsUnknownField(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	note := &types.Note{Content: "x", Author: "a"}
	if _, err := store.WriteNote(ctx, note); err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}

	if _, err := store.UpdateNote(ctx, note.ID, map[string]interface{}{"nope": 1}); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestUpdateNoteNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.UpdateNote(ctx, 404, map[string]interface{}{"content": "y"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteNoteCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a := &types.Note{Content: "a", Author: "x"}
	b := &types.Note{Content: "b", Author: "x"}
	for _, n := range []*types.Note{a, b} {
		if _, err := store.WriteNote(ctx, n); err != nil {
			t.Fatalf("WriteNote failed: %v", err)
		}
	}
	edges := []*types.Edge{
		{FromID: a.ID, ToID: b.ID, Type: types.EdgeReference},
		{FromID: b.ID, ToID: a.ID, Type: types.EdgeTemporal},
	}
	if err := store.AddEdges(ctx, edges); err != nil {
		t.Fatalf("AddEdges failed: %v", err)
	}

	if err := store.DeleteNote(ctx, a.ID); err != nil {
		t.Fatalf("DeleteNote failed: %v", err)
	}
	if _, err := store.GetNote(ctx, a.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected deleted note to be gone, got %v", err)
	}
	remaining, err := store.AllEdges(ctx)
	if err != nil {
		t.Fatalf("AllEdges failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected edges touching the note to be removed, got %d", len(remaining))
	}

	if err := store.DeleteNote(ctx, a.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestLastNoteID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.LastNoteID(ctx); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty store, got %v", err)
	}

	note := &types.Note{Content: "only", Author: "a"}
	if _, err := store.WriteNote(ctx, note); err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}
	last, err := store.LastNoteID(ctx)
	if err != nil {
		t.Fatalf("LastNoteID failed: %v", err)
	}
	if last != note.ID {
		t.Errorf("expected last id %d, got %d", note.ID, last)
	}
}

func TestNoteCompressionTransparent(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store := openStore(t, mr, "test-team")

	long := strings.Repeat("standup summary: migrations blocked on the schema review. ", 20)
	note := &types.Note{Content: long, Author: "a", Teambook: "test-team"}
	note.TamperHash = note.ComputeTamperHash()
	if _, err := store.WriteNote(ctx, note); err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}

	doc, err := mr.Get("tb:test-team:note:" + strconv.FormatInt(note.ID, 10))
	if err != nil {
		t.Fatalf("raw document read failed: %v", err)
	}
	if strings.Contains(doc, "schema review") {
		t.Error("stored document should not carry plaintext content")
	}

	got, err := store.GetNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if got.Content != long {
		t.Error("content should decompress on read")
	}
	if got.TamperHash != got.ComputeTamperHash() {
		t.Error("tamper hash should verify against the plaintext")
	}

	verbatim := &types.Note{Content: long, Author: "a", RepresentationPolicy: types.PolicyVerbatim}
	if _, err := store.WriteNote(ctx, verbatim); err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}
	doc, err = mr.Get("tb:test-team:note:" + strconv.FormatInt(verbatim.ID, 10))
	if err != nil {
		t.Fatalf("raw document read failed: %v", err)
	}
	if !strings.Contains(doc, "schema review") {
		t.Error("verbatim notes should store plaintext")
	}
}

func TestReadNotesSearchesCompressedContent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	long := strings.Repeat("routine maintenance log entry with no surprises. ", 10) +
		"the pelican fixture flaked again."
	if _, err := store.WriteNote(ctx, &types.Note{Content: long, Author: "a"}); err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}
	if _, err := store.WriteNote(ctx, &types.Note{Content: "unrelated", Author: "a"}); err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}

	notes, err := store.ReadNotes(ctx, types.NoteFilter{Query: "pelican"})
	if err != nil {
		t.Fatalf("ReadNotes failed: %v", err)
	}
	if len(notes) != 1 || !strings.Contains(notes[0].Content, "pelican") {
		t.Errorf("query should match decompressed content, got %d notes", len(notes))
	}
}
