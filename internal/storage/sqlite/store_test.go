package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/teambook/internal/types"
)

func TestOpenCreatesDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "team.db")

	store, err := Open(ctx, path, "alpha")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if store.Teambook() != "alpha" {
		t.Errorf("expected teambook 'alpha', got %q", store.Teambook())
	}
	if store.Backend() != "sqlite" {
		t.Errorf("expected backend 'sqlite', got %q", store.Backend())
	}
	if store.Path() != path {
		t.Errorf("expected path %q, got %q", path, store.Path())
	}
	if store.Temporary() {
		t.Error("fresh open should not be temporary")
	}
}

func TestOpenInMemory(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, ":memory:", "mem")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer store.Close()

	note := &types.Note{Content: "ephemeral note", Author: "tester"}
	if _, err := store.WriteNote(ctx, note); err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}
	got, err := store.GetNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if got.Content != "ephemeral note" {
		t.Errorf("expected content round-trip, got %q", got.Content)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	if err := store.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if !store.IsClosed() {
		t.Error("IsClosed should report true after Close")
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

func TestReopenPersistsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "team.db")

	store, err := Open(ctx, path, "alpha")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	note := &types.Note{Content: "durable note", Author: "tester"}
	if _, err := store.WriteNote(ctx, note); err != nil {
		t.Fatalf("WriteNote failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(ctx, path, "alpha")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetNote(ctx, note.ID)
	if err != nil {
		t.Fatalf("GetNote after reopen failed: %v", err)
	}
	if got.Content != "durable note" {
		t.Errorf("expected persisted content, got %q", got.Content)
	}
}

func TestSweepRemovesExpiredRows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	// Expired and live messages.
	expired := &types.Message{
		Sender: "a", Channel: "general", Content: "old",
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}
	if _, err := store.SendMessage(ctx, expired); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	live := &types.Message{Sender: "a", Channel: "general", Content: "new"}
	if _, err := store.SendMessage(ctx, live); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	// Expired lock.
	if _, err := store.AcquireLock(ctx, "stale", "a", -time.Minute); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	// Expired event with a delivery row.
	ev := &types.Event{
		ItemType: types.ItemNote, ItemID: "1", EventType: types.EventCreated,
		Actor: "a", CreatedAt: now.Add(-8 * 24 * time.Hour),
	}
	ev.ExpiresAt = ev.CreatedAt.Add(types.EventRetention)
	if _, err := store.RecordEvent(ctx, ev, []string{"b"}); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	result, err := store.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if result.Messages != 1 {
		t.Errorf("expected 1 swept message, got %d", result.Messages)
	}
	if result.Locks != 1 {
		t.Errorf("expected 1 swept lock, got %d", result.Locks)
	}
	if result.Events != 1 {
		t.Errorf("expected 1 swept event, got %d", result.Events)
	}
	if result.Total() < 3 {
		t.Errorf("expected total >= 3, got %d", result.Total())
	}

	msgs, err := store.GetMessages(ctx, types.MessageFilter{Channel: "general"})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "new" {
		t.Errorf("expected only the live message to survive, got %d", len(msgs))
	}
}

func TestGetStatistics(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i, content := range []string{"first", "second", "third"} {
		note := &types.Note{Content: content, Author: "tester", Pinned: i == 0}
		if _, err := store.WriteNote(ctx, note); err != nil {
			t.Fatalf("WriteNote failed: %v", err)
		}
	}
	msg := &types.Message{Sender: "a", Recipient: "b", Content: "hello"}
	msg.SetDefaults()
	if _, err := store.SendMessage(ctx, msg); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if _, err := store.AcquireLock(ctx, "build", "a", time.Minute); err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	if _, err := store.QueueTask(ctx, &types.Task{Content: "do it", Author: "a", Priority: 5}); err != nil {
		t.Fatalf("QueueTask failed: %v", err)
	}

	stats, err := store.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics failed: %v", err)
	}
	if stats.TotalNotes != 3 {
		t.Errorf("expected 3 notes, got %d", stats.TotalNotes)
	}
	if stats.PinnedNotes != 1 {
		t.Errorf("expected 1 pinned note, got %d", stats.PinnedNotes)
	}
	if stats.TotalMessages != 1 {
		t.Errorf("expected 1 message, got %d", stats.TotalMessages)
	}
	if stats.UnreadMessages != 1 {
		t.Errorf("expected 1 unread DM, got %d", stats.UnreadMessages)
	}
	if stats.ActiveLocks != 1 {
		t.Errorf("expected 1 active lock, got %d", stats.ActiveLocks)
	}
	if stats.PendingTasks != 1 {
		t.Errorf("expected 1 pending task, got %d", stats.PendingTasks)
	}
	if stats.LastWrite.IsZero() {
		t.Error("expected LastWrite to be set")
	}
}

func TestRecentOperations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i, op := range []string{"write_note", "read_notes", "send_message", "write_note"} {
		author := "ai-alpha"
		if i == 2 {
			author = "ai-beta"
		}
		err := store.LogOperation(ctx, &types.OperationRecord{
			Operation: op, Author: author, DurationMS: int64(i + 1),
		})
		if err != nil {
			t.Fatalf("LogOperation failed: %v", err)
		}
	}

	ops, err := store.RecentOperations(ctx, "", 10)
	if err != nil {
		t.Fatalf("RecentOperations failed: %v", err)
	}
	if len(ops) != 4 {
		t.Fatalf("expected 4 operations, got %d", len(ops))
	}
	if ops[0].Operation != "write_note" || ops[0].DurationMS != 4 {
		t.Errorf("expected newest first, got %q (dur %d)", ops[0].Operation, ops[0].DurationMS)
	}
	if ops[0].Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}

	alpha, err := store.RecentOperations(ctx, "ai-alpha", 10)
	if err != nil {
		t.Fatalf("RecentOperations by author failed: %v", err)
	}
	if len(alpha) != 3 {
		t.Fatalf("expected 3 operations for ai-alpha, got %d", len(alpha))
	}
	for _, op := range alpha {
		if op.Author != "ai-alpha" {
			t.Errorf("expected only ai-alpha rows, got %q", op.Author)
		}
	}

	capped, err := store.RecentOperations(ctx, "", 2)
	if err != nil {
		t.Fatalf("RecentOperations with limit failed: %v", err)
	}
	if len(capped) != 2 {
		t.Errorf("expected limit of 2, got %d", len(capped))
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.GetMetadata(ctx, "missing"); err == nil {
		t.Error("expected error for missing metadata key")
	}
	if err := store.SetMetadata(ctx, "pagerank_dirty", "1"); err != nil {
		t.Fatalf("SetMetadata failed: %v", err)
	}
	if err := store.SetMetadata(ctx, "pagerank_dirty", "0"); err != nil {
		t.Fatalf("SetMetadata overwrite failed: %v", err)
	}
	got, err := store.GetMetadata(ctx, "pagerank_dirty")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got != "0" {
		t.Errorf("expected latest value '0', got %q", got)
	}
}
