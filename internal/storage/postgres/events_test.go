package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func TestRecordEventFanout(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ev := &types.Event{
		ItemType:  types.ItemTask,
		ItemID:    "42",
		EventType: types.EventClaimed,
		Actor:     "agent-a",
		Summary:   "claimed the migration task",
	}
	// Duplicate recipients collapse into one delivery.
	id, err := store.RecordEvent(ctx, ev, []string{"agent-b", "agent-c", "agent-b"})
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected a positive event id, got %d", id)
	}

	for _, ai := range []string{"agent-b", "agent-c"} {
		pending, err := store.PendingEvents(ctx, ai, time.Time{}, 0)
		if err != nil {
			t.Fatalf("PendingEvents for %s failed: %v", ai, err)
		}
		if len(pending) != 1 || pending[0].ID != id {
			t.Errorf("expected 1 pending event for %s, got %d", ai, len(pending))
		}
	}

	if err := store.MarkEventsSeen(ctx, "agent-b", nil); err != nil {
		t.Fatalf("MarkEventsSeen failed: %v", err)
	}
	pending, err := store.PendingEvents(ctx, "agent-b", time.Time{}, 0)
	if err != nil {
		t.Fatalf("PendingEvents failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected agent-b drained, got %d", len(pending))
	}
	// agent-c is unaffected.
	pending, err = store.PendingEvents(ctx, "agent-c", time.Time{}, 0)
	if err != nil {
		t.Fatalf("PendingEvents failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected agent-c still pending, got %d", len(pending))
	}
}

func TestPendingEventsOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		ev := &types.Event{
			ItemType:  types.ItemNote,
			ItemID:    fmt.Sprintf("%d", i),
			EventType: types.EventCreated,
			Actor:     "agent-a",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := store.RecordEvent(ctx, ev, []string{"agent-b"}); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	pending, err := store.PendingEvents(ctx, "agent-b", time.Time{}, 2)
	if err != nil {
		t.Fatalf("PendingEvents failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(pending))
	}
	if pending[0].ItemID != "0" || pending[1].ItemID != "1" {
		t.Errorf("expected oldest first, got %s then %s", pending[0].ItemID, pending[1].ItemID)
	}
}

func TestPendingEventsSinceWindow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ev := &types.Event{
		ItemType:  types.ItemNote,
		ItemID:    "1",
		EventType: types.EventCreated,
		Actor:     "agent-a",
		CreatedAt: time.Now().Add(-time.Minute),
	}
	if _, err := store.RecordEvent(ctx, ev, []string{"agent-b"}); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}

	// A cutoff newer than the event hides it without consuming it.
	pending, err := store.PendingEvents(ctx, "agent-b", time.Now(), 0)
	if err != nil {
		t.Fatalf("PendingEvents failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no events inside the window, got %d", len(pending))
	}

	// A wider pull still finds it pending.
	pending, err = store.PendingEvents(ctx, "agent-b", time.Now().Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("PendingEvents failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("event should survive the narrow pull, got %d pending", len(pending))
	}
}

func TestQueryEventsFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	seed := []*types.Event{
		{ItemType: types.ItemNote, ItemID: "1", EventType: types.EventCreated, Actor: "agent-a"},
		{ItemType: types.ItemNote, ItemID: "1", EventType: types.EventEdited, Actor: "agent-b"},
		{ItemType: types.ItemTask, ItemID: "7", EventType: types.EventClaimed, Actor: "agent-a"},
	}
	for _, ev := range seed {
		if _, err := store.RecordEvent(ctx, ev, nil); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	byItem, err := store.QueryEvents(ctx, types.EventFilter{ItemType: types.ItemNote, ItemID: "1"})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(byItem) != 2 {
		t.Errorf("expected 2 note events, got %d", len(byItem))
	}

	byActor, err := store.QueryEvents(ctx, types.EventFilter{Actor: "agent-a"})
	if err != nil {
		t.Fatalf("QueryEvents failed: %v", err)
	}
	if len(byActor) != 2 {
		t.Errorf("expected 2 events by agent-a, got %d", len(byActor))
	}
}

func TestCreateWatchUpsertAndCap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	w := &types.Watch{AIID: "agent-a", ItemType: types.ItemNote, ItemID: "5"}
	id, err := store.CreateWatch(ctx, w)
	if err != nil {
		t.Fatalf("CreateWatch failed: %v", err)
	}

	// Re-registering the same triple refreshes in place.
	again := &types.Watch{
		AIID: "agent-a", ItemType: types.ItemNote, ItemID: "5",
		EventTypes: []types.EventType{types.EventEdited},
	}
	againID, err := store.CreateWatch(ctx, again)
	if err != nil {
		t.Fatalf("repeat CreateWatch failed: %v", err)
	}
	if againID != id {
		t.Errorf("expected upsert to keep id %d, got %d", id, againID)
	}

	watches, err := store.ListWatches(ctx, "agent-a")
	if err != nil {
		t.Fatalf("ListWatches failed: %v", err)
	}
	if len(watches) != 1 || len(watches[0].EventTypes) != 1 {
		t.Errorf("expected 1 watch with refreshed event types, got %+v", watches)
	}

	for i := 1; i < types.MaxWatchesPerAI; i++ {
		w := &types.Watch{AIID: "agent-a", ItemType: types.ItemNote, ItemID: fmt.Sprintf("extra-%d", i)}
		if _, err := store.CreateWatch(ctx, w); err != nil {
			t.Fatalf("CreateWatch %d failed: %v", i, err)
		}
	}
	over := &types.Watch{AIID: "agent-a", ItemType: types.ItemNote, ItemID: "over-the-cap"}
	if _, err := store.CreateWatch(ctx, over); !errors.Is(err, storage.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}

	if err := store.DeleteWatch(ctx, "agent-a", id); err != nil {
		t.Fatalf("DeleteWatch failed: %v", err)
	}
	if err := store.DeleteWatch(ctx, "agent-a", id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for repeated delete, got %v", err)
	}
}

func TestAllWatchesScopedToTeambook(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	other := openStore(t, testTeambook(t)+"-other")

	seed := []*types.Watch{
		{AIID: "agent-a", ItemType: types.ItemNote, ItemID: "1"},
		{AIID: "agent-b", ItemType: types.ItemLock, ItemID: "deploy",
			EventTypes: []types.EventType{types.EventUnlocked}},
	}
	for _, w := range seed {
		if _, err := store.CreateWatch(ctx, w); err != nil {
			t.Fatalf("CreateWatch failed: %v", err)
		}
	}
	foreign := &types.Watch{AIID: "agent-c", ItemType: types.ItemNote, ItemID: "1"}
	if _, err := other.CreateWatch(ctx, foreign); err != nil {
		t.Fatalf("CreateWatch failed: %v", err)
	}

	watches, err := store.AllWatches(ctx)
	if err != nil {
		t.Fatalf("AllWatches failed: %v", err)
	}
	if len(watches) != 2 {
		t.Fatalf("expected 2 watches in this teambook, got %d", len(watches))
	}
	for _, w := range watches {
		if w.AIID == "agent-c" {
			t.Error("watch from another teambook leaked in")
		}
		if w.Teambook != store.Teambook() {
			t.Errorf("watch %d missing teambook stamp: %q", w.ID, w.Teambook)
		}
	}
	if len(watches[1].EventTypes) != 1 || watches[1].EventTypes[0] != types.EventUnlocked {
		t.Errorf("expected decoded event filter, got %v", watches[1].EventTypes)
	}
}

func TestTouchWatches(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	w := &types.Watch{AIID: "agent-a", ItemType: types.ItemChannel, ItemID: "general"}
	if _, err := store.CreateWatch(ctx, w); err != nil {
		t.Fatalf("CreateWatch failed: %v", err)
	}

	future := time.Now().Add(time.Hour)
	if err := store.TouchWatches(ctx, "agent-a", future); err != nil {
		t.Fatalf("TouchWatches failed: %v", err)
	}
	watches, err := store.ListWatches(ctx, "agent-a")
	if err != nil {
		t.Fatalf("ListWatches failed: %v", err)
	}
	if len(watches) != 1 || watches[0].LastActivity.Before(future.Add(-time.Second)) {
		t.Errorf("expected last_activity advanced, got %+v", watches)
	}
}
