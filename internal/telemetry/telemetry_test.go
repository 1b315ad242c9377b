package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/teambook/internal/types"
)

func TestInitDisabledIsNoop(t *testing.T) {
	t.Setenv("TEAMBOOK_TELEMETRY", "")

	if Enabled() {
		t.Fatal("telemetry should be disabled by default")
	}
	if err := Init(context.Background(), "teambook-test", "0.0.0"); err != nil {
		t.Fatalf("disabled init failed: %v", err)
	}
	if len(shutdownFns) != 0 {
		t.Fatalf("disabled init registered %d shutdown hooks", len(shutdownFns))
	}

	// Instruments against the no-op provider must be safe to use.
	CountVerb(context.Background(), "write_note", true)
	StreamConnected(context.Background(), 1)
	StreamConnected(context.Background(), -1)
	CountSwept(context.Background(), "messages", 3)
	Shutdown(context.Background())
}

func TestObserverHandle(t *testing.T) {
	var o Observer
	if err := o.Handle(context.Background(), nil); err != nil {
		t.Fatalf("nil event should be ignored: %v", err)
	}
	e := &types.Event{
		ItemType:  types.ItemNote,
		ItemID:    "1",
		EventType: types.EventCreated,
		Actor:     "test-agent",
		CreatedAt: time.Now(),
	}
	if err := o.Handle(context.Background(), e); err != nil {
		t.Fatalf("observer should never error: %v", err)
	}
	if got := o.Handles(); got != nil {
		t.Fatalf("observer should handle all event types, got filter %v", got)
	}
}
