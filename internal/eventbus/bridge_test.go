package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/steveyegge/teambook/internal/storage/redis"
	"github.com/steveyegge/teambook/internal/types"
)

func openFeedStore(t *testing.T, mr *miniredis.Miniredis, teambook string) *redis.Store {
	t.Helper()
	store, err := redis.Open(context.Background(), "redis://"+mr.Addr(), teambook)
	if err != nil {
		t.Fatalf("failed to open redis store: %v", err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Errorf("failed to close redis store: %v", cerr)
		}
	})
	return store
}

func TestBridgeForwardsRemoteEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	local := openFeedStore(t, mr, "bridge-test")
	remote := openFeedStore(t, mr, "bridge-test")

	bus := New()
	lis := NewListener("bridge-probe", 16)
	bus.Register(lis)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- RunBridge(ctx, local, bus) }()

	ev := &types.Event{
		ItemType:  types.ItemNote,
		ItemID:    "42",
		EventType: types.EventEdited,
		Actor:     "agent-a",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	// The bridge subscribes asynchronously; republish until it hears us.
	var got *types.Event
	deadline := time.Now().Add(2 * time.Second)
	for got == nil {
		if time.Now().After(deadline) {
			t.Fatal("bridge never delivered the event")
		}
		if err := remote.PublishEvent(ctx, ev); err != nil {
			t.Fatalf("PublishEvent failed: %v", err)
		}
		select {
		case e := <-lis.Events():
			got = e
		case <-time.After(50 * time.Millisecond):
		}
	}
	if got.ItemID != "42" || got.EventType != types.EventEdited {
		t.Errorf("unexpected event through the bridge: %+v", got)
	}
	if got.Teambook != "bridge-test" {
		t.Errorf("expected the teambook stamped, got %q", got.Teambook)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunBridge returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunBridge did not stop on cancel")
	}
}

func TestBridgeWithoutFeedReturns(t *testing.T) {
	store := newEmitStore(t) // sqlite has no live feed
	if err := RunBridge(context.Background(), store, New()); err != nil {
		t.Fatalf("expected an immediate nil return, got %v", err)
	}
}
