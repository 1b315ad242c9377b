package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/steveyegge/teambook/internal/types"
)

// funcHandler adapts a closure into a Handler for tests.
type funcHandler struct {
	id       string
	events   []types.EventType
	priority int
	fn       func(ctx context.Context, e *types.Event) error
}

func (h *funcHandler) ID() string                 { return h.id }
func (h *funcHandler) Handles() []types.EventType { return h.events }
func (h *funcHandler) Priority() int              { return h.priority }

func (h *funcHandler) Handle(ctx context.Context, e *types.Event) error {
	if h.fn == nil {
		return nil
	}
	return h.fn(ctx, e)
}

func testEvent(et types.EventType) *types.Event {
	return &types.Event{
		ItemType:  types.ItemNote,
		ItemID:    "7",
		EventType: et,
		Actor:     "agent-a",
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	bus := New()
	var order []string
	record := func(id string) func(context.Context, *types.Event) error {
		return func(context.Context, *types.Event) error {
			order = append(order, id)
			return nil
		}
	}
	bus.Register(&funcHandler{id: "third", priority: 30, fn: record("third")})
	bus.Register(&funcHandler{id: "first", priority: 10, fn: record("first")})
	bus.Register(&funcHandler{id: "second", priority: 20, fn: record("second")})

	bus.Dispatch(context.Background(), testEvent(types.EventCreated))

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), order)
	}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("call %d: expected %s, got %s", i, id, order[i])
		}
	}
}

func TestDispatchFiltersEventTypes(t *testing.T) {
	bus := New()
	var calls []string
	bus.Register(&funcHandler{
		id:     "narrow",
		events: []types.EventType{types.EventCreated},
		fn: func(context.Context, *types.Event) error {
			calls = append(calls, "narrow")
			return nil
		},
	})
	// Empty Handles means every type.
	bus.Register(&funcHandler{
		id: "broad",
		fn: func(context.Context, *types.Event) error {
			calls = append(calls, "broad")
			return nil
		},
	})

	bus.Dispatch(context.Background(), testEvent(types.EventEdited))
	if len(calls) != 1 || calls[0] != "broad" {
		t.Errorf("expected only the broad handler, got %v", calls)
	}

	calls = nil
	bus.Dispatch(context.Background(), testEvent(types.EventCreated))
	if len(calls) != 2 {
		t.Errorf("expected both handlers for a created event, got %v", calls)
	}
}

func TestDispatchContinuesPastErrors(t *testing.T) {
	bus := New()
	reached := false
	bus.Register(&funcHandler{
		id: "failing", priority: 10,
		fn: func(context.Context, *types.Event) error {
			return errors.New("handler exploded")
		},
	})
	bus.Register(&funcHandler{
		id: "after", priority: 20,
		fn: func(context.Context, *types.Event) error {
			reached = true
			return nil
		},
	})

	bus.Dispatch(context.Background(), testEvent(types.EventCreated))
	if !reached {
		t.Error("a handler error should not stop the chain")
	}
}

func TestDispatchStopsOnCancelledContext(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	reached := false
	bus.Register(&funcHandler{
		id: "canceller", priority: 10,
		fn: func(context.Context, *types.Event) error {
			cancel()
			return nil
		},
	})
	bus.Register(&funcHandler{
		id: "after", priority: 20,
		fn: func(context.Context, *types.Event) error {
			reached = true
			return nil
		},
	})

	bus.Dispatch(ctx, testEvent(types.EventCreated))
	if reached {
		t.Error("dispatch should stop once the context is cancelled")
	}
}

func TestDispatchNilSafe(t *testing.T) {
	var nilBus *Bus
	nilBus.Dispatch(context.Background(), testEvent(types.EventCreated))
	if got := nilBus.Handlers(); got != nil {
		t.Errorf("nil bus should have no handlers, got %v", got)
	}

	bus := New()
	called := false
	bus.Register(&funcHandler{id: "h", fn: func(context.Context, *types.Event) error {
		called = true
		return nil
	}})
	bus.Dispatch(context.Background(), nil)
	if called {
		t.Error("nil events should not be dispatched")
	}
}

func TestUnregisterRemovesAllWithID(t *testing.T) {
	bus := New()
	var calls []string
	record := func(id string) *funcHandler {
		return &funcHandler{id: id, fn: func(context.Context, *types.Event) error {
			calls = append(calls, id)
			return nil
		}}
	}
	bus.Register(record("keep"))
	bus.Register(record("drop"))
	bus.Register(record("drop"))

	bus.Unregister("drop")
	bus.Dispatch(context.Background(), testEvent(types.EventCreated))

	if len(calls) != 1 || calls[0] != "keep" {
		t.Errorf("expected only the kept handler, got %v", calls)
	}
	if n := len(bus.Handlers()); n != 1 {
		t.Errorf("expected 1 registered handler, got %d", n)
	}
}

func TestListenerBuffersAndDrops(t *testing.T) {
	bus := New()
	lis := NewListener("waiter", 1)
	bus.Register(lis)

	bus.Dispatch(context.Background(), testEvent(types.EventCreated))
	bus.Dispatch(context.Background(), testEvent(types.EventEdited))

	// Buffer of one: the second event is dropped, not blocked on.
	select {
	case e := <-lis.Events():
		if e.EventType != types.EventCreated {
			t.Errorf("expected the first event, got %s", e.EventType)
		}
	default:
		t.Fatal("expected a buffered event")
	}
	select {
	case e := <-lis.Events():
		t.Errorf("expected the overflow event dropped, got %s", e.EventType)
	default:
	}

	bus.Unregister(lis.ID())
	bus.Dispatch(context.Background(), testEvent(types.EventDeleted))
	select {
	case <-lis.Events():
		t.Error("unregistered listener should hear nothing")
	default:
	}
}
