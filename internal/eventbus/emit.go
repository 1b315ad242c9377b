package eventbus

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// sweepChance is the probability that an emit also runs an expiry sweep.
// Deployments without the serve daemon still shed expired rows this way.
const sweepChance = 0.1

// Emitter turns a committed state change into notifications: a durable
// delivery row for every matching watcher, a dispatch on the local bus,
// and a push over the storage backend's live feed when it has one.
type Emitter struct {
	store storage.Store
	bus   *Bus
	dice  func() float64
}

// NewEmitter builds an emitter over a store and bus. The bus may be nil;
// events are then recorded and delivered but nothing is pushed in-process.
func NewEmitter(store storage.Store, bus *Bus) *Emitter {
	return &Emitter{store: store, bus: bus, dice: rand.Float64}
}

// Bus returns the bus this emitter dispatches on.
func (m *Emitter) Bus() *Bus {
	if m == nil {
		return nil
	}
	return m.bus
}

// Emit records the event with delivery rows for every watcher whose watch
// covers it, then notifies live consumers. Recording is the only step
// that can fail; bus handlers and feed publishes never report errors back
// to the write path. A nil emitter or event is a no-op.
func (m *Emitter) Emit(ctx context.Context, e *types.Event) (int64, error) {
	if m == nil || e == nil {
		return 0, nil
	}
	if e.Teambook == "" {
		e.Teambook = m.store.Teambook()
	}

	recipients, err := m.recipients(ctx, e)
	if err != nil {
		return 0, err
	}
	id, err := m.store.RecordEvent(ctx, e, recipients)
	if err != nil {
		return 0, err
	}

	m.bus.Dispatch(ctx, e)
	if es, ok := storage.AsStreamer(m.store); ok {
		if err := es.PublishEvent(ctx, e); err != nil {
			log.Printf("eventbus: feed publish for %s %s: %v", e.ItemType, e.ItemID, err)
		}
	}

	if m.dice() < sweepChance {
		if _, err := m.store.Sweep(ctx, time.Now()); err != nil {
			log.Printf("eventbus: opportunistic sweep: %v", err)
		}
	}
	return id, nil
}

// Notify builds and emits an event, logging failure instead of returning
// it. For call sites where the triggering write has already committed and
// must not be failed retroactively.
func (m *Emitter) Notify(ctx context.Context, itemType types.ItemType, itemID string, eventType types.EventType, actor, summary string) {
	if m == nil {
		return
	}
	e := &types.Event{
		ItemType:  itemType,
		ItemID:    itemID,
		EventType: eventType,
		Actor:     actor,
		Summary:   summary,
	}
	if _, err := m.Emit(ctx, e); err != nil {
		log.Printf("eventbus: emit %s %s %s: %v", eventType, itemType, itemID, err)
	}
}

// recipients matches the event against every watch in the teambook. The
// actor is not excluded: watching your own item means hearing about it.
func (m *Emitter) recipients(ctx context.Context, e *types.Event) ([]string, error) {
	watches, err := m.store.AllWatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to match watches: %w", err)
	}
	var out []string
	for _, w := range watches {
		if w.Matches(e) {
			out = append(out, w.AIID)
		}
	}
	return out, nil
}
