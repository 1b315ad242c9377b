// Package eventbus distributes committed teambook events to in-process
// consumers: streaming connections, standby waiters, shell hooks, and the
// optional NATS mirror. Dispatch runs handlers sequentially in priority
// order and never fails the write that produced the event; handler errors
// are logged and the chain continues.
//
// Cross-process delivery composes with the storage layer. The Emitter
// records events durably, fans out delivery rows to matching watchers,
// and pushes over the backend's live feed when it has one; RunBridge
// pumps events committed by other processes back into the local bus.
package eventbus

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/steveyegge/teambook/internal/types"
)

// Bus dispatches events to registered handlers. A nil *Bus is valid and
// drops everything, so wiring stays unconditional in callers that may
// run without an event layer.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{}
}

// Register adds a handler to the bus. Handlers are sorted by priority on
// each Dispatch call, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Unregister removes every handler with the given id. Transient handlers
// (stream connections, standby waiters) unregister when their consumer
// goes away.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.handlers[:0]
	for _, h := range b.handlers {
		if h.ID() != id {
			kept = append(kept, h)
		}
	}
	b.handlers = kept
}

// Dispatch sends an event to all registered handlers that cover its type,
// sequentially in priority order (lowest first). Handler errors are
// logged but do not stop the chain; context cancellation does.
func (b *Bus) Dispatch(ctx context.Context, e *types.Event) {
	if b == nil || e == nil {
		return
	}

	b.mu.RLock()
	matching := b.matchingHandlers(e.EventType)
	b.mu.RUnlock()

	for _, h := range matching {
		if ctx.Err() != nil {
			return
		}
		if err := h.Handle(ctx, e); err != nil {
			log.Printf("eventbus: handler %q error for %s %s: %v", h.ID(), e.EventType, e.ItemType, err)
		}
	}
}

// Handlers returns all registered handlers (for status reporting).
func (b *Bus) Handlers() []Handler {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// matchingHandlers returns handlers covering the given event type, sorted
// by priority (lowest first). Must be called with at least a read lock held.
func (b *Bus) matchingHandlers(eventType types.EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		if handlerWants(h, eventType) {
			matched = append(matched, h)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}

func handlerWants(h Handler, eventType types.EventType) bool {
	wants := h.Handles()
	if len(wants) == 0 {
		return true
	}
	for _, t := range wants {
		if t == eventType {
			return true
		}
	}
	return false
}
