package eventbus

import (
	"context"

	"github.com/steveyegge/teambook/internal/types"
)

// Handler consumes events from the bus. Handlers are called in priority
// order (lower value = called earlier) for matching event types.
type Handler interface {
	// ID identifies this handler. Unregister removes handlers by id, so
	// transient handlers must use unique ids.
	ID() string

	// Handles returns the event types this handler consumes. Empty means
	// every type.
	Handles() []types.EventType

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes a single event. Returning an error logs a warning
	// but does not stop the handler chain.
	Handle(ctx context.Context, e *types.Event) error
}
