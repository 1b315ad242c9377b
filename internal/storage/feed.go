package storage

import (
	"context"

	"github.com/steveyegge/teambook/internal/types"
)

// EventStreamer extends Store with live event push. This interface is
// implemented by storage backends with a native pub/sub channel (e.g.
// redis), letting one process observe events committed by another without
// polling.
//
// Not all storage backends support live push. Use IsStreaming() to check
// whether a store supports these operations before calling them; callers
// without a streamer fall back to polling PendingEvents.
type EventStreamer interface {
	Store

	// PublishEvent pushes an already-committed event to live subscribers.
	// Publish failures must not be treated as write failures; the event
	// remains durable in the store either way.
	PublishEvent(ctx context.Context, e *types.Event) error

	// SubscribeEvents returns a channel of events committed by any process
	// sharing this backend, plus a cancel function that releases the
	// subscription. The channel is closed on cancel or connection loss.
	SubscribeEvents(ctx context.Context) (<-chan *types.Event, func(), error)
}

// IsStreaming checks if a store instance supports live event push.
// Returns true if the store implements EventStreamer.
func IsStreaming(s Store) bool {
	_, ok := s.(EventStreamer)
	return ok
}

// AsStreamer attempts to cast a Store to EventStreamer.
// Returns the EventStreamer and true if successful, nil and false otherwise.
//
// Example usage:
//
//	if es, ok := storage.AsStreamer(store); ok {
//	    _ = es.PublishEvent(ctx, event)
//	}
func AsStreamer(s Store) (EventStreamer, bool) {
	es, ok := s.(EventStreamer)
	return es, ok
}
