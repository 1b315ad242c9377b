package eventbus

import (
	"context"

	"github.com/steveyegge/teambook/internal/types"
)

// Listener buffers bus events for callers that block on the next event
// instead of owning a long-lived handler: a standby waiter registers one,
// reads Events until satisfied, and unregisters.
type Listener struct {
	id string
	ch chan *types.Event
}

// NewListener creates a listener with the given id and buffer size.
// Transient listeners need unique ids for Unregister.
func NewListener(id string, buf int) *Listener {
	if buf <= 0 {
		buf = 16
	}
	return &Listener{id: id, ch: make(chan *types.Event, buf)}
}

func (l *Listener) ID() string                 { return l.id }
func (l *Listener) Handles() []types.EventType { return nil }
func (l *Listener) Priority() int              { return 90 }

// Events is the stream of dispatched events.
func (l *Listener) Events() <-chan *types.Event { return l.ch }

// Handle forwards the event, dropping it when the buffer is full so a
// stalled reader cannot block the dispatch chain.
func (l *Listener) Handle(ctx context.Context, e *types.Event) error {
	select {
	case l.ch <- e:
	default:
	}
	return nil
}
