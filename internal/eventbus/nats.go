package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/steveyegge/teambook/internal/types"
)

// EnvNATSURL names the environment variable that enables the NATS mirror.
const EnvNATSURL = "TEAMBOOK_NATS_URL"

// subjectPrefix is the subject prefix for mirrored events.
const subjectPrefix = "teambook.events."

// SubjectForEvent returns the NATS subject an event type is mirrored on.
// Consumers subscribe to "teambook.events.>" for everything.
func SubjectForEvent(eventType types.EventType) string {
	return subjectPrefix + string(eventType)
}

// eventPublisher is the part of *nats.Conn the mirror uses.
type eventPublisher interface {
	Publish(subj string, data []byte) error
}

// NATSMirror republishes every bus event to a NATS subject, giving
// external systems a live feed without a storage dependency. Deployments
// with several nodes on one shared backend should enable the mirror on a
// single node, or consumers see one copy per node.
type NATSMirror struct {
	conn  eventPublisher
	drain func()
}

// NewNATSMirror connects to the NATS server at url and returns a mirror
// handler ready to register on a bus.
func NewNATSMirror(url string) (*NATSMirror, error) {
	nc, err := nats.Connect(url, nats.Name("teambook-mirror"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSMirror{conn: nc, drain: func() { _ = nc.Drain() }}, nil
}

// MirrorFromEnv builds a mirror when TEAMBOOK_NATS_URL is set and returns
// (nil, nil) when it is not.
func MirrorFromEnv() (*NATSMirror, error) {
	url := os.Getenv(EnvNATSURL)
	if url == "" {
		return nil, nil
	}
	return NewNATSMirror(url)
}

// Close drains the NATS connection, flushing buffered publishes.
func (h *NATSMirror) Close() {
	if h != nil && h.drain != nil {
		h.drain()
	}
}

func (h *NATSMirror) ID() string                 { return "nats-mirror" }
func (h *NATSMirror) Handles() []types.EventType { return nil }
func (h *NATSMirror) Priority() int              { return 70 }

// Handle publishes the event JSON on its type subject.
func (h *NATSMirror) Handle(ctx context.Context, e *types.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("nats mirror: marshal event: %w", err)
	}
	if err := h.conn.Publish(SubjectForEvent(e.EventType), data); err != nil {
		return fmt.Errorf("nats mirror: publish: %w", err)
	}
	return nil
}
