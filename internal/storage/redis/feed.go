package redis

import (
	"context"
	"encoding/json"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

var _ storage.EventStreamer = (*Store)(nil)

// feedChannel is the pub/sub channel carrying the teambook's live event
// feed. Channels share the key naming scheme but live in Redis's separate
// channel namespace, so "feed" cannot collide with a data key.
func (s *Store) feedChannel() string { return s.key("feed") }

// feedEnvelope is the wire form of a pushed event. Origin identifies the
// publishing store so subscribers can drop their own echoes; like the
// persisted docs, the event travels without its teambook field and gets
// it restamped on receipt.
type feedEnvelope struct {
	Origin string       `json:"origin"`
	Event  *types.Event `json:"event"`
}

// PublishEvent pushes an already-committed event to live subscribers on
// this teambook's feed channel. Subscribers in the same process (same
// store) do not receive it back.
func (s *Store) PublishEvent(ctx context.Context, e *types.Event) error {
	wire := *e
	wire.Teambook = ""
	data, err := json.Marshal(feedEnvelope{Origin: s.origin, Event: &wire})
	if err != nil {
		return wrapDBError("encode feed event", err)
	}
	if err := s.client.Publish(ctx, s.feedChannel(), data).Err(); err != nil {
		return wrapDBError("publish event", err)
	}
	return nil
}

// SubscribeEvents returns a channel of events published by other stores
// sharing this teambook, plus a cancel function releasing the
// subscription. The channel closes on cancel, context cancellation, or
// connection loss. Malformed payloads and this store's own publishes are
// dropped silently.
func (s *Store) SubscribeEvents(ctx context.Context) (<-chan *types.Event, func(), error) {
	sub := s.client.Subscribe(ctx, s.feedChannel())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, wrapDBError("subscribe events", err)
	}

	out := make(chan *types.Event, 16)
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env feedEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Event == nil {
					continue
				}
				if env.Origin == s.origin {
					continue
				}
				env.Event.Teambook = s.teambook
				select {
				case out <- env.Event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
