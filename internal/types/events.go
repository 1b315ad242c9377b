package types

import (
	"fmt"
	"time"
)

// Event system limits.
const (
	MaxWatchesPerAI    = 50
	MaxEventSummary    = 500 // event summary is a truncated preview
	EventRetention     = 7 * 24 * time.Hour
	EventQueryPerMin   = 100
	WatchInactiveAfter = 24 * time.Hour
)

// ItemType names the kind of item an event or watch refers to.
type ItemType string

// Item types observable through the event system.
const (
	ItemNote         ItemType = "note"
	ItemLock         ItemType = "lock"
	ItemChannel      ItemType = "channel"
	ItemEvolution    ItemType = "evolution"
	ItemContribution ItemType = "contribution"
	ItemTask         ItemType = "task"
	ItemMessage      ItemType = "message"
)

// IsValid checks the item type value.
func (t ItemType) IsValid() bool {
	switch t {
	case ItemNote, ItemLock, ItemChannel, ItemEvolution, ItemContribution, ItemTask, ItemMessage:
		return true
	}
	return false
}

// EventType names what happened to an item.
type EventType string

// Event types emitted by kernel operations.
const (
	EventCreated     EventType = "created"
	EventEdited      EventType = "edited"
	EventDeleted     EventType = "deleted"
	EventPinned      EventType = "pinned"
	EventUnpinned    EventType = "unpinned"
	EventClaimed     EventType = "claimed"
	EventReleased    EventType = "released"
	EventAssigned    EventType = "assigned"
	EventCompleted   EventType = "completed"
	EventLocked      EventType = "locked"
	EventUnlocked    EventType = "unlocked"
	EventSent        EventType = "sent"
	EventReceived    EventType = "received"
	EventContributed EventType = "contributed"
	EventSynthesized EventType = "synthesized"
	EventRanked      EventType = "ranked"
	EventVoted       EventType = "voted"
)

// IsValid checks the event type value.
func (t EventType) IsValid() bool {
	switch t {
	case EventCreated, EventEdited, EventDeleted, EventPinned, EventUnpinned,
		EventClaimed, EventReleased, EventAssigned, EventCompleted,
		EventLocked, EventUnlocked, EventSent, EventReceived,
		EventContributed, EventSynthesized, EventRanked, EventVoted:
		return true
	}
	return false
}

// Event records that something happened to an item. Summary carries a
// preview truncated to MaxEventSummary; events expire after EventRetention.
type Event struct {
	ID        int64     `json:"id"`
	ItemType  ItemType  `json:"item_type"`
	ItemID    string    `json:"item_id"`
	EventType EventType `json:"event_type"`
	Actor     string    `json:"actor"`
	Teambook  string    `json:"teambook,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Validate checks the event's field values before recording.
func (e *Event) Validate() error {
	if !e.ItemType.IsValid() {
		return fmt.Errorf("invalid item type: %s", e.ItemType)
	}
	if !e.EventType.IsValid() {
		return fmt.Errorf("invalid event type: %s", e.EventType)
	}
	if e.ItemID == "" {
		return fmt.Errorf("item id is required")
	}
	return nil
}

// SetDefaults truncates the summary and applies the retention window.
func (e *Event) SetDefaults() {
	if len(e.Summary) > MaxEventSummary {
		e.Summary = e.Summary[:MaxEventSummary]
	}
	if e.ExpiresAt.IsZero() && !e.CreatedAt.IsZero() {
		e.ExpiresAt = e.CreatedAt.Add(EventRetention)
	}
}

// Watch is a registered interest in events on an item, a whole item type,
// or everything in a teambook. Empty ItemID matches every item of ItemType;
// empty ItemType matches every type. EventTypes narrows delivery to the
// listed verbs; empty means all.
type Watch struct {
	ID           int64       `json:"id"`
	AIID         string      `json:"ai_id"`
	ItemType     ItemType    `json:"item_type,omitempty"`
	ItemID       string      `json:"item_id,omitempty"`
	EventTypes   []EventType `json:"event_types,omitempty"`
	Teambook     string      `json:"teambook,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActivity time.Time   `json:"last_activity"`
}

// Matches reports whether the watch covers the given event.
func (w *Watch) Matches(e *Event) bool {
	if w.Teambook != "" && w.Teambook != e.Teambook {
		return false
	}
	if w.ItemType != "" && w.ItemType != e.ItemType {
		return false
	}
	if w.ItemID != "" && w.ItemID != e.ItemID {
		return false
	}
	if len(w.EventTypes) > 0 {
		found := false
		for _, et := range w.EventTypes {
			if et == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// EventDelivery marks an event as addressed to a watching AI. Seen flips
// when the AI pulls the event, so repeated checks see each event once.
type EventDelivery struct {
	EventID     int64     `json:"event_id"`
	AIID        string    `json:"ai_id"`
	Seen        bool      `json:"seen"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// EventFilter selects events for check/query reads.
type EventFilter struct {
	Teambook  string
	ItemType  ItemType
	ItemID    string
	EventType EventType
	Actor     string
	Since     *time.Time
	Limit     int
}

// Stream connection statuses
const (
	StreamPending   = "pending" // issued token, not yet authenticated
	StreamConnected = "connected"
)

// StreamConnection tracks one live streaming client.
type StreamConnection struct {
	ConnID      string    `json:"conn_id"`
	AIID        string    `json:"ai_id,omitempty"`
	AuthToken   string    `json:"-"` // single-use, cleared at auth
	Status      string    `json:"status"`
	Teambook    string    `json:"teambook,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPing    time.Time `json:"last_ping"`
	EventsSent  int64     `json:"events_sent"`
}

// CoordinationEvent is an append-only audit row for cross-cutting
// coordination activity (standby/wake flows, ambient milestones).
type CoordinationEvent struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	AIID      string    `json:"ai_id"`
	Teambook  string    `json:"teambook,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	TaskID    *int64    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
