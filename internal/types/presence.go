package types

import "time"

// Presence thresholds.
const (
	PresenceOnlineWithin = 2 * time.Minute
	PresenceAwayWithin   = 15 * time.Minute
	PresenceRetention    = 30 * 24 * time.Hour

	MaxStatusMessage = 200
)

// PresenceStatus is derived from an AI's last-seen timestamp, never stored.
type PresenceStatus string

// Presence statuses
const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Presence records an AI's last activity and optional free-form status line.
// LastOperation names the most recent kernel verb the AI ran.
type Presence struct {
	AIID          string    `json:"ai_id"`
	Teambook      string    `json:"teambook,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
	LastOperation string    `json:"last_operation,omitempty"`
	StatusMessage string    `json:"status_message,omitempty"`
}

// Status derives the presence bucket from LastSeen as of now.
func (p *Presence) Status(now time.Time) PresenceStatus {
	since := now.Sub(p.LastSeen)
	switch {
	case since < PresenceOnlineWithin:
		return PresenceOnline
	case since < PresenceAwayWithin:
		return PresenceAway
	default:
		return PresenceOffline
	}
}
