package types

import (
	"fmt"
	"strings"
	"time"
)

// Messaging limits.
const (
	DefaultMessageTTL = 24 * time.Hour
	MinMessageTTL     = 1 * time.Hour
	MaxMessageTTL     = 168 * time.Hour // one week
	MessagesPerMinute = 100
	MaxSubscriptions  = 20
)

// DMChannel is the sentinel channel name for direct messages.
const DMChannel = "_dm"

// Message is an expiring channel broadcast or direct message. Direct
// messages carry the DMChannel sentinel plus a recipient; broadcasts name
// a real channel and leave the recipient empty.
type Message struct {
	ID        int64      `json:"id"`
	Sender    string     `json:"sender"`
	Channel   string     `json:"channel,omitempty"`
	Recipient string     `json:"recipient,omitempty"`
	Content   string     `json:"content"`
	Summary   string     `json:"summary,omitempty"`
	ReplyTo   *int64     `json:"reply_to,omitempty"`
	Teambook  string     `json:"teambook,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"` // DMs only
	Signature string     `json:"signature,omitempty"`
	Envelope  string     `json:"envelope,omitempty"` // signed envelope JSON
}

// Direct reports whether the message is a DM rather than a channel broadcast.
func (m *Message) Direct() bool {
	return m.Recipient != ""
}

// Expired reports whether the message TTL has lapsed as of now.
func (m *Message) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// SetDefaults normalizes the channel/recipient pair: DMs get the DMChannel
// sentinel, and an over-long summary is trimmed.
func (m *Message) SetDefaults() {
	if m.Recipient != "" {
		m.Channel = DMChannel
	}
	if len(m.Summary) > MaxMessageSummary {
		m.Summary = m.Summary[:MaxMessageSummary]
	}
}

// Validate checks the message's field values before sending.
func (m *Message) Validate() error {
	if len(m.Content) == 0 {
		return fmt.Errorf("message content is required")
	}
	if len(m.Content) > MaxContentLength {
		return fmt.Errorf("message content must be %d characters or less (got %d)", MaxContentLength, len(m.Content))
	}
	if m.Recipient != "" {
		if m.Channel != "" && m.Channel != DMChannel {
			return fmt.Errorf("message cannot have both channel and recipient")
		}
		return nil
	}
	if m.Channel == "" {
		return fmt.Errorf("message requires a channel or recipient")
	}
	if m.Channel == DMChannel {
		return fmt.Errorf("direct messages require a recipient")
	}
	if !ValidChannelName(m.Channel) {
		return fmt.Errorf("invalid channel name: %s", m.Channel)
	}
	return nil
}

// ValidChannelName checks the channel naming rule: lowercase alphanumeric
// plus dash/underscore, up to MaxChannelName characters.
func ValidChannelName(name string) bool {
	if name == "" || len(name) > MaxChannelName {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// NormalizeChannel lowercases and trims a channel name for comparison.
func NormalizeChannel(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ClampMessageTTL bounds a requested TTL to [MinMessageTTL, MaxMessageTTL],
// substituting the default for zero or negative requests.
func ClampMessageTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultMessageTTL
	}
	if ttl < MinMessageTTL {
		return MinMessageTTL
	}
	if ttl > MaxMessageTTL {
		return MaxMessageTTL
	}
	return ttl
}

// Subscription records an AI's interest in a channel so inbox reads can
// include its broadcasts.
type Subscription struct {
	AIID      string    `json:"ai_id"`
	Channel   string    `json:"channel"`
	Teambook  string    `json:"teambook,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageFilter selects messages for inbox and channel reads. Thread
// narrows to one conversation: the root message plus its replies.
// SinceID supports incremental polling by message id.
type MessageFilter struct {
	Teambook   string
	Channel    string
	Recipient  string // inbox reads: DMs addressed to this AI
	Sender     string
	UnreadOnly bool
	After      *time.Time
	SinceID    int64
	Thread     *int64
	Limit      int
}
