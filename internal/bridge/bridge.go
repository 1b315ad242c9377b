// Package bridge provides file-level interop for hosts that cannot
// reach a shared backend: a state file announcing which AIs are around
// and a capped message file they can exchange through. Both live in the
// shared storage root and are written atomically, so concurrent
// processes see whole documents or nothing.
package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/teambook/internal/utils"
)

const (
	stateFileName    = "_bridge_state.json"
	messagesFileName = "_bridge_messages.json"

	// MaxMessages caps the message file; the oldest entries fall off
	// first (FIFO eviction).
	MaxMessages = 100
)

// Peer is one AI's entry in the bridge state file.
type Peer struct {
	AIID      string    `json:"ai_id"`
	Teambook  string    `json:"teambook,omitempty"`
	Operation string    `json:"operation,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// Message is one bridge message. To is empty for broadcasts.
type Message struct {
	ID      string    `json:"id"`
	From    string    `json:"from"`
	To      string    `json:"to,omitempty"`
	Content string    `json:"content"`
	Created time.Time `json:"created"`
	ReadBy  []string  `json:"read_by,omitempty"`
}

// Bridge reads and writes the shared files under root. The mutex only
// covers this process; cross-process consistency comes from atomic
// file replacement.
type Bridge struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// Open binds a bridge to the shared root directory, creating it when
// missing.
func Open(root string) (*Bridge, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create bridge root: %w", err)
	}
	return &Bridge{root: root, now: time.Now}, nil
}

// Announce upserts the caller's entry in the state file.
func (b *Bridge) Announce(p Peer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	peers, err := b.loadState()
	if err != nil {
		return err
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = b.now().UTC()
	}
	peers[p.AIID] = p
	return b.saveJSON(stateFileName, peers)
}

// Peers lists every announced AI, most recently seen first.
func (b *Bridge) Peers() ([]Peer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	peers, err := b.loadState()
	if err != nil {
		return nil, err
	}
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

// Post appends a message, evicting the oldest entries past MaxMessages.
func (b *Bridge) Post(from, to, content string) (*Message, error) {
	if content == "" {
		return nil, fmt.Errorf("bridge message content is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs, err := b.loadMessages()
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		Content: content,
		Created: b.now().UTC(),
	}
	msgs = append(msgs, msg)
	if len(msgs) > MaxMessages {
		msgs = msgs[len(msgs)-MaxMessages:]
	}
	if err := b.saveJSON(messagesFileName, msgs); err != nil {
		return nil, err
	}
	return msg, nil
}

// Messages returns messages visible to aiID: broadcasts plus DMs
// addressed to it, oldest first. With unreadOnly, messages aiID has
// already read are skipped; markRead records the read without mutating
// what the caller sees.
func (b *Bridge) Messages(aiID string, unreadOnly, markRead bool) ([]*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs, err := b.loadMessages()
	if err != nil {
		return nil, err
	}

	var out []*Message
	dirty := false
	for _, m := range msgs {
		if m.To != "" && m.To != aiID {
			continue
		}
		read := contains(m.ReadBy, aiID)
		if unreadOnly && read {
			continue
		}
		out = append(out, m)
		if markRead && !read {
			m.ReadBy = append(m.ReadBy, aiID)
			dirty = true
		}
	}
	if dirty {
		if err := b.saveJSON(messagesFileName, msgs); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *Bridge) loadState() (map[string]Peer, error) {
	peers := make(map[string]Peer)
	if err := b.loadJSON(stateFileName, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func (b *Bridge) loadMessages() ([]*Message, error) {
	var msgs []*Message
	if err := b.loadJSON(messagesFileName, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// loadJSON decodes one bridge file into dst; a missing or corrupt file
// reads as empty, since the bridge is best-effort interop rather than a
// durability layer.
func (b *Bridge) loadJSON(name string, dst any) error {
	data, err := os.ReadFile(filepath.Join(b.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return nil
	}
	return nil
}

func (b *Bridge) saveJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return utils.AtomicWriteFile(filepath.Join(b.root, name), data, 0600)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
