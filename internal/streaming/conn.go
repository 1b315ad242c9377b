package streaming

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/telemetry"
	"github.com/steveyegge/teambook/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// frame is the envelope for every message in either direction. Unused
// fields stay absent on the wire.
type frame struct {
	Type          string `json:"type"`
	ConnID        string `json:"conn_id,omitempty"`
	Token         string `json:"token,omitempty"`
	AIID          string `json:"ai_id,omitempty"`
	WatchesSynced *int   `json:"watches_synced,omitempty"`
	EventID       int64  `json:"event_id,omitempty"`
	ItemType      string `json:"item_type,omitempty"`
	ItemID        string `json:"item_id,omitempty"`
	EventType     string `json:"event_type,omitempty"`
	Summary       string `json:"summary,omitempty"`
	ActorAIID     string `json:"actor_ai_id,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Conn is one live client. Writes serialize on writeMu; everything else
// mutable sits behind mu.
type Conn struct {
	id    string
	token string
	hint  string // ai_id query hint from the connect request
	ws    *websocket.Conn
	now   func() time.Time

	writeMu sync.Mutex

	mu       sync.Mutex
	aiID     string
	isAuthed bool
	subs     []*types.Watch
	last     time.Time
	winStart time.Time
	winCount int
	closed   bool
}

// ServeHTTP upgrades the request and runs the connection until the
// client goes away or the reaper evicts it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Logf("streaming: upgrade failed: %v\n", err)
		return
	}

	c := &Conn{
		id:    uuid.NewString(),
		token: newToken(),
		hint:  r.URL.Query().Get("ai_id"),
		ws:    ws,
		now:   h.now,
		last:  h.now(),
	}
	h.register(c)
	telemetry.StreamConnected(r.Context(), 1)
	defer func() {
		h.unregister(c)
		c.close()
		telemetry.StreamConnected(r.Context(), -1)
	}()

	c.send(frame{Type: "auth_required", ConnID: c.id, Token: c.token})
	c.readLoop(h, r)
}

func (c *Conn) readLoop(h *Hub, r *http.Request) {
	c.ws.SetReadLimit(64 * 1024)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debug.Logf("streaming: read error on %s: %v\n", c.id, err)
			}
			return
		}
		c.touch()

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.send(frame{Type: "error", Error: "invalid_frame"})
			continue
		}

		switch f.Type {
		case "auth":
			c.handleAuth(h, r, f)
		case "ping":
			c.send(frame{Type: "pong"})
		case "ack":
			if c.authed() && f.EventID > 0 {
				if err := h.store().MarkEventsSeen(r.Context(), c.AIID(), []int64{f.EventID}); err != nil {
					debug.Logf("streaming: ack %d failed: %v\n", f.EventID, err)
				}
			}
		default:
			c.send(frame{Type: "error", Error: "unknown_type"})
		}
	}
}

func (c *Conn) handleAuth(h *Hub, r *http.Request, f frame) {
	owner, ok := h.redeem(f.Token)
	if !ok || owner != c {
		c.send(frame{Type: "error", Error: "auth_failed"})
		return
	}
	aiID := f.AIID
	if aiID == "" {
		aiID = c.hint
	}
	if aiID == "" {
		c.send(frame{Type: "error", Error: "auth_failed"})
		return
	}

	c.mu.Lock()
	c.aiID = aiID
	c.isAuthed = true
	c.mu.Unlock()

	synced := h.syncWatches(r.Context(), c)
	c.send(frame{Type: "connected", ConnID: c.id, AIID: aiID, WatchesSynced: &synced})
}

// pushEvent writes one event frame. Errors close the connection; the
// read loop notices on its next read.
func (c *Conn) pushEvent(e *types.Event) {
	c.send(frame{
		Type:      "event",
		EventID:   e.ID,
		ItemType:  string(e.ItemType),
		ItemID:    e.ItemID,
		EventType: string(e.EventType),
		Summary:   e.Summary,
		ActorAIID: e.Actor,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (c *Conn) send(f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		debug.Logf("streaming: write on %s failed: %v\n", c.id, err)
	}
}

// wants reports whether any synced watch covers the event.
func (c *Conn) wants(e *types.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.subs {
		if w.Matches(e) {
			return true
		}
	}
	return false
}

// allowPush enforces the per-connection push rate over one-second
// windows.
func (c *Conn) allowPush(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.winStart) >= time.Second {
		c.winStart = now
		c.winCount = 0
	}
	if c.winCount >= MaxEventsPerSecond {
		return false
	}
	c.winCount++
	return true
}

func (c *Conn) setSubscriptions(subs []*types.Watch) {
	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()
}

// AIID returns the authenticated identity, empty before auth.
func (c *Conn) AIID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aiID
}

func (c *Conn) authed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isAuthed
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.last = c.now()
	c.mu.Unlock()
}

func (c *Conn) lastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.ws.Close()
}

// newToken mints a 64-hex-character single-use auth token.
func newToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
