// Package streaming pushes teambook events to long-lived WebSocket
// clients. The protocol is text frames carrying JSON:
//
//	server → client on connect:  {"type":"auth_required","conn_id":...,"token":...}
//	client → server:             {"type":"auth","token":...}
//	server → client:             {"type":"connected","conn_id":...,"ai_id":...,"watches_synced":N}
//	client heartbeat:            {"type":"ping"} → {"type":"pong"}
//	server events:               {"type":"event","event_id":...,...}
//	client ack (optional):       {"type":"ack","event_id":N}
//	errors:                      {"type":"error","error":"<code>"}
//
// Auth tokens are single-use and expire after TokenTTL. Connections
// idle longer than IdleTimeout are evicted; clients that miss the push
// can always pull the same events through get_events, since events stay
// durable until their retention expires.
package streaming

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

const (
	// TokenTTL bounds how long an issued auth token stays redeemable.
	TokenTTL = 24 * time.Hour
	// IdleTimeout evicts connections that stop pinging.
	IdleTimeout = 5 * time.Minute
	// MaxEventsPerSecond is the per-connection push rate limit. Excess
	// events are dropped from the push path; they remain pullable.
	MaxEventsPerSecond = 100
)

// StoreFunc resolves the active store at call time, so a teambook
// switch in the daemon is picked up without rebuilding the hub.
type StoreFunc func() storage.Store

// Hub owns the live connections and fans committed events out to them.
// It is registered on the event bus as a handler; Run starts the idle
// reaper.
type Hub struct {
	store  StoreFunc
	tokens *gocache.Cache // token → conn_id
	now    func() time.Time

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub builds a hub reading watches through store.
func NewHub(store StoreFunc) *Hub {
	return &Hub{
		store:  store,
		tokens: gocache.New(TokenTTL, 10*time.Minute),
		now:    time.Now,
		conns:  make(map[string]*Conn),
	}
}

// Run reaps idle connections until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.evictIdle()
		}
	}
}

// ID, Handles, and Priority satisfy the event bus handler contract.
func (h *Hub) ID() string                 { return "streaming" }
func (h *Hub) Handles() []types.EventType { return nil }
func (h *Hub) Priority() int              { return 80 }

// Handle pushes one committed event to every authenticated connection
// with a matching watch. Push failures only ever cost the push; the
// event stays durable for polling.
func (h *Hub) Handle(ctx context.Context, e *types.Event) error {
	if e == nil {
		return nil
	}
	for _, c := range h.authenticated() {
		if !c.wants(e) {
			continue
		}
		if !c.allowPush(h.now()) {
			debug.Logf("streaming: rate limit dropped event %d for %s\n", e.ID, c.AIID())
			continue
		}
		c.pushEvent(e)
	}
	return nil
}

// Stats reports connection counts for the status surface.
func (h *Hub) Stats() (total, authenticated int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		total++
		if c.authed() {
			authenticated++
		}
	}
	return total, authenticated
}

func (h *Hub) authenticated() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.authed() {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.tokens.Set(c.token, c.id, TokenTTL)
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

// redeem consumes a token, returning the connection it was issued for.
// Tokens are single-use: a second redemption fails.
func (h *Hub) redeem(token string) (*Conn, bool) {
	v, ok := h.tokens.Get(token)
	if !ok {
		return nil, false
	}
	h.tokens.Delete(token)
	connID, _ := v.(string)
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	return c, ok
}

// syncWatches loads the AI's watches into the connection's subscription
// set. Called at auth and again whenever the AI changes its watches.
func (h *Hub) syncWatches(ctx context.Context, c *Conn) int {
	watches, err := h.store().ListWatches(ctx, c.AIID())
	if err != nil {
		debug.Logf("streaming: watch sync for %s failed: %v\n", c.AIID(), err)
		return 0
	}
	c.setSubscriptions(watches)
	return len(watches)
}

// ResyncWatches refreshes subscriptions for every live connection of
// aiID. The kernel calls this after watch/unwatch so pushes follow the
// new filter without a reconnect.
func (h *Hub) ResyncWatches(ctx context.Context, aiID string) {
	for _, c := range h.authenticated() {
		if c.AIID() == aiID {
			h.syncWatches(ctx, c)
		}
	}
}

func (h *Hub) evictIdle() {
	cutoff := h.now().Add(-IdleTimeout)
	for _, c := range h.snapshot() {
		if c.lastSeen().Before(cutoff) {
			debug.Logf("streaming: evicting idle connection %s\n", c.id)
			c.close()
		}
	}
}

func (h *Hub) closeAll() {
	for _, c := range h.snapshot() {
		c.close()
	}
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}
