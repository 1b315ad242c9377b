package kernel

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/ratelimit"
	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/timeparsing"
	"github.com/steveyegge/teambook/internal/types"
)

// defaultEventWindow bounds get_events when no since is given.
const defaultEventWindow = 24 * time.Hour

func eventView(e *types.Event) map[string]interface{} {
	v := map[string]interface{}{
		"event_id":   e.ID,
		"item_type":  string(e.ItemType),
		"item_id":    e.ItemID,
		"event_type": string(e.EventType),
		"actor":      e.Actor,
		"created":    stamp(e.CreatedAt),
	}
	if e.Summary != "" {
		v["summary"] = e.Summary
	}
	return v
}

func watchView(w *types.Watch) map[string]interface{} {
	v := map[string]interface{}{
		"watch_id": w.ID,
		"created":  stamp(w.CreatedAt),
	}
	if w.ItemType != "" {
		v["item_type"] = string(w.ItemType)
	}
	if w.ItemID != "" {
		v["item_id"] = w.ItemID
	}
	if len(w.EventTypes) > 0 {
		eventTypes := make([]string, 0, len(w.EventTypes))
		for _, et := range w.EventTypes {
			eventTypes = append(eventTypes, string(et))
		}
		v["event_types"] = eventTypes
	}
	return v
}

// createWatch registers interest in an item. Shortcut params note_id,
// lock_id, and channel pick the item type implicitly; watching the same
// item twice updates the existing watch.
func (k *Kernel) createWatch(ctx context.Context, p Params) *Response {
	var (
		itemType types.ItemType
		itemID   string
	)
	switch {
	case p.Has("note_id"):
		id, resp := k.noteID(ctx, p, "note_id")
		if resp != nil {
			return resp
		}
		itemType, itemID = types.ItemNote, strconv.FormatInt(id, 10)
	case p.Has("lock_id"):
		itemType, itemID = types.ItemLock, p.Str("lock_id")
	case p.Has("channel"):
		itemType, itemID = types.ItemChannel, types.NormalizeChannel(p.Str("channel"))
	default:
		itemType = types.ItemType(p.Str("item_type"))
		itemID = p.Str("item_id")
	}
	if itemType != "" && !itemType.IsValid() {
		return fail(CodeInvalidItem, "invalid item type: %s", itemType).
			Suggest("use note, lock, channel, evolution, contribution, task, or message")
	}

	var eventTypes []types.EventType
	for _, raw := range p.Strings("event_types") {
		et := types.EventType(raw)
		if !et.IsValid() {
			return fail(CodeInvalidItem, "invalid event type: %s", raw)
		}
		eventTypes = append(eventTypes, et)
	}

	now := k.now()
	w := &types.Watch{
		AIID:         k.aiID(),
		ItemType:     itemType,
		ItemID:       itemID,
		EventTypes:   eventTypes,
		Teambook:     k.teambook(),
		CreatedAt:    now,
		LastActivity: now,
	}
	id, err := k.db().CreateWatch(ctx, w)
	if errors.Is(err, storage.ErrLimitExceeded) {
		return fail(CodeWatchLimit, "at most %d watches", types.MaxWatchesPerAI).
			Detail(map[string]interface{}{"max": types.MaxWatchesPerAI}).
			Suggest("unwatch something first")
	}
	if err != nil {
		return failErr(err)
	}

	data := map[string]interface{}{"watch_id": id}
	if itemType != "" {
		data["item_type"] = string(itemType)
	}
	if itemID != "" {
		data["item_id"] = itemID
	}
	return success("watching %s", watchLabel(itemType, itemID)).With(data)
}

func watchLabel(itemType types.ItemType, itemID string) string {
	switch {
	case itemType == "" && itemID == "":
		return "everything"
	case itemID == "":
		return "all " + string(itemType) + "s"
	default:
		return string(itemType) + " " + itemID
	}
}

func (k *Kernel) deleteWatch(ctx context.Context, p Params) *Response {
	id, resp := requireID(p, "watch_id")
	if resp != nil {
		return resp
	}
	err := k.db().DeleteWatch(ctx, k.aiID(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(CodeInvalidItem, "watch %d not found", id)
	}
	if err != nil {
		return failErr(err)
	}
	return success("unwatched %d", id).With(map[string]interface{}{
		"watch_id": id,
	})
}

// getEvents drains the caller's pending event queue. Events are marked
// seen on read unless mark_seen=false; since narrows the window, which
// defaults to the last 24 hours.
func (k *Kernel) getEvents(ctx context.Context, p Params) *Response {
	ai := k.aiID()
	if allowed, _ := k.limits.Allow(ratelimit.EventQueries, ai); !allowed {
		return fail(CodeRateLimit, "event query limit exceeded: %d per minute", types.EventQueryPerMin).
			Suggest("wait 60 seconds and retry")
	}
	limit := clampLimit(p.IntOr("limit", 20))

	now := k.now()
	cutoff := now.Add(-defaultEventWindow)
	if since := p.Str("since"); since != "" {
		t, err := parseEventSince(since, now)
		if err != nil {
			return fail(CodeInvalidItem, "invalid since: %v", err).
				Suggest("use forms like 5m, 1h, 2d, or a unix timestamp")
		}
		cutoff = t
	}

	st := k.db()
	events, err := st.PendingEvents(ctx, ai, cutoff, limit)
	if err != nil {
		return failErr(err)
	}

	// Only returned events get consumed. Anything outside the window
	// stays pending for a later, wider pull.
	var seenIDs []int64
	for _, e := range events {
		seenIDs = append(seenIDs, e.ID)
	}

	marked := false
	if p.BoolOr("mark_seen", true) && len(seenIDs) > 0 {
		if err := st.MarkEventsSeen(ctx, ai, seenIDs); err != nil {
			debug.Logf("mark events seen: %v\n", err)
		} else {
			marked = true
		}
	}
	if err := st.TouchWatches(ctx, ai, now); err != nil {
		debug.Logf("touch watches: %v\n", err)
	}

	views := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		views = append(views, eventView(e))
	}
	return success("%d events", len(events)).With(map[string]interface{}{
		"events":      views,
		"count":       len(events),
		"marked_seen": marked,
	})
}

// parseEventSince accepts a unix timestamp or a lookback like "5m".
func parseEventSince(s string, now time.Time) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0), nil
	}
	return timeparsing.ParseSince(s, now)
}

func (k *Kernel) listWatches(ctx context.Context, p Params) *Response {
	watches, err := k.db().ListWatches(ctx, k.aiID())
	if err != nil {
		return failErr(err)
	}
	views := make([]map[string]interface{}, 0, len(watches))
	for _, w := range watches {
		views = append(views, watchView(w))
	}
	return success("%d watches", len(watches)).With(map[string]interface{}{
		"watches": views,
		"count":   len(watches),
	})
}

func (k *Kernel) watchStats(ctx context.Context, p Params) *Response {
	ai := k.aiID()
	st := k.db()

	watches, err := st.ListWatches(ctx, ai)
	if err != nil {
		return failErr(err)
	}
	pending, err := st.PendingEvents(ctx, ai, time.Time{}, types.MaxResults)
	if err != nil {
		return failErr(err)
	}

	data := map[string]interface{}{
		"watches": len(watches),
		"unseen":  len(pending),
		"max":     types.MaxWatchesPerAI,
	}
	if latest, err := st.QueryEvents(ctx, types.EventFilter{Limit: 1}); err == nil && len(latest) > 0 {
		data["last_event"] = stamp(latest[0].CreatedAt)
	}
	return success("%d watches, %d unseen events", len(watches), len(pending)).With(data)
}
