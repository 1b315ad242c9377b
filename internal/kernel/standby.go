package kernel

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/eventbus"
	"github.com/steveyegge/teambook/internal/textutil"
	"github.com/steveyegge/teambook/internal/types"
)

// Wake reasons, most specific first. An event is checked against each in
// order and the first hit wins.
const (
	wakeDirectMessage = "direct_message"
	wakeTaskAssigned  = "task_assigned"
	wakeNameMentioned = "name_mentioned"
	wakeHelpRequested = "help_requested"
	wakeNoteMention   = "mentioned_in_note"
	wakePriority      = "priority_alert"
)

var priorityKeywords = []string{
	"critical", "urgent", "emergency", "asap", "breaking", "blocker",
}

var helpKeywords = []string{
	"help", "anyone", "available", "question", "thoughts",
	"feedback", "review", "verify", "can someone", "could someone",
}

// wakeReason classifies an event's relevance to the waiting AI. Empty
// means not relevant.
func wakeReason(e *types.Event, ai string) string {
	summary := strings.ToLower(e.Summary)
	mention := "@" + strings.ToLower(ai)
	switch {
	case e.ItemType == types.ItemMessage && strings.HasPrefix(summary, mention+" "):
		return wakeDirectMessage
	case e.EventType == types.EventAssigned && strings.HasPrefix(summary, mention):
		return wakeTaskAssigned
	case strings.Contains(summary, mention):
		return wakeNameMentioned
	case e.ItemType == types.ItemMessage && containsAny(summary, helpKeywords):
		return wakeHelpRequested
	case e.ItemType == types.ItemNote && strings.Contains(summary, strings.ToLower(ai)):
		return wakeNoteMention
	case containsAny(summary, priorityKeywords):
		return wakePriority
	}
	return ""
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// standby blocks until a relevant event arrives or the timeout passes.
// Relevance is forgiving: DMs, assignments, name mentions, help requests,
// and urgency keywords all wake the caller.
func (k *Kernel) standby(ctx context.Context, p Params) *Response {
	timeout := p.IntOr("timeout", 180)
	if timeout < 1 || timeout > 180 {
		timeout = 180
	}
	ai := k.aiID()

	listener := eventbus.NewListener("standby-"+uuid.NewString()[:8], 32)
	bus := k.events().Bus()
	bus.Register(listener)
	defer bus.Unregister(listener.ID())

	k.logCoordination(ctx, "standby", "")

	start := time.Now()
	deadline := time.NewTimer(time.Duration(timeout) * time.Second)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return k.standbyTimeout(start)
		case <-deadline.C:
			return k.standbyTimeout(start)
		case e := <-listener.Events():
			if e.Actor == ai {
				continue
			}
			reason := wakeReason(e, ai)
			if reason == "" {
				continue
			}
			return k.standbyWake(ctx, e, reason, start)
		}
	}
}

func (k *Kernel) standbyTimeout(start time.Time) *Response {
	waited := int(time.Since(start).Seconds())
	return success("standby timeout after %ds, no activity", waited).With(map[string]interface{}{
		"woke":   false,
		"waited": waited,
	})
}

func (k *Kernel) standbyWake(ctx context.Context, e *types.Event, reason string, start time.Time) *Response {
	waited := int(time.Since(start).Seconds())
	k.logCoordination(ctx, "standby_wake", reason)

	data := map[string]interface{}{
		"woke":   true,
		"reason": reason,
		"event":  eventView(e),
		"waited": waited,
	}
	if id := k.storeWakeNote(ctx, e, reason); id > 0 {
		data["note_id"] = id
	}
	return success("woke: %s from %s", reason, e.Actor).With(data)
}

// storeWakeNote records the waking event as a note so the full context
// survives past the event's retention window. Stored directly, without
// emitting an event, so one wake cannot ripple into others.
func (k *Kernel) storeWakeNote(ctx context.Context, e *types.Event, reason string) int64 {
	if e.Summary == "" {
		return 0
	}
	now := k.now()
	note := &types.Note{
		Content:  e.Summary,
		Summary:  textutil.Truncate("[STANDBY_WAKE] "+reason+" from "+e.Actor, types.MaxSummaryLength),
		Author:   k.aiID(),
		Teambook: k.teambook(),
		Type:     types.NoteGeneral,
		Tags:     textutil.NormalizeTags([]string{"standby_wake", reason, e.Actor}),
		Created:  now,
	}
	note.SetDefaults()
	note.TamperHash = note.ComputeTamperHash()
	id, err := k.db().WriteNote(ctx, note)
	if err != nil {
		debug.Logf("store wake note: %v\n", err)
		return 0
	}
	return id
}

func (k *Kernel) logCoordination(ctx context.Context, kind, detail string) {
	ev := &types.CoordinationEvent{
		Kind:      kind,
		AIID:      k.aiID(),
		Teambook:  k.teambook(),
		Detail:    detail,
		CreatedAt: k.now(),
	}
	if err := k.db().LogCoordination(ctx, ev); err != nil {
		debug.Logf("log coordination: %v\n", err)
	}
}

// waitForEvent blocks until an event matching the given filters arrives.
// Unlike standby, matching is literal: no relevance heuristics, just the
// requested type and item. Events from the caller itself are skipped.
func (k *Kernel) waitForEvent(ctx context.Context, p Params) *Response {
	timeout := p.IntOr("timeout", 60)
	if timeout < 1 {
		timeout = 1
	}
	if timeout > 300 {
		timeout = 300
	}

	var eventType types.EventType
	if s := p.Str("event_type"); s != "" {
		eventType = types.EventType(s)
		if !eventType.IsValid() {
			return fail(CodeInvalidItem, "invalid event type: %s", s)
		}
	}
	var itemType types.ItemType
	if s := p.Str("item_type"); s != "" {
		itemType = types.ItemType(s)
		if !itemType.IsValid() {
			return fail(CodeInvalidItem, "invalid item type: %s", s)
		}
	}
	itemID := p.Str("item_id")
	ai := k.aiID()

	listener := eventbus.NewListener("wait-"+uuid.NewString()[:8], 32)
	bus := k.events().Bus()
	bus.Register(listener)
	defer bus.Unregister(listener.ID())

	start := time.Now()
	deadline := time.NewTimer(time.Duration(timeout) * time.Second)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return k.waitTimeout(start)
		case <-deadline.C:
			return k.waitTimeout(start)
		case e := <-listener.Events():
			if e.Actor == ai {
				continue
			}
			if eventType != "" && e.EventType != eventType {
				continue
			}
			if itemType != "" && e.ItemType != itemType {
				continue
			}
			if itemID != "" && e.ItemID != itemID {
				continue
			}
			return success("event: %s %s", e.EventType, e.ItemID).With(map[string]interface{}{
				"woke":   true,
				"event":  eventView(e),
				"waited": int(time.Since(start).Seconds()),
			})
		}
	}
}

func (k *Kernel) waitTimeout(start time.Time) *Response {
	waited := int(time.Since(start).Seconds())
	return success("timeout after %ds, no matching event", waited).With(map[string]interface{}{
		"woke":   false,
		"waited": waited,
	})
}
