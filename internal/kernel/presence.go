package kernel

import (
	"context"
	"sort"
	"time"

	"github.com/steveyegge/teambook/internal/types"
)

func presenceView(p *types.Presence, now time.Time, self string) map[string]interface{} {
	v := map[string]interface{}{
		"ai_id":     p.AIID,
		"status":    string(p.Status(now)),
		"last_seen": stamp(p.LastSeen),
	}
	if p.LastOperation != "" {
		v["last_operation"] = p.LastOperation
	}
	if p.StatusMessage != "" {
		v["status_message"] = p.StatusMessage
	}
	if p.AIID == self {
		v["me"] = true
	}
	return v
}

// whoIsHere lists AIs seen within the window, most recent first.
func (k *Kernel) whoIsHere(ctx context.Context, p Params) *Response {
	minutes := p.IntOr("minutes", 15)
	if minutes < 1 {
		minutes = 1
	}
	if minutes > 1440 {
		minutes = 1440
	}

	all, err := k.db().ListPresence(ctx)
	if err != nil {
		return failErr(err)
	}
	now := k.now()
	cutoff := now.Add(-time.Duration(minutes) * time.Minute)

	var active []*types.Presence
	for _, pr := range all {
		if !pr.LastSeen.Before(cutoff) {
			active = append(active, pr)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastSeen.After(active[j].LastSeen)
	})

	self := k.aiID()
	views := make([]map[string]interface{}, 0, len(active))
	for _, pr := range active {
		views = append(views, presenceView(pr, now, self))
	}
	return success("%d active in the last %dm", len(active), minutes).With(map[string]interface{}{
		"ais":     views,
		"count":   len(active),
		"minutes": minutes,
	})
}

func (k *Kernel) setStatus(ctx context.Context, p Params) *Response {
	msg := p.StrOr("status", p.Str("message"))
	if msg == "" {
		return fail(CodeEmptyMessage, "status is required").
			Suggest("pass status=<what you are doing>")
	}
	if len(msg) > types.MaxStatusMessage {
		msg = msg[:types.MaxStatusMessage]
	}
	ai := k.aiID()
	if err := k.db().RecordPresence(ctx, ai, "set_status", &msg); err != nil {
		return failErr(err)
	}
	return success("status set").With(map[string]interface{}{
		"ai_id":  ai,
		"status": msg,
	})
}

func (k *Kernel) clearStatus(ctx context.Context, p Params) *Response {
	empty := ""
	ai := k.aiID()
	if err := k.db().RecordPresence(ctx, ai, "clear_status", &empty); err != nil {
		return failErr(err)
	}
	return success("status cleared").With(map[string]interface{}{
		"ai_id": ai,
	})
}

// whatAreTheyDoing reports recent operations, for one AI or everyone.
func (k *Kernel) whatAreTheyDoing(ctx context.Context, p Params) *Response {
	target := p.Str("ai_id")
	limit := clampLimit(p.IntOr("limit", 20))

	ops, err := k.db().RecentOperations(ctx, target, limit)
	if err != nil {
		return failErr(err)
	}
	views := make([]map[string]interface{}, 0, len(ops))
	for _, op := range ops {
		v := map[string]interface{}{
			"operation": op.Operation,
			"author":    op.Author,
			"ts":        stamp(op.Timestamp),
		}
		if op.DurationMS > 0 {
			v["duration_ms"] = op.DurationMS
		}
		views = append(views, v)
	}
	data := map[string]interface{}{
		"operations": views,
		"count":      len(views),
	}
	if target != "" {
		data["ai_id"] = target
	}
	return success("%d operations", len(views)).With(data)
}
