package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/identity"
	"github.com/steveyegge/teambook/internal/ratelimit"
	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/textutil"
	"github.com/steveyegge/teambook/internal/timeparsing"
	"github.com/steveyegge/teambook/internal/types"
)

// activeWindow is how far back presence counts as "reachable" when
// estimating broadcast audience.
const activeWindow = 24 * time.Hour

func messageView(m *types.Message, full bool) map[string]interface{} {
	v := map[string]interface{}{
		"id":      m.ID,
		"from":    m.Sender,
		"summary": m.Summary,
		"created": stamp(m.CreatedAt),
	}
	if m.Direct() {
		v["to"] = m.Recipient
		v["unread"] = m.ReadAt == nil
	} else {
		v["channel"] = m.Channel
	}
	if m.ReplyTo != nil {
		v["reply_to"] = *m.ReplyTo
	}
	if full {
		v["content"] = m.Content
		v["expires"] = stamp(m.ExpiresAt)
		if m.Signature != "" {
			v["signed"] = true
		}
	}
	return v
}

// sendMessage delivers a channel broadcast or a DM. Over-long content is
// truncated with a warning rather than rejected: messages are transient,
// so partial delivery beats a bounce.
func (k *Kernel) sendMessage(ctx context.Context, p Params) *Response {
	ai := k.aiID()

	content := textutil.Clean(p.Str("content"))
	if content == "" {
		return fail(CodeEmptyMessage, "message content is required")
	}
	var warnings []string
	if len(content) > types.MaxContentLength {
		content = textutil.Truncate(content, types.MaxContentLength)
		warnings = append(warnings, "message_truncated")
	}

	to := p.Str("to")
	if to == "all" {
		to = ""
	}
	if to != "" && to == ai {
		return fail(CodeCannotDMSelf, "cannot send a direct message to yourself").
			Suggest("omit to= to broadcast to the whole teambook")
	}

	channel := types.NormalizeChannel(p.StrOr("channel", "general"))
	if to == "" && !types.ValidChannelName(channel) {
		return fail(CodeInvalidChannel, "invalid channel name: %s", channel).
			Detail(map[string]interface{}{"allowed": "lowercase letters, digits, dash, underscore"}).
			Suggest("use a channel name like general or deploy-alerts")
	}

	// The message window sits on top of the per-call gates.
	allowed, remaining := k.limits.Allow(ratelimit.Messages, ai)
	if !allowed {
		return fail(CodeRateLimit, "message limit exceeded: %d per minute", types.MessagesPerMinute).
			Suggest("wait 60 seconds and retry")
	}

	summary := p.Str("summary")
	if summary == "" {
		summary = textutil.Summarize(content, types.MaxMessageSummary)
	}

	now := k.now()
	ttl := types.ClampMessageTTL(time.Duration(p.IntOr("ttl_hours", 0)) * time.Hour)
	msg := &types.Message{
		Sender:    ai,
		Channel:   channel,
		Recipient: to,
		Content:   content,
		Summary:   summary,
		Teambook:  k.teambook(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if p.Has("reply_to") {
		replyTo, resp := requireID(p, "reply_to")
		if resp != nil {
			return resp
		}
		msg.ReplyTo = &replyTo
	}
	msg.SetDefaults()
	if err := msg.Validate(); err != nil {
		return fail(CodeInvalidItem, "%v", err)
	}

	st := k.db()
	recipients := 1
	if msg.Direct() {
		if !k.knownAI(ctx, to) {
			warnings = append(warnings, "recipient_unknown")
		}
	} else {
		recipients = k.activePeers(ctx, ai)
	}

	k.signMessage(msg)

	id, err := st.SendMessage(ctx, msg)
	if err != nil {
		return failErr(err)
	}

	// DM events carry an @recipient prefix so the recipient's standby
	// loop can tell its own mail from channel chatter.
	eventSummary := msg.Summary
	if msg.Direct() {
		eventSummary = "@" + to + " " + msg.Summary
	}
	k.events().Notify(ctx, types.ItemMessage, strconv.FormatInt(id, 10),
		types.EventSent, ai, eventSummary)

	data := map[string]interface{}{
		"msg_id":     id,
		"recipients": recipients,
		"expires":    stamp(msg.ExpiresAt),
	}
	var r *Response
	if msg.Direct() {
		data["to"] = to
		r = success("sent dm %d to %s", id, to)
	} else {
		data["channel"] = msg.Channel
		r = success("sent message %d to #%s", id, msg.Channel)
	}
	if len(warnings) > 0 {
		data["warnings"] = warnings
	}
	if remaining < 10 {
		data["quota_remaining"] = remaining
	}
	return r.With(data)
}

// signMessage attaches a signed envelope binding the sender, routing,
// and content hash. Failure leaves the message unsigned, never unsent.
func (k *Kernel) signMessage(msg *types.Message) {
	contentHash, err := identity.HashPayload(msg.Content)
	if err != nil {
		debug.Logf("message content hash: %v\n", err)
		return
	}
	env, err := k.id.BuildEnvelope(map[string]interface{}{
		"ai_id":        msg.Sender,
		"channel":      msg.Channel,
		"recipient":    msg.Recipient,
		"content_hash": contentHash,
		"expires_at":   stamp(msg.ExpiresAt),
		"teambook":     msg.Teambook,
	}, "message")
	if err != nil {
		debug.Logf("message envelope: %v\n", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	msg.Envelope = string(raw)
	msg.Signature = env.Signature
}

// knownAI reports whether an AI has ever shown up in presence.
func (k *Kernel) knownAI(ctx context.Context, aiID string) bool {
	list, err := k.db().ListPresence(ctx)
	if err != nil {
		return true // can't tell; don't warn
	}
	for _, pr := range list {
		if pr.AIID == aiID {
			return true
		}
	}
	return false
}

// activePeers counts other AIs seen within the active window, the
// plausible audience of a broadcast.
func (k *Kernel) activePeers(ctx context.Context, self string) int {
	list, err := k.db().ListPresence(ctx)
	if err != nil {
		return 0
	}
	cutoff := k.now().Add(-activeWindow)
	n := 0
	for _, pr := range list {
		if pr.AIID != self && pr.LastSeen.After(cutoff) {
			n++
		}
	}
	return n
}

// getMessages reads the inbox: a channel's broadcasts, or DMs addressed
// to the caller when channel is "_dm" or dms=true. Reading DMs marks
// them read unless mark_read=false.
func (k *Kernel) getMessages(ctx context.Context, p Params) *Response {
	ai := k.aiID()
	limit := clampLimit(p.IntOr("limit", 20))

	filter := types.MessageFilter{
		Teambook:   k.teambook(),
		Sender:     p.Str("from"),
		UnreadOnly: p.Bool("unread_only"),
		SinceID:    int64(p.IntOr("since_id", 0)),
		Limit:      limit + 1, // look ahead for has_more
	}

	channel := types.NormalizeChannel(p.Str("channel"))
	dms := p.Bool("dms") || channel == types.DMChannel
	if dms {
		filter.Channel = types.DMChannel
		filter.Recipient = ai
	} else if channel != "" {
		if !types.ValidChannelName(channel) {
			return fail(CodeInvalidChannel, "invalid channel name: %s", channel)
		}
		filter.Channel = channel
	}
	if since := p.Str("since"); since != "" {
		after, err := timeparsing.ParseRelativeTime(since, k.now())
		if err != nil {
			return fail(CodeInvalidItem, "invalid since: %v", err)
		}
		filter.After = &after
	}
	if p.Has("thread_id") {
		threadID, resp := requireID(p, "thread_id")
		if resp != nil {
			return resp
		}
		filter.Thread = &threadID
	}

	st := k.db()
	msgs, err := st.GetMessages(ctx, filter)
	if err != nil {
		return failErr(err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}

	marked := 0
	if dms && p.BoolOr("mark_read", true) {
		var unreadIDs []int64
		for _, m := range msgs {
			if m.ReadAt == nil {
				unreadIDs = append(unreadIDs, m.ID)
			}
		}
		if len(unreadIDs) > 0 {
			marked, err = st.MarkMessagesRead(ctx, ai, unreadIDs)
			if err != nil {
				debug.Logf("mark messages read: %v\n", err)
			}
		}
	}

	full := p.Bool("verbose") || !p.BoolOr("compact", true)
	views := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView(m, full))
	}

	data := map[string]interface{}{
		"messages": views,
		"count":    len(msgs),
		"has_more": hasMore,
	}
	if dms {
		data["marked_read"] = marked
		return success("%d dms", len(msgs)).With(data)
	}
	if channel != "" {
		data["channel"] = channel
	}
	return success("%d messages", len(msgs)).With(data)
}

// messageStats summarizes messaging state: totals, channels, the
// caller's subscriptions, and remaining send quota.
func (k *Kernel) messageStats(ctx context.Context, p Params) *Response {
	ai := k.aiID()
	st := k.db()

	stats, err := st.GetStatistics(ctx)
	if err != nil {
		return failErr(err)
	}
	channels, err := st.ListChannels(ctx)
	if err != nil {
		return failErr(err)
	}
	subs, err := st.Subscriptions(ctx, ai)
	if err != nil {
		return failErr(err)
	}

	return success("%d messages, %d unread dms", stats.TotalMessages, stats.UnreadMessages).
		With(map[string]interface{}{
			"total":           stats.TotalMessages,
			"unread_dms":      stats.UnreadMessages,
			"channels":        channels,
			"subscriptions":   len(subs),
			"quota_remaining": k.limits.Peek(ratelimit.Messages, ai),
		})
}

func (k *Kernel) subscribeChannel(ctx context.Context, p Params) *Response {
	channel := types.NormalizeChannel(p.Str("channel"))
	if channel == "" {
		return fail(CodeInvalidChannel, "channel is required")
	}
	if !validSubscribePattern(channel) {
		return fail(CodeInvalidChannel, "invalid channel name: %s", channel).
			Suggest("use a channel name or a wildcard like build-*")
	}

	err := k.db().Subscribe(ctx, k.aiID(), channel)
	if errors.Is(err, storage.ErrLimitExceeded) {
		return fail(CodeSubscriptionLimit, "at most %d subscriptions", types.MaxSubscriptions).
			Detail(map[string]interface{}{"max": types.MaxSubscriptions}).
			Suggest("unsubscribe from a channel first")
	}
	if err != nil {
		return failErr(err)
	}
	return success("subscribed to %s", channel).With(map[string]interface{}{
		"channel": channel,
	})
}

// validSubscribePattern accepts channel names plus '*' wildcards, which
// subscriptions allow but message routing does not.
func validSubscribePattern(pattern string) bool {
	if types.ValidChannelName(pattern) {
		return true
	}
	if len(pattern) == 0 || len(pattern) > types.MaxChannelName {
		return false
	}
	for _, r := range pattern {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '*':
		default:
			return false
		}
	}
	return true
}

func (k *Kernel) unsubscribeChannel(ctx context.Context, p Params) *Response {
	channel := types.NormalizeChannel(p.Str("channel"))
	if channel == "" {
		return fail(CodeInvalidChannel, "channel is required")
	}
	if err := k.db().Unsubscribe(ctx, k.aiID(), channel); err != nil {
		return failErr(err)
	}
	return success("unsubscribed from %s", channel).With(map[string]interface{}{
		"channel": channel,
	})
}

func (k *Kernel) getSubscriptions(ctx context.Context, p Params) *Response {
	subs, err := k.db().Subscriptions(ctx, k.aiID())
	if err != nil {
		return failErr(err)
	}
	views := make([]map[string]interface{}, 0, len(subs))
	for _, s := range subs {
		views = append(views, map[string]interface{}{
			"channel": s.Channel,
			"since":   stamp(s.CreatedAt),
		})
	}
	return success("%d subscriptions", len(subs)).With(map[string]interface{}{
		"subscriptions": views,
		"count":         len(subs),
	})
}
