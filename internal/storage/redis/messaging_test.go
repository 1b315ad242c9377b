package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

func TestSendAndGetChannelMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, content := range []string{"standup in 5", "standup starting"} {
		msg := &types.Message{Sender: "agent-a", Channel: "general", Content: content}
		if _, err := store.SendMessage(ctx, msg); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		if msg.ExpiresAt.IsZero() {
			t.Error("SendMessage should apply the default TTL")
		}
	}
	other := &types.Message{Sender: "agent-b", Channel: "random", Content: "lunch?"}
	if _, err := store.SendMessage(ctx, other); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	msgs, err := store.GetMessages(ctx, types.MessageFilter{Channel: "general"})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 general messages, got %d", len(msgs))
	}
	if msgs[0].Content != "standup starting" {
		t.Errorf("expected newest first, got %q", msgs[0].Content)
	}
	if msgs[0].Teambook != "test-team" {
		t.Errorf("expected teambook stamp, got %q", msgs[0].Teambook)
	}
}

func TestSendDirectMessage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	msg := &types.Message{
		Sender:    "agent-a",
		Recipient: "agent-b",
		Content:   "review my branch when you get a sec",
		Summary:   "review request",
		Signature: "abc123",
	}
	msg.SetDefaults()
	if msg.Channel != types.DMChannel {
		t.Fatalf("SetDefaults should route DMs to %q, got %q", types.DMChannel, msg.Channel)
	}
	if _, err := store.SendMessage(ctx, msg); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	inbox, err := store.GetMessages(ctx, types.MessageFilter{Recipient: "agent-b", UnreadOnly: true})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(inbox) != 1 {
		t.Fatalf("expected 1 unread DM, got %d", len(inbox))
	}
	if inbox[0].Signature != "abc123" {
		t.Errorf("expected signature to round-trip, got %q", inbox[0].Signature)
	}

	// Mark read, then the unread view is empty.
	count, err := store.MarkMessagesRead(ctx, "agent-b", nil)
	if err != nil {
		t.Fatalf("MarkMessagesRead failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 message marked, got %d", count)
	}
	inbox, err = store.GetMessages(ctx, types.MessageFilter{Recipient: "agent-b", UnreadOnly: true})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(inbox) != 0 {
		t.Errorf("expected empty unread inbox, got %d", len(inbox))
	}
}

func TestMarkMessagesReadSpecificIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		dm := &types.Message{Sender: "agent-a", Recipient: "agent-b", Content: fmt.Sprintf("dm %d", i)}
		dm.SetDefaults()
		id, err := store.SendMessage(ctx, dm)
		if err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
		ids = append(ids, id)
	}

	count, err := store.MarkMessagesRead(ctx, "agent-b", []int64{ids[0], ids[2]})
	if err != nil {
		t.Fatalf("MarkMessagesRead failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 messages marked, got %d", count)
	}

	unread, err := store.GetMessages(ctx, types.MessageFilter{Recipient: "agent-b", UnreadOnly: true})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(unread) != 1 || unread[0].ID != ids[1] {
		t.Errorf("expected only message %d unread, got %d messages", ids[1], len(unread))
	}

	// Already-read ids do not count again.
	count, err = store.MarkMessagesRead(ctx, "agent-b", []int64{ids[0]})
	if err != nil {
		t.Fatalf("MarkMessagesRead failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 re-marks, got %d", count)
	}
}

func TestMessageReply(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	parent := &types.Message{Sender: "agent-a", Channel: "general", Content: "anyone seen the flaky test?"}
	parentID, err := store.SendMessage(ctx, parent)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	reply := &types.Message{
		Sender: "agent-b", Channel: "general",
		Content: "yes, it is the clock skew", ReplyTo: &parentID,
	}
	if _, err := store.SendMessage(ctx, reply); err != nil {
		t.Fatalf("SendMessage reply failed: %v", err)
	}

	msgs, err := store.GetMessages(ctx, types.MessageFilter{Channel: "general"})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if msgs[0].ReplyTo == nil || *msgs[0].ReplyTo != parentID {
		t.Errorf("expected reply_to %d, got %v", parentID, msgs[0].ReplyTo)
	}
}

func TestExpiredMessagesHidden(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now()
	expired := &types.Message{
		Sender: "agent-a", Channel: "general", Content: "old news",
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}
	if _, err := store.SendMessage(ctx, expired); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	msgs, err := store.GetMessages(ctx, types.MessageFilter{Channel: "general"})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expired messages should be invisible, got %d", len(msgs))
	}
}

func TestGetMessagesSenderAfterLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		sender := "agent-a"
		if i%2 == 1 {
			sender = "agent-b"
		}
		msg := &types.Message{
			Sender: sender, Channel: "general",
			Content:   fmt.Sprintf("msg %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := store.SendMessage(ctx, msg); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	fromA, err := store.GetMessages(ctx, types.MessageFilter{Sender: "agent-a"})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(fromA) != 2 {
		t.Errorf("expected 2 messages from agent-a, got %d", len(fromA))
	}

	// After is strict: the message at the cutoff itself is excluded.
	cutoff := base.Add(1 * time.Minute)
	after, err := store.GetMessages(ctx, types.MessageFilter{After: &cutoff})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(after) != 2 {
		t.Errorf("expected 2 messages after the cutoff, got %d", len(after))
	}

	limited, err := store.GetMessages(ctx, types.MessageFilter{Limit: 3})
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(limited) != 3 {
		t.Errorf("expected limit of 3, got %d", len(limited))
	}
	if limited[0].Content != "msg 3" {
		t.Errorf("expected newest first under limit, got %q", limited[0].Content)
	}
}

func TestSubscribeIdempotentAndCapped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Subscribe(ctx, "agent-a", "general"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := store.Subscribe(ctx, "agent-a", "general"); err != nil {
		t.Errorf("duplicate subscribe should be a no-op, got %v", err)
	}

	for i := 1; i < types.MaxSubscriptions; i++ {
		if err := store.Subscribe(ctx, "agent-a", fmt.Sprintf("chan-%02d", i)); err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
	}
	err := store.Subscribe(ctx, "agent-a", "overflow")
	if !errors.Is(err, storage.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded at the cap, got %v", err)
	}

	// Unsubscribe frees a slot.
	if err := store.Unsubscribe(ctx, "agent-a", "general"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if err := store.Subscribe(ctx, "agent-a", "overflow"); err != nil {
		t.Errorf("subscribe should succeed after freeing a slot, got %v", err)
	}

	subs, err := store.Subscriptions(ctx, "agent-a")
	if err != nil {
		t.Fatalf("Subscriptions failed: %v", err)
	}
	if len(subs) != types.MaxSubscriptions {
		t.Errorf("expected %d subscriptions, got %d", types.MaxSubscriptions, len(subs))
	}
}

func TestSubscriptionsSorted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, channel := range []string{"zeta", "alpha", "mid"} {
		if err := store.Subscribe(ctx, "agent-a", channel); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	subs, err := store.Subscriptions(ctx, "agent-a")
	if err != nil {
		t.Fatalf("Subscriptions failed: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("expected 3 subscriptions, got %d", len(subs))
	}
	if subs[0].Channel != "alpha" || subs[2].Channel != "zeta" {
		t.Errorf("expected channel order [alpha mid zeta], got [%s %s %s]",
			subs[0].Channel, subs[1].Channel, subs[2].Channel)
	}
	if subs[0].Teambook != "test-team" {
		t.Errorf("expected teambook stamp, got %q", subs[0].Teambook)
	}
}

func TestChannelMembers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, aiID := range []string{"agent-a", "agent-b"} {
		if err := store.Subscribe(ctx, aiID, "general"); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}
	if err := store.Subscribe(ctx, "agent-c", "random"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	members, err := store.ChannelMembers(ctx, "general")
	if err != nil {
		t.Fatalf("ChannelMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("expected 2 members, got %d", len(members))
	}
}

func TestListChannels(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// A channel appears when subscribed to, or when it has live traffic;
	// DMs never show up.
	if err := store.Subscribe(ctx, "agent-a", "quiet"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	busy := &types.Message{Sender: "agent-b", Channel: "busy", Content: "traffic"}
	if _, err := store.SendMessage(ctx, busy); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	dm := &types.Message{Sender: "agent-a", Recipient: "agent-b", Content: "psst"}
	dm.SetDefaults()
	if _, err := store.SendMessage(ctx, dm); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	channels, err := store.ListChannels(ctx)
	if err != nil {
		t.Fatalf("ListChannels failed: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 channels, got %d: %v", len(channels), channels)
	}
	if channels[0] != "busy" || channels[1] != "quiet" {
		t.Errorf("expected sorted [busy quiet], got %v", channels)
	}
}
