package kernel

import (
	"context"
	"strings"
	"testing"

	"github.com/steveyegge/teambook/internal/types"
)

func TestSendDMAndInbox(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	peer := newPeerKernel(t, k, "peer-agent")

	sent := k.Handle(ctx, "send_message", Params{
		"content": "can you take the migration review?",
		"to":      "peer-agent",
	})
	if !sent.Success {
		t.Fatalf("send_message failed: %s", sent.Message)
	}
	if sent.Data["to"] != "peer-agent" {
		t.Errorf("to = %v", sent.Data["to"])
	}

	inbox := peer.Handle(ctx, "get_messages", Params{"dms": true})
	if !inbox.Success {
		t.Fatalf("get_messages failed: %s", inbox.Message)
	}
	if inbox.Data["count"].(int) != 1 {
		t.Fatalf("count = %v, want 1", inbox.Data["count"])
	}
	if inbox.Data["marked_read"].(int) != 1 {
		t.Errorf("marked_read = %v, want 1", inbox.Data["marked_read"])
	}

	// The read marker sticks: a second unread-only pull is empty.
	again := peer.Handle(ctx, "get_messages", Params{"dms": true, "unread_only": true})
	if again.Data["count"].(int) != 0 {
		t.Errorf("unread after read = %v, want 0", again.Data["count"])
	}
}

func TestCannotDMSelf(t *testing.T) {
	k := newTestKernel(t)
	resp := k.Handle(context.Background(), "send_message", Params{
		"content": "note to self",
		"to":      "test-agent",
	})
	if resp.Success || resp.Error != CodeCannotDMSelf {
		t.Errorf("self-DM should fail with %s, got %+v", CodeCannotDMSelf, resp)
	}
}

func TestBroadcastChannel(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	sent := k.Handle(ctx, "send_message", Params{
		"content": "deploy window opens at 14:00",
		"channel": "Deploys",
	})
	if !sent.Success {
		t.Fatalf("send_message failed: %s", sent.Message)
	}
	if sent.Data["channel"] != "deploys" {
		t.Errorf("channel = %v, want normalized deploys", sent.Data["channel"])
	}

	got := k.Handle(ctx, "get_messages", Params{"channel": "deploys"})
	if got.Data["count"].(int) != 1 {
		t.Errorf("count = %v, want 1", got.Data["count"])
	}
}

func TestSendMessageRejectsEmpty(t *testing.T) {
	k := newTestKernel(t)
	resp := k.Handle(context.Background(), "send_message", Params{"content": ""})
	if resp.Success || resp.Error != CodeEmptyMessage {
		t.Errorf("empty message should fail with %s, got %+v", CodeEmptyMessage, resp)
	}
}

func TestSendMessageInvalidChannel(t *testing.T) {
	k := newTestKernel(t)
	resp := k.Handle(context.Background(), "send_message", Params{
		"content": "hello",
		"channel": "bad channel!",
	})
	if resp.Success || resp.Error != CodeInvalidChannel {
		t.Errorf("invalid channel should fail with %s, got %+v", CodeInvalidChannel, resp)
	}
}

func TestSendMessageTruncatesOversize(t *testing.T) {
	k := newTestKernel(t)
	resp := k.Handle(context.Background(), "send_message", Params{
		"content": strings.Repeat("y", types.MaxContentLength+100),
	})
	if !resp.Success {
		t.Fatalf("oversize message should truncate, not fail: %s", resp.Message)
	}
	warnings := resp.Data["warnings"].([]string)
	if len(warnings) == 0 || warnings[0] != "message_truncated" {
		t.Errorf("warnings = %v, want message_truncated", warnings)
	}
}

func TestDMWarnsUnknownRecipient(t *testing.T) {
	k := newTestKernel(t)
	resp := k.Handle(context.Background(), "send_message", Params{
		"content": "anyone home?",
		"to":      "ghost-agent",
	})
	if !resp.Success {
		t.Fatalf("send_message failed: %s", resp.Message)
	}
	warnings, _ := resp.Data["warnings"].([]string)
	found := false
	for _, w := range warnings {
		if w == "recipient_unknown" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected recipient_unknown warning, got %v", warnings)
	}
}

func TestThreadedReply(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	first := k.Handle(ctx, "send_message", Params{"content": "root of thread", "channel": "general"})
	rootID := first.Data["msg_id"].(int64)

	reply := k.Handle(ctx, "send_message", Params{
		"content":  "following up",
		"channel":  "general",
		"reply_to": rootID,
	})
	if !reply.Success {
		t.Fatalf("reply failed: %s", reply.Message)
	}

	thread := k.Handle(ctx, "get_messages", Params{"thread_id": rootID})
	if thread.Data["count"].(int) != 2 {
		t.Errorf("thread count = %v, want 2", thread.Data["count"])
	}
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	if resp := k.Handle(ctx, "subscribe", Params{"channel": "builds"}); !resp.Success {
		t.Fatalf("subscribe failed: %s", resp.Message)
	}
	// Wildcards are valid subscription patterns.
	if resp := k.Handle(ctx, "subscribe", Params{"channel": "deploy-*"}); !resp.Success {
		t.Fatalf("wildcard subscribe failed: %s", resp.Message)
	}
	// Subscribing twice is idempotent.
	if resp := k.Handle(ctx, "subscribe", Params{"channel": "builds"}); !resp.Success {
		t.Fatalf("duplicate subscribe failed: %s", resp.Message)
	}

	list := k.Handle(ctx, "get_subscriptions", Params{})
	if list.Data["count"].(int) != 2 {
		t.Fatalf("count = %v, want 2", list.Data["count"])
	}

	if resp := k.Handle(ctx, "unsubscribe", Params{"channel": "builds"}); !resp.Success {
		t.Fatalf("unsubscribe failed: %s", resp.Message)
	}
	list = k.Handle(ctx, "get_subscriptions", Params{})
	if list.Data["count"].(int) != 1 {
		t.Errorf("count after unsubscribe = %v, want 1", list.Data["count"])
	}
}

func TestMessageStats(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	k.Handle(ctx, "send_message", Params{"content": "stat me", "channel": "general"})
	resp := k.Handle(ctx, "message_stats", Params{})
	if !resp.Success {
		t.Fatalf("message_stats failed: %s", resp.Message)
	}
	if resp.Data["total"].(int) < 1 {
		t.Errorf("total = %v, want at least 1", resp.Data["total"])
	}
	if resp.Data["quota_remaining"].(int) >= types.MessagesPerMinute {
		t.Errorf("quota should be partly consumed, got %v", resp.Data["quota_remaining"])
	}
}
