package bridge

import (
	"fmt"
	"testing"
	"time"
)

func TestAnnounceAndPeers(t *testing.T) {
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open bridge: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := b.Announce(Peer{AIID: "alpha-001", Teambook: "demo", LastSeen: base}); err != nil {
		t.Fatalf("announce failed: %v", err)
	}
	if err := b.Announce(Peer{AIID: "beta-002", Teambook: "demo", LastSeen: base.Add(time.Minute)}); err != nil {
		t.Fatalf("announce failed: %v", err)
	}
	// Re-announcing updates in place rather than duplicating.
	if err := b.Announce(Peer{AIID: "alpha-001", Teambook: "demo", LastSeen: base.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("announce failed: %v", err)
	}

	peers, err := b.Peers()
	if err != nil {
		t.Fatalf("peers failed: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].AIID != "alpha-001" {
		t.Fatalf("expected most recent peer first, got %s", peers[0].AIID)
	}
}

func TestPostAndRead(t *testing.T) {
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open bridge: %v", err)
	}

	if _, err := b.Post("alpha-001", "", "hello everyone"); err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if _, err := b.Post("alpha-001", "beta-002", "just for you"); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	// gamma sees only the broadcast.
	msgs, err := b.Messages("gamma-003", false, false)
	if err != nil {
		t.Fatalf("messages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello everyone" {
		t.Fatalf("gamma should see only the broadcast: %+v", msgs)
	}

	// beta sees both, and marking read makes them drop from unread.
	msgs, err = b.Messages("beta-002", true, true)
	if err != nil {
		t.Fatalf("messages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("beta should see 2 messages, got %d", len(msgs))
	}
	msgs, err = b.Messages("beta-002", true, false)
	if err != nil {
		t.Fatalf("messages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("everything was read, got %d unread", len(msgs))
	}
}

func TestFIFOEviction(t *testing.T) {
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open bridge: %v", err)
	}

	for i := 0; i < MaxMessages+10; i++ {
		if _, err := b.Post("alpha-001", "", fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatalf("post %d failed: %v", i, err)
		}
	}

	msgs, err := b.Messages("beta-002", false, false)
	if err != nil {
		t.Fatalf("messages failed: %v", err)
	}
	if len(msgs) != MaxMessages {
		t.Fatalf("expected the cap of %d messages, got %d", MaxMessages, len(msgs))
	}
	if msgs[0].Content != "msg 10" {
		t.Fatalf("oldest entries should evict first, head is %q", msgs[0].Content)
	}
}

func TestEmptyPostRejected(t *testing.T) {
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open bridge: %v", err)
	}
	if _, err := b.Post("alpha-001", "", ""); err == nil {
		t.Fatal("empty content should be rejected")
	}
}
