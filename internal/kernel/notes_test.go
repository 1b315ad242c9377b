package kernel

import (
	"context"
	"strings"
	"testing"

	"github.com/steveyegge/teambook/internal/types"
)

func TestWriteAndReadNote(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	resp := k.Handle(ctx, "write_note", Params{
		"content": "Deploy pipeline is green again\nDetails in the build log.",
		"tags":    []interface{}{"Deploy", "ci"},
	})
	if !resp.Success {
		t.Fatalf("write_note failed: %s", resp.Message)
	}
	if resp.Data["id"].(int64) <= 0 {
		t.Fatalf("expected a positive note id, got %v", resp.Data["id"])
	}
	if got := resp.Data["summary"].(string); got != "Deploy pipeline is green again" {
		t.Errorf("summary = %q", got)
	}

	read := k.Handle(ctx, "read_notes", Params{})
	if !read.Success {
		t.Fatalf("read_notes failed: %s", read.Message)
	}
	if read.Data["count"].(int) != 1 {
		t.Errorf("count = %v, want 1", read.Data["count"])
	}
	notes := read.Data["notes"].([]map[string]interface{})
	if tags := notes[0]["tags"].([]string); len(tags) != 2 || tags[0] != "deploy" {
		t.Errorf("tags = %v, want normalized [deploy ci]", tags)
	}
}

func TestWriteNoteRejectsEmpty(t *testing.T) {
	k := newTestKernel(t)
	resp := k.Handle(context.Background(), "write_note", Params{"content": "   "})
	if resp.Success || resp.Error != CodeEmptyMessage {
		t.Errorf("blank content should fail with %s, got %+v", CodeEmptyMessage, resp)
	}
}

func TestWriteNoteTruncatesOversize(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	resp := k.Handle(ctx, "write_note", Params{
		"content": strings.Repeat("x", types.MaxContentLength+1),
	})
	if !resp.Success {
		t.Fatalf("oversize content should truncate, got error=%s", resp.Error)
	}
	if resp.Data["truncated"] != true {
		t.Errorf("truncated = %v, want true", resp.Data["truncated"])
	}
	if resp.Data["original_length"] != types.MaxContentLength+1 {
		t.Errorf("original_length = %v, want %d", resp.Data["original_length"], types.MaxContentLength+1)
	}

	full := k.Handle(ctx, "get_full_note", Params{"id": resp.Data["id"]})
	if !full.Success {
		t.Fatalf("get_full_note failed: %s", full.Message)
	}
	note := full.Data["note"].(map[string]interface{})
	if got := len(note["content"].(string)); got != types.MaxContentLength {
		t.Errorf("stored content length = %d, want %d", got, types.MaxContentLength)
	}
}

func TestReadNotesTagFilter(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	k.Handle(ctx, "write_note", Params{"content": "first", "tags": "alpha"})
	k.Handle(ctx, "write_note", Params{"content": "second", "tags": "beta"})
	k.Handle(ctx, "write_note", Params{"content": "third", "tags": "alpha,beta"})

	resp := k.Handle(ctx, "read_notes", Params{"tag": "alpha"})
	if !resp.Success {
		t.Fatalf("read_notes failed: %s", resp.Message)
	}
	if got := resp.Data["count"].(int); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
}

func TestReadNotesInvalidMode(t *testing.T) {
	k := newTestKernel(t)
	resp := k.Handle(context.Background(), "read_notes", Params{"mode": "sideways"})
	if resp.Success || resp.Error != CodeInvalidItem {
		t.Errorf("invalid mode should fail with %s, got %+v", CodeInvalidItem, resp)
	}
}

func TestPinUnpin(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	k.Handle(ctx, "write_note", Params{"content": "pin me"})
	pin := k.Handle(ctx, "pin", Params{"id": "last"})
	if !pin.Success {
		t.Fatalf("pin failed: %s", pin.Message)
	}

	pinned := k.Handle(ctx, "read_notes", Params{"pinned_only": true})
	if pinned.Data["count"].(int) != 1 {
		t.Fatalf("expected 1 pinned note, got %v", pinned.Data["count"])
	}

	unpin := k.Handle(ctx, "unpin", Params{"id": "last"})
	if !unpin.Success {
		t.Fatalf("unpin failed: %s", unpin.Message)
	}
	pinned = k.Handle(ctx, "read_notes", Params{"pinned_only": true})
	if pinned.Data["count"].(int) != 0 {
		t.Errorf("expected 0 pinned notes, got %v", pinned.Data["count"])
	}
}

func TestGetFullNoteMissing(t *testing.T) {
	k := newTestKernel(t)
	resp := k.Handle(context.Background(), "get_full_note", Params{"id": float64(4096)})
	if resp.Success || resp.Error != CodeInvalidItem {
		t.Errorf("missing note should fail with %s, got %+v", CodeInvalidItem, resp)
	}
}

func TestClaimOwnership(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	peer := newPeerKernel(t, k, "peer-agent")

	wrote := k.Handle(ctx, "write_note", Params{"content": "contested work item"})
	id := wrote.Data["id"].(int64)

	if resp := k.Handle(ctx, "claim", Params{"id": id}); !resp.Success {
		t.Fatalf("claim failed: %s", resp.Message)
	}
	// Claiming your own note again is a quiet success.
	if resp := k.Handle(ctx, "claim", Params{"id": id}); !resp.Success {
		t.Fatalf("re-claim failed: %s", resp.Message)
	}

	stolen := peer.Handle(ctx, "claim", Params{"id": id})
	if stolen.Success || stolen.Error != CodeOwnedBy {
		t.Errorf("claiming an owned note should fail with %s, got %+v", CodeOwnedBy, stolen)
	}
	if stolen.Details["owner"] != "test-agent" {
		t.Errorf("details should name the owner, got %v", stolen.Details)
	}
}

func TestReleaseNotYours(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	peer := newPeerKernel(t, k, "peer-agent")

	wrote := k.Handle(ctx, "write_note", Params{"content": "mine to keep"})
	id := wrote.Data["id"].(int64)
	k.Handle(ctx, "claim", Params{"id": id})

	resp := peer.Handle(ctx, "release", Params{"id": id})
	if resp.Success || resp.Error != CodeNotYours {
		t.Errorf("releasing someone else's note should fail with %s, got %+v", CodeNotYours, resp)
	}

	if resp := k.Handle(ctx, "release", Params{"id": id}); !resp.Success {
		t.Fatalf("owner release failed: %s", resp.Message)
	}
}

func TestAssignNote(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	wrote := k.Handle(ctx, "write_note", Params{"content": "handoff item"})
	id := wrote.Data["id"].(int64)

	resp := k.Handle(ctx, "assign", Params{"id": id, "to": "peer-agent"})
	if !resp.Success {
		t.Fatalf("assign failed: %s", resp.Message)
	}

	got := k.Handle(ctx, "get_full_note", Params{"id": id})
	note := got.Data["note"].(map[string]interface{})
	if note["owner"] != "peer-agent" {
		t.Errorf("owner = %v, want peer-agent", note["owner"])
	}
}

func TestAssignRequiresRecipient(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	k.Handle(ctx, "write_note", Params{"content": "no destination"})

	resp := k.Handle(ctx, "assign", Params{"id": "last"})
	if resp.Success || resp.Error != CodeInvalidRecipient {
		t.Errorf("assign without to= should fail with %s, got %+v", CodeInvalidRecipient, resp)
	}
}

func TestRecallFindsTextMatches(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	k.Handle(ctx, "write_note", Params{"content": "The payment gateway timeout is 30 seconds"})
	k.Handle(ctx, "write_note", Params{"content": "Unrelated grocery list"})

	resp := k.Handle(ctx, "recall", Params{"query": "payment gateway"})
	if !resp.Success {
		t.Fatalf("recall failed: %s", resp.Message)
	}
	if resp.Data["count"].(int) < 1 {
		t.Error("recall should find the matching note")
	}
	if resp.Data["matched"].(int) < 1 {
		t.Error("text match count should be at least 1")
	}
}

func TestRecallRequiresQuery(t *testing.T) {
	k := newTestKernel(t)
	resp := k.Handle(context.Background(), "recall", Params{})
	if resp.Success || resp.Error != CodeInvalidItem {
		t.Errorf("recall without query should fail, got %+v", resp)
	}
}
