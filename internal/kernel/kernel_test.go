package kernel

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/steveyegge/teambook/internal/config"
	"github.com/steveyegge/teambook/internal/identity"
	"github.com/steveyegge/teambook/internal/ratelimit"
	"github.com/steveyegge/teambook/internal/storage/sqlite"
)

// newTestKernel builds a kernel over a fresh sqlite store with a
// deterministic identity. The config root points at a temp dir so
// teambook files never leak outside the test.
func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	config.Set("root", t.TempDir())

	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), "test-team")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mgr := identity.NewManager(identity.Options{
		Dir:         t.TempDir(),
		AIID:        "test-agent",
		DisplayName: "Test Agent",
	})
	k, err := New(Options{Store: st, Identity: mgr})
	if err != nil {
		t.Fatalf("failed to build kernel: %v", err)
	}
	return k
}

// newPeerKernel builds a second kernel for aiID sharing k's store and
// bus, for tests that need two agents in one teambook.
func newPeerKernel(t *testing.T, k *Kernel, aiID string) *Kernel {
	t.Helper()
	mgr := identity.NewManager(identity.Options{
		Dir:         t.TempDir(),
		AIID:        aiID,
		DisplayName: aiID,
	})
	peer, err := New(Options{Store: k.db(), Identity: mgr, Bus: k.bus})
	if err != nil {
		t.Fatalf("failed to build peer kernel: %v", err)
	}
	return peer
}

func TestHandleUnknownVerb(t *testing.T) {
	k := newTestKernel(t)
	resp := k.Handle(context.Background(), "frobnicate", nil)
	if resp.Success {
		t.Fatal("unknown verb should fail")
	}
	if resp.Error != CodeUnknown {
		t.Errorf("error = %q, want %q", resp.Error, CodeUnknown)
	}
}

func TestHandleNilParams(t *testing.T) {
	k := newTestKernel(t)
	resp := k.Handle(context.Background(), "get_status", nil)
	if !resp.Success {
		t.Fatalf("get_status with nil params failed: %s", resp.Message)
	}
}

func TestCanonicalAliases(t *testing.T) {
	cases := map[string]string{
		"write":        "write_note",
		"remember":     "write_note",
		"READ":         "read_notes",
		"dm":           "send_message",
		"broadcast":    "send_message",
		"lock":         "acquire_lock",
		"unlock":       "release_lock",
		"who":          "who_is_here",
		"standby_mode": "standby",
		" status ":     "get_status",
		"write_note":   "write_note",
		"nonsense":     "nonsense",
	}
	for in, want := range cases {
		if got := Canonical(in); got != want {
			t.Errorf("Canonical(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVerbsSorted(t *testing.T) {
	k := newTestKernel(t)
	verbs := k.Verbs()
	if !sort.StringsAreSorted(verbs) {
		t.Error("Verbs() should be sorted")
	}
	want := map[string]bool{
		"write_note": false, "acquire_lock": false, "synthesize": false,
		"standby": false, "vault_set": false, "batch": false,
	}
	for _, v := range verbs {
		if _, ok := want[v]; ok {
			want[v] = true
		}
	}
	for v, seen := range want {
		if !seen {
			t.Errorf("verb %s missing from listing", v)
		}
	}
}

func TestHandleRecordsPresenceAndOperations(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	resp := k.Handle(ctx, "write_note", Params{"content": "tracking check"})
	if !resp.Success {
		t.Fatalf("write_note failed: %s", resp.Message)
	}

	presence, err := k.db().ListPresence(ctx)
	if err != nil {
		t.Fatalf("failed to list presence: %v", err)
	}
	found := false
	for _, p := range presence {
		if p.AIID == "test-agent" && p.LastOperation == "write_note" {
			found = true
		}
	}
	if !found {
		t.Error("write_note should record presence")
	}

	ops, err := k.db().RecentOperations(ctx, "test-agent", 5)
	if err != nil {
		t.Fatalf("failed to read operations: %v", err)
	}
	if len(ops) == 0 || ops[0].Operation != "write_note" {
		t.Errorf("operation log should lead with write_note, got %+v", ops)
	}
}

func TestHandleRateLimitPerSecond(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	for i := 0; i < ratelimit.CallsPerSecond.Limit; i++ {
		if resp := k.Handle(ctx, "get_status", nil); !resp.Success {
			t.Fatalf("call %d unexpectedly failed: %s", i+1, resp.Message)
		}
	}
	resp := k.Handle(ctx, "get_status", nil)
	if resp.Success {
		t.Fatal("call past the per-second window should fail")
	}
	if resp.Error != CodeRateLimit {
		t.Errorf("error = %q, want %q", resp.Error, CodeRateLimit)
	}
}

func TestHandleRecoversPanic(t *testing.T) {
	k := newTestKernel(t)
	k.verbs["explode"] = func(ctx context.Context, p Params) *Response {
		panic("kaboom")
	}
	resp := k.Handle(context.Background(), "explode", nil)
	if resp.Success {
		t.Fatal("panicking verb should fail")
	}
	if resp.Error != CodeUnknown {
		t.Errorf("error = %q, want %q", resp.Error, CodeUnknown)
	}
}

func TestLastWriteResolution(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	resp := k.Handle(ctx, "write_note", Params{"content": "resolved as last"})
	if !resp.Success {
		t.Fatalf("write_note failed: %s", resp.Message)
	}
	id := resp.Data["id"].(int64)

	got := k.Handle(ctx, "get_full_note", Params{"id": "last"})
	if !got.Success {
		t.Fatalf("get_full_note last failed: %s", got.Message)
	}
	note := got.Data["note"].(map[string]interface{})
	if note["id"].(int64) != id {
		t.Errorf("last resolved to %v, want %d", note["id"], id)
	}
}

func TestLastWriteSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)

	resp := k.Handle(ctx, "write_note", Params{"content": "persisted marker"})
	if !resp.Success {
		t.Fatalf("write_note failed: %s", resp.Message)
	}
	id := resp.Data["id"].(int64)

	// A second kernel over the same store starts with no in-process
	// marker and must fall back to the last-operation file.
	k2 := newPeerKernel(t, k, "restart-agent")
	if got := k2.lastWriteID(ctx); got != id {
		t.Errorf("lastWriteID after restart = %d, want %d", got, id)
	}
}
