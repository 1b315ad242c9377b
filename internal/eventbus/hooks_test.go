package eventbus

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/steveyegge/teambook/internal/types"
)

func TestHookHandlerRunsCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "event.json")
	h := NewHookHandler(HookConfig{ID: "capture", Command: "cat > " + out})

	e := testEvent(types.EventCreated)
	e.ID = 9
	if err := h.Handle(context.Background(), e); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("hook output missing: %v", err)
	}
	var decoded types.Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("hook stdin was not event JSON: %v", err)
	}
	if decoded.ID != 9 || decoded.ItemID != "7" {
		t.Errorf("unexpected event on stdin: %+v", decoded)
	}
}

func TestHookHandlerReportsFailure(t *testing.T) {
	h := NewHookHandler(HookConfig{ID: "boom", Command: "echo kaput >&2; exit 3"})
	err := h.Handle(context.Background(), testEvent(types.EventCreated))
	if err == nil {
		t.Fatal("expected an error from the failing hook")
	}
	if !strings.Contains(err.Error(), "exit 3") || !strings.Contains(err.Error(), "kaput") {
		t.Errorf("error should carry exit code and stderr, got %v", err)
	}
}

func TestHookHandlerDefaults(t *testing.T) {
	h := NewHookHandler(HookConfig{ID: "d", Command: "true"})
	cfg := h.Config()
	if cfg.Priority != 50 || cfg.Shell != "sh" || cfg.Timeout != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if len(h.Handles()) != 0 {
		t.Errorf("expected an unfiltered hook, got %v", h.Handles())
	}
}

func TestHooksFromEnv(t *testing.T) {
	t.Setenv(EnvEventHooks, `[
		{"id": "audit", "command": "logger -t teambook"},
		{"id": "page", "command": "notify.sh", "events": ["locked"], "priority": 20}
	]`)
	hooks, err := HooksFromEnv()
	if err != nil {
		t.Fatalf("HooksFromEnv failed: %v", err)
	}
	if len(hooks) != 2 {
		t.Fatalf("expected 2 hooks, got %d", len(hooks))
	}
	if hooks[0].ID() != "audit" || hooks[1].Priority() != 20 {
		t.Errorf("unexpected hooks: %+v, %+v", hooks[0].Config(), hooks[1].Config())
	}
	if len(hooks[1].Handles()) != 1 || hooks[1].Handles()[0] != types.EventLocked {
		t.Errorf("unexpected event filter: %v", hooks[1].Handles())
	}
}

func TestHooksFromEnvRejectsBadConfig(t *testing.T) {
	t.Setenv(EnvEventHooks, `{not json`)
	if _, err := HooksFromEnv(); err == nil {
		t.Error("expected a parse error")
	}

	t.Setenv(EnvEventHooks, `[{"command": "true"}]`)
	if _, err := HooksFromEnv(); err == nil {
		t.Error("expected an error for a hook without an id")
	}

	t.Setenv(EnvEventHooks, "")
	hooks, err := HooksFromEnv()
	if hooks != nil || err != nil {
		t.Errorf("expected none when unset, got %v, %v", hooks, err)
	}
}
