package format

import (
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/teambook/internal/types"
)

func TestStatusViewPipeFallback(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	out := StatusView(map[string]interface{}{
		"teambook": "demo",
		"backend":  "sqlite",
		"notes":    12,
	}, time.Now())
	if !strings.Contains(out, "teambook:demo") || !strings.Contains(out, "notes:12") {
		t.Fatalf("expected pipe pairs, got %q", out)
	}
}

func TestPresenceViewPipeFallback(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	peers := []*types.Presence{
		{AIID: "alpha-001", LastSeen: now.Add(-30 * time.Second)},
		{AIID: "beta-002", LastSeen: now.Add(-10 * time.Minute)},
	}
	out := PresenceView(peers, now)
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out)
	}
	if !strings.Contains(lines[0], "alpha-001|online") {
		t.Fatalf("alpha should read online: %q", lines[0])
	}
	if !strings.Contains(lines[1], "beta-002|away") {
		t.Fatalf("beta should read away: %q", lines[1])
	}
}

func TestPresenceViewEmpty(t *testing.T) {
	if out := PresenceView(nil, time.Now()); out != "nobody here" {
		t.Fatalf("empty presence = %q", out)
	}
}

func TestBoardViewPipeFallback(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	now := time.Now()
	tasks := []*types.Task{
		{ID: 1, Content: "deploy", Priority: 5, Status: types.TaskPending, CreatedAt: now},
		{ID: 2, Content: "review", Priority: 9, Status: types.TaskClaimed, ClaimedBy: "alpha-001", CreatedAt: now},
	}
	out := BoardView(tasks, now)
	if !strings.Contains(out, "1|pending|p5|deploy") {
		t.Fatalf("missing pending row: %q", out)
	}
	if !strings.Contains(out, "2|claimed|p9|review") {
		t.Fatalf("missing claimed row: %q", out)
	}
}

func TestRenderMarkdownAgentModePassthrough(t *testing.T) {
	t.Setenv("TEAMBOOK_AGENT", "1")
	src := "# heading\n\nsome *markdown*"
	if got := RenderMarkdown(src); got != src {
		t.Fatalf("agent mode must pass markdown through unchanged, got %q", got)
	}
}
