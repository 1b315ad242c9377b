package format

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/steveyegge/teambook/internal/types"
)

// Styles for the human-facing views. Adaptive colors keep both light
// and dark terminals readable; pipe mode never touches these.
var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"})
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})
	onlineStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"})
	awayStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"})
	columnStyle = lipgloss.NewStyle().Padding(0, 1).Border(lipgloss.RoundedBorder())
)

// StatusView renders the get_status data payload for a human terminal.
// Falls back to the plain pipe rendering when styling is off.
func StatusView(data map[string]interface{}, now time.Time) string {
	if !ShouldUseColor() {
		return joinPairs(data)
	}

	name := Scalar(data["teambook"])
	var b strings.Builder
	b.WriteString(headerStyle.Render("teambook "+name) + "\n")

	rows := [][2]string{
		{"backend", Scalar(data["backend"])},
		{"notes", Scalar(data["notes"])},
		{"pinned", Scalar(data["pinned"])},
		{"messages", Scalar(data["messages"])},
		{"unread dms", Scalar(data["unread_dms"])},
		{"locks", Scalar(data["locks"])},
		{"pending tasks", Scalar(data["pending_tasks"])},
		{"watches", Scalar(data["watches"])},
		{"active AIs", Scalar(data["active_ais"])},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		b.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", row[0])), row[1]))
	}
	if lw := Scalar(data["last_write"]); lw != "" {
		if t, err := time.Parse(time.RFC3339, lw); err == nil {
			b.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-14s", "last write")), CompactTime(t, now)))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// PresenceView renders who_is_here entries with status coloring.
func PresenceView(peers []*types.Presence, now time.Time) string {
	if len(peers) == 0 {
		return "nobody here"
	}
	if !ShouldUseColor() {
		var lines []string
		for _, p := range peers {
			lines = append(lines, fmt.Sprintf("%s|%s|%s", p.AIID, p.Status(now), CompactTime(p.LastSeen, now)))
		}
		return strings.Join(lines, "\n")
	}

	var b strings.Builder
	for _, p := range peers {
		status := string(p.Status(now))
		switch p.Status(now) {
		case types.PresenceOnline:
			status = onlineStyle.Render(status)
		case types.PresenceAway:
			status = awayStyle.Render(status)
		default:
			status = labelStyle.Render(status)
		}
		b.WriteString(fmt.Sprintf("%-24s %s  %s", p.AIID, status, labelStyle.Render(CompactTime(p.LastSeen, now))))
		if p.StatusMessage != "" {
			b.WriteString("  " + p.StatusMessage)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// BoardView renders the task queue as status columns: pending, claimed,
// completed. Plain rows when styling is off.
func BoardView(tasks []*types.Task, now time.Time) string {
	if len(tasks) == 0 {
		return "no tasks"
	}

	byStatus := map[types.TaskStatus][]*types.Task{}
	for _, t := range tasks {
		byStatus[t.Status] = append(byStatus[t.Status], t)
	}
	order := []types.TaskStatus{types.TaskPending, types.TaskClaimed, types.TaskCompleted}

	if !ShouldUseColor() {
		var lines []string
		for _, status := range order {
			for _, t := range byStatus[status] {
				lines = append(lines, fmt.Sprintf("%d|%s|p%d|%s", t.ID, status, t.Priority, t.Content))
			}
		}
		return strings.Join(lines, "\n")
	}

	width := (Width() - 8) / len(order)
	if width < 16 {
		width = 16
	}
	var columns []string
	for _, status := range order {
		list := byStatus[status]
		sort.Slice(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority > list[j].Priority
			}
			return list[i].ID < list[j].ID
		})
		var col strings.Builder
		col.WriteString(headerStyle.Render(fmt.Sprintf("%s (%d)", status, len(list))) + "\n")
		for _, t := range list {
			line := fmt.Sprintf("#%d p%d %s", t.ID, t.Priority, t.Content)
			if runes := []rune(line); len(runes) > width {
				line = string(runes[:width-1]) + "…"
			}
			col.WriteString(line + "\n")
			meta := CompactTime(t.CreatedAt, now)
			if t.ClaimedBy != "" {
				meta += " " + t.ClaimedBy
			}
			col.WriteString(labelStyle.Render("  "+meta) + "\n")
		}
		columns = append(columns, columnStyle.Width(width).Render(strings.TrimRight(col.String(), "\n")))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, columns...)
}
