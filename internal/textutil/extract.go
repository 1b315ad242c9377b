package textutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Reference patterns recognized in note content: "note 12", "n12", "#12", "[12]".
var refPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)note\s+(\d+)`),
	regexp.MustCompile(`\bn(\d+)\b`),
	regexp.MustCompile(`#(\d+)\b`),
	regexp.MustCompile(`\[(\d+)\]`),
}

var mentionPattern = regexp.MustCompile(`@([\w-]+)`)

// knownTools are entity names recognized without an @ prefix.
var knownTools = []string{
	"notebook", "teambook", "task_diary", "world", "firefox", "postgres",
	"sqlite", "redis", "git", "docker", "kubernetes", "python", "rust",
}

var toolPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(knownTools, "|") + `)\b`)

// ExtractReferences finds note IDs referenced in content, deduplicated in
// order of first appearance.
func ExtractReferences(content string) []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, p := range refPatterns {
		for _, m := range p.FindAllStringSubmatch(content, -1) {
			id, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil || id <= 0 {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// ExtractedEntity is one entity mention found in content.
type ExtractedEntity struct {
	Name string
	Type string // mention, tool
}

// ExtractEntities finds @mentions and known tool names in content,
// deduplicated by lowercase name in order of first appearance.
func ExtractEntities(content string) []ExtractedEntity {
	seen := make(map[string]struct{})
	var out []ExtractedEntity

	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		name := strings.ToLower(m[1])
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, ExtractedEntity{Name: name, Type: "mention"})
	}
	for _, m := range toolPattern.FindAllStringSubmatch(content, -1) {
		name := strings.ToLower(m[1])
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, ExtractedEntity{Name: name, Type: "tool"})
	}
	return out
}

// ParseNoteID resolves loose note identifiers: bare numbers, "note:12",
// "evo:12", "#12". The literal "last" maps to -1 for the caller to resolve
// against the most recent note.
func ParseNoteID(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("note id is required")
	}
	if s == "last" {
		return -1, nil
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return 0, fmt.Errorf("invalid note id: %s", s)
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid note id: %s", s)
	}
	return id, nil
}
