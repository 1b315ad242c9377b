// Package textutil provides text normalization, summarization, and
// extraction helpers shared by the kernel and storage layers.
package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Clean strips control characters (keeping newline and tab), normalizes
// line endings, and trims surrounding whitespace.
func Clean(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Summarize derives a short summary from content: the text up to max
// characters, preferring a sentence break past the halfway point, then a
// word boundary, with "..." marking truncation.
func Summarize(content string, max int) string {
	content = strings.TrimSpace(content)
	if idx := strings.IndexByte(content, '\n'); idx >= 0 && idx <= max {
		content = strings.TrimSpace(content[:idx])
	}
	if utf8.RuneCountInString(content) <= max {
		return content
	}

	cut := truncateAt(content, max)

	// Prefer ending on a sentence if one closes past the halfway point.
	if idx := lastSentenceEnd(cut); idx > max/2 {
		return strings.TrimSpace(cut[:idx+1])
	}
	// Otherwise break on the last word.
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "..."
}

// Truncate bounds s to max runes without splitting a multibyte character.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return truncateAt(s, max)
}

// TruncateBytes bounds s to max bytes without splitting a multibyte
// character.
func TruncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func truncateAt(s string, max int) string {
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}

func lastSentenceEnd(s string) int {
	best := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			best = i
		}
	}
	return best
}

// PipeEscape makes a value safe for the pipe-delimited output format by
// replacing delimiters and newlines.
func PipeEscape(s string) string {
	s = strings.ReplaceAll(s, "|", "/")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// NormalizeTags trims, lowercases, drops empties, and deduplicates tags
// while preserving order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
