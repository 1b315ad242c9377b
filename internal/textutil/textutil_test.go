package textutil

import (
	"strings"
	"testing"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trims", "  hello  ", "hello"},
		{"crlf", "a\r\nb", "a\nb"},
		{"bare cr", "a\rb", "a\nb"},
		{"keeps tab", "a\tb", "a\tb"},
		{"strips control", "a\x00b\x07c", "abc"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	if got := Summarize("short", 200); got != "short" {
		t.Errorf("short content should pass through, got %q", got)
	}

	// First line wins when it fits.
	if got := Summarize("headline\nbody text follows", 200); got != "headline" {
		t.Errorf("expected first line, got %q", got)
	}

	// Sentence break preferred past the halfway point.
	long := "This is the first sentence of many words here. And then it keeps going with much more text beyond the cut point for a while longer."
	got := Summarize(long, 60)
	if !strings.HasSuffix(got, ".") {
		t.Errorf("expected sentence break, got %q", got)
	}
	if len(got) > 60 {
		t.Errorf("summary too long: %d chars", len(got))
	}

	// Word boundary with ellipsis when no sentence break lands late enough.
	words := strings.Repeat("word ", 50)
	got = Summarize(words, 40)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis, got %q", got)
	}
	if strings.Contains(strings.TrimSuffix(got, "..."), "wor ") {
		t.Errorf("split mid-word: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo wörld", 5); got != "héllo" {
		t.Errorf("Truncate = %q, want %q", got, "héllo")
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate should pass short strings through, got %q", got)
	}
}

func TestTruncateBytes(t *testing.T) {
	if got := TruncateBytes("abcdef", 4); got != "abcd" {
		t.Errorf("TruncateBytes = %q, want %q", got, "abcd")
	}
	// Never splits a multibyte rune: é starts at byte 1.
	if got := TruncateBytes("héllo", 2); got != "h" {
		t.Errorf("TruncateBytes = %q, want %q", got, "h")
	}
	if got := TruncateBytes("abc", 10); got != "abc" {
		t.Errorf("TruncateBytes should pass short strings through, got %q", got)
	}
}

func TestPipeEscape(t *testing.T) {
	if got := PipeEscape("a|b\nc"); got != "a/b c" {
		t.Errorf("PipeEscape = %q", got)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Alpha", "beta", "ALPHA", "", "  "})
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("NormalizeTags = %v", got)
	}
}

func TestExtractReferences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []int64
	}{
		{"note word", "see note 12 for details", []int64{12}},
		{"short form", "continues n34 here", []int64{34}},
		{"hash", "fixes #56", []int64{56}},
		{"bracket", "per [78]", []int64{78}},
		{"dedup", "note 5 and #5 and n5", []int64{5}},
		{"multiple", "note 1 then #2", []int64{1, 2}},
		{"none", "no references here", nil},
		{"zero ignored", "note 0 invalid", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractReferences(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("ExtractReferences(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ExtractReferences(%q)[%d] = %d, want %d", tt.in, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestExtractEntities(t *testing.T) {
	got := ExtractEntities("ping @claude-2 about the Postgres migration, also @claude-2 again")
	if len(got) != 2 {
		t.Fatalf("expected 2 entities, got %v", got)
	}
	if got[0].Name != "claude-2" || got[0].Type != "mention" {
		t.Errorf("entity[0] = %+v", got[0])
	}
	if got[1].Name != "postgres" || got[1].Type != "tool" {
		t.Errorf("entity[1] = %+v", got[1])
	}
}

func TestParseNoteID(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"12", 12, false},
		{"note:12", 12, false},
		{"evo:7", 7, false},
		{"#34", 34, false},
		{"last", -1, false},
		{"LAST", -1, false},
		{"", 0, true},
		{"abc", 0, true},
		{"0", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseNoteID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseNoteID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseNoteID(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
