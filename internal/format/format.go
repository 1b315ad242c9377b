// Package format renders kernel responses for the CLI: pipe-delimited
// text by default, raw JSON when requested, plus the lipgloss-styled
// status and board views.
package format

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/teambook/internal/kernel"
	"github.com/steveyegge/teambook/internal/textutil"
)

// Mode selects the output encoding.
type Mode string

const (
	ModePipe Mode = "pipe"
	ModeJSON Mode = "json"
)

// ParseMode normalizes a format string, defaulting to pipe.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return ModeJSON
	}
	return ModePipe
}

// Leading keys rendered before the alphabetical remainder, so ids and
// counts stay at the front of pipe lines regardless of map iteration.
var leadKeys = []string{"id", "msg_id", "task_id", "lock_id", "evo_id", "conn_id", "channel", "resource", "status", "count"}

// Render serializes a response in the given mode. JSON mode emits the
// response object verbatim; pipe mode follows the compact k:v|k:v
// convention with "!code|detail" for errors.
func Render(r *kernel.Response, mode Mode) string {
	if r == nil {
		return ""
	}
	if mode == ModeJSON {
		b, err := json.Marshal(r)
		if err != nil {
			return `{"success":false,"error":"unknown_error"}`
		}
		return string(b)
	}
	if !r.Success {
		return renderError(r)
	}
	return renderData(r)
}

func renderError(r *kernel.Response) string {
	code := r.Error
	if code == "" {
		code = kernel.CodeUnknown
	}
	out := "!" + code
	if r.Message != "" {
		out += "|" + textutil.PipeEscape(r.Message)
	}
	if r.Suggestion != "" {
		out += "\n" + textutil.PipeEscape(r.Suggestion)
	}
	return out
}

func renderData(r *kernel.Response) string {
	if len(r.Data) == 0 {
		if r.Message == "" {
			return "ok"
		}
		return textutil.PipeEscape(r.Message)
	}

	scalars := make(map[string]interface{})
	var listKeys []string
	for k, v := range r.Data {
		if isList(v) {
			listKeys = append(listKeys, k)
			continue
		}
		scalars[k] = v
	}
	sort.Strings(listKeys)

	var lines []string
	if len(scalars) == 1 && len(listKeys) == 0 {
		for _, v := range scalars {
			return textutil.PipeEscape(Scalar(v))
		}
	}
	if len(scalars) > 0 {
		lines = append(lines, joinPairs(scalars))
	}
	for _, k := range listKeys {
		for _, item := range asList(r.Data[k]) {
			lines = append(lines, renderItem(item))
		}
	}
	if len(lines) == 0 {
		return textutil.PipeEscape(r.Message)
	}
	return strings.Join(lines, "\n")
}

func renderItem(v interface{}) string {
	switch item := v.(type) {
	case map[string]interface{}:
		return joinPairs(item)
	default:
		return textutil.PipeEscape(Scalar(v))
	}
}

// joinPairs renders a map as k:v|k:v with a stable key order: the lead
// keys first, everything else alphabetical.
func joinPairs(m map[string]interface{}) string {
	keys := orderedKeys(m)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+textutil.PipeEscape(Scalar(m[k])))
	}
	return strings.Join(parts, "|")
}

func orderedKeys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	taken := make(map[string]bool, len(m))
	for _, k := range leadKeys {
		if _, ok := m[k]; ok {
			out = append(out, k)
			taken[k] = true
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if !taken[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Scalar stringifies a single data value. Whole floats print as
// integers because JSON round-trips erase the distinction.
func Scalar(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case map[string]interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func isList(v interface{}) bool {
	switch v.(type) {
	case []interface{}, []map[string]interface{}, []string:
		return true
	}
	return false
}

func asList(v interface{}) []interface{} {
	switch list := v.(type) {
	case []interface{}:
		return list
	case []map[string]interface{}:
		out := make([]interface{}, len(list))
		for i, m := range list {
			out[i] = m
		}
		return out
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out
	}
	return nil
}

// CompactTime renders a timestamp the way agents read it: "now" under a
// minute, minutes under an hour, clock time today, "yesterday HH:MM",
// day counts under a week, then the bare date.
func CompactTime(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	t = t.UTC()
	now = now.UTC()
	delta := now.Sub(t)
	days := int(delta.Hours() / 24)

	switch {
	case delta < time.Minute:
		return "now"
	case delta < time.Hour:
		return strconv.Itoa(int(delta.Minutes())) + "m"
	case sameDay(t, now):
		return t.Format("15:04")
	case days <= 1:
		return "yesterday " + t.Format("15:04")
	case days < 7:
		return strconv.Itoa(days) + "d ago"
	default:
		return t.Format("2006-01-02")
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
