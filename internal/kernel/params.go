package kernel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/steveyegge/teambook/internal/textutil"
)

// Params carries a verb's arguments. Values arrive as decoded JSON from
// the MCP and HTTP hosts but as plain strings from the CLI, so every
// getter normalizes across both. Agents also emit the literal strings
// "null" and "None" for absent values; those read as absent here.
type Params map[string]interface{}

// value returns the raw value with the absent-markers normalized away.
func (p Params) value(key string) (interface{}, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr {
		switch strings.TrimSpace(s) {
		case "", "null", "None":
			return nil, false
		}
	}
	return v, true
}

// Has reports whether key carries a usable value.
func (p Params) Has(key string) bool {
	_, ok := p.value(key)
	return ok
}

// Str returns the trimmed string under key, or "" when absent.
func (p Params) Str(key string) string {
	v, ok := p.value(key)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	}
	return fmt.Sprintf("%v", v)
}

// StrOr returns the string under key, or def when absent.
func (p Params) StrOr(key, def string) string {
	if s := p.Str(key); s != "" {
		return s
	}
	return def
}

// Int returns the integer under key. JSON numbers arrive as float64 and
// CLI values as strings; both convert, decimals truncating.
func (p Params) Int(key string) (int64, bool) {
	v, ok := p.value(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

// IntOr returns the integer under key, or def when absent or unparseable.
func (p Params) IntOr(key string, def int) int {
	if v, ok := p.Int(key); ok {
		return int(v)
	}
	return def
}

// Float returns the float under key.
func (p Params) Float(key string) (float64, bool) {
	v, ok := p.value(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// FloatOr returns the float under key, or def when absent or unparseable.
func (p Params) FloatOr(key string, def float64) float64 {
	if v, ok := p.Float(key); ok {
		return v
	}
	return def
}

// Bool returns the boolean under key, false when absent.
func (p Params) Bool(key string) bool {
	return p.BoolOr(key, false)
}

// BoolOr returns the boolean under key, or def when absent. String forms
// "true"/"1"/"yes"/"on" and their negatives convert.
func (p Params) BoolOr(key string, def bool) bool {
	v, ok := p.value(key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return def
}

// Strings returns a list value: JSON arrays element-wise, a single string
// split on commas. Empty elements drop out.
func (p Params) Strings(key string) []string {
	v, ok := p.value(key)
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s := strings.TrimSpace(fmt.Sprintf("%v", item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		parts := strings.Split(list, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// IDs returns a list of positive ids under key, accepting JSON arrays of
// numbers or strings and comma-separated string lists.
func (p Params) IDs(key string) []int64 {
	v, ok := p.value(key)
	if !ok {
		return nil
	}
	var out []int64
	switch list := v.(type) {
	case []interface{}:
		for _, item := range list {
			if id := looseID(item); id > 0 {
				out = append(out, id)
			}
		}
	case []int64:
		for _, id := range list {
			if id > 0 {
				out = append(out, id)
			}
		}
	case string:
		for _, part := range strings.Split(list, ",") {
			if id := looseID(strings.TrimSpace(part)); id > 0 {
				out = append(out, id)
			}
		}
	case float64:
		if id := int64(list); id > 0 {
			out = append(out, id)
		}
	}
	return out
}

// looseID converts one loosely-typed id value: numbers directly, strings
// through the forgiving note-id parser ("12", "note:12", "#12").
func looseID(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case string:
		id, err := textutil.ParseNoteID(n)
		if err != nil || id <= 0 {
			return 0
		}
		return id
	}
	return 0
}

// requireID extracts a positive item id from p[key]. Returns a failure
// response when the id is missing or unusable.
func requireID(p Params, key string) (int64, *Response) {
	v, ok := p.value(key)
	if !ok {
		return 0, fail(CodeInvalidItem, "%s is required", key)
	}
	id := looseID(v)
	if id <= 0 {
		return 0, fail(CodeInvalidItem, "invalid %s: %v", key, v).
			Suggest("pass a positive numeric id")
	}
	return id, nil
}
