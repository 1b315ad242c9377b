package postgres

import (
	"encoding/json"
	"fmt"
	"strings"
)

// qargs collects positional query arguments. add returns the placeholder
// ($1, $2, ...) for the value it appends, so filter builders stay in sync
// with their argument list.
type qargs []interface{}

func (a *qargs) add(v interface{}) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

// marshalStringList encodes a string slice as a JSON array column value.
// Nil and empty slices encode as "[]".
func marshalStringList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// unmarshalStringList decodes a JSON array column value. Malformed values
// decode as empty.
func unmarshalStringList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil
	}
	return list
}

// escapeLike escapes LIKE wildcards so user queries match literally.
// PostgreSQL's default escape character is the backslash.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
