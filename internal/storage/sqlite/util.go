package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// QueryContext exposes the underlying database QueryContext method for
// advanced queries.
func (s *Store) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
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
// Queries built with it must use ESCAPE '\'.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// utc normalizes a timestamp for storage. All column values are written
// in UTC so lexicographic comparison matches chronological order.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// nullTime converts an optional timestamp for binding.
func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return utc(*t)
}

// timePtr converts a scanned nullable timestamp.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// nullInt converts a scanned nullable integer.
func nullInt(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
