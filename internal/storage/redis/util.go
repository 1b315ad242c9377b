package redis

import (
	"fmt"
	"strconv"
	"time"
)

// padID renders an id fixed-width so zset members with equal scores
// sort numerically: "10" must not sort before "9".
func padID(id int64) string {
	return fmt.Sprintf("%020d", id)
}

// parseID reads an id back from a member or hash field. Leading zeros
// from padID parse away.
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed id %q: %w", s, err)
	}
	return id, nil
}

// rfc encodes a timestamp for hash fields. Zero times encode empty so
// they read back as unset.
func rfc(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseRFC is the inverse of rfc.
func parseRFC(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t, nil
}

// msec converts a timestamp to the millisecond score used by the
// index zsets. Milliseconds keep scores inside float64's exact integer
// range; sub-millisecond order falls back to the id tiebreaker.
func msec(t time.Time) int64 {
	return t.UnixMilli()
}

// scoreStr renders a millisecond score for range queries (inclusive).
func scoreStr(ms int64) string {
	return strconv.FormatInt(ms, 10)
}

// scoreAfter renders an exclusive lower bound for range queries.
func scoreAfter(ms int64) string {
	return "(" + strconv.FormatInt(ms, 10)
}

// utc normalizes a timestamp for storage and comparison.
func utc(t time.Time) time.Time {
	return t.UTC()
}
