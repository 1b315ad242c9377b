package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// sinceRe matches event-window expressions: (\d+)([smhdw])
// Here m means minutes, unlike compact durations where m is months.
var sinceRe = regexp.MustCompile(`^(\d+)([smhdw])$`)

// ParseSince parses a lookback window like "30s", "5m", "1h", "2d", "1w"
// and returns the moment that far before now.
func ParseSince(s string, now time.Time) (time.Time, error) {
	matches := sinceRe.FindStringSubmatch(s)
	if matches == nil {
		return time.Time{}, fmt.Errorf("invalid since expression: %q (use forms like 5m, 1h, 2d)", s)
	}

	amount, err := strconv.Atoi(matches[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since amount: %q", matches[1])
	}

	var unit time.Duration
	switch matches[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	}

	return now.Add(-time.Duration(amount) * unit), nil
}
