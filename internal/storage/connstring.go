package storage

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// SQLiteConnString builds a SQLite connection string with standard pragmas.
//
// Includes _busy_timeout (prevents "database is locked" under concurrency),
// _foreign_keys (enforces referential integrity), and _journal_mode=WAL
// (concurrent readers during writes). Honors the TEAMBOOK_LOCK_TIMEOUT env
// var for busy timeout (default 5s). If readOnly is true, the connection is
// opened in read-only mode. If path is already a file: URI, parameters are
// appended only if absent.
func SQLiteConnString(path string, readOnly bool) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}

	busy := 5 * time.Second
	if v := strings.TrimSpace(os.Getenv("TEAMBOOK_LOCK_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			busy = d
		}
	}
	busyMs := int64(busy / time.Millisecond)

	if strings.HasPrefix(path, "file:") {
		conn := path
		sep := "?"
		if strings.Contains(conn, "?") {
			sep = "&"
		}
		if readOnly && !strings.Contains(conn, "mode=") {
			conn += sep + "mode=ro"
			sep = "&"
		}
		if !strings.Contains(conn, "_busy_timeout=") {
			conn += fmt.Sprintf("%s_busy_timeout=%d", sep, busyMs)
			sep = "&"
		}
		if !strings.Contains(conn, "_journal_mode=") {
			conn += sep + "_journal_mode=WAL"
			sep = "&"
		}
		if !strings.Contains(conn, "_foreign_keys=") {
			conn += sep + "_foreign_keys=ON"
		}
		return conn
	}

	if readOnly {
		return fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=ON", path, busyMs)
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=ON", path, busyMs)
}
