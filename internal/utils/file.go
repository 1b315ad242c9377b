// Package utils provides file and path helpers shared across the codebase.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// RenameWithRetry performs an atomic file rename with retry logic for Windows.
// On Windows, renames can fail with "Access is denied" when another process
// (daemon, editor, git) has a handle on the target file. Retries with
// exponential backoff to ride out transient locking.
func RenameWithRetry(oldPath, newPath string, maxRetries int, initialDelay time.Duration) error {
	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := os.Rename(oldPath, newPath)
		if err == nil {
			return nil
		}
		lastErr = err

		// On non-Windows the error is likely permanent.
		if runtime.GOOS != "windows" {
			break
		}
		if attempt < maxRetries {
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("rename failed after %d attempt(s): %w", maxRetries+1, lastErr)
}

// DefaultRenameRetry calls RenameWithRetry with defaults suited to Windows:
// 3 retries starting at 100ms.
func DefaultRenameRetry(oldPath, newPath string) error {
	return RenameWithRetry(oldPath, newPath, 3, 100*time.Millisecond)
}

// AtomicWriteFile writes data to path via a temp file in the same directory
// followed by an atomic rename, so concurrent readers never observe a
// partial file. The file ends up with the given permissions regardless of
// umask.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := DefaultRenameRetry(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
