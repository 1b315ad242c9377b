package utils

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ExpandHome replaces a leading ~ with the user's home directory. Paths
// without the prefix pass through unchanged, as does the original path if
// the home directory cannot be determined.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// CanonicalizePath converts a path to its canonical form: absolute, with
// symlinks resolved. Falls back to the best available form when either
// step fails.
func CanonicalizePath(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	canonical, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return absPath
	}
	return canonical
}

// NormalizePathForComparison returns a path normalized for equality checks:
// absolute, symlinks resolved, and lowercased on case-insensitive
// filesystems (macOS, Windows). Use for comparing, not storing.
func NormalizePathForComparison(path string) string {
	if path == "" {
		return ""
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	canonical, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		canonical = absPath
	}
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		canonical = strings.ToLower(canonical)
	}
	return canonical
}

// PathsEqual compares two paths for equality, handling case-insensitive
// filesystems and symlinks.
func PathsEqual(path1, path2 string) bool {
	return NormalizePathForComparison(path1) == NormalizePathForComparison(path2)
}
