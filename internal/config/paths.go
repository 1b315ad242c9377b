package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/steveyegge/teambook/internal/utils"
)

// contextFileName holds the active teambook name at the storage root.
const contextFileName = ".current_teambook"

// rootDirUnchecked resolves the storage root without creating it:
// configured value, else ~/.teambook, else a temp path.
func rootDirUnchecked() string {
	if root := GetString("root"); root != "" {
		return utils.ExpandHome(root)
	}
	if env := os.Getenv("TEAMBOOK_ROOT"); env != "" {
		return utils.ExpandHome(env)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "teambook")
	}
	return filepath.Join(home, ".teambook")
}

// Root returns the storage root, creating it if missing. Falls back to a
// temp directory when the preferred location cannot be created.
func Root() (string, error) {
	root := rootDirUnchecked()
	if err := os.MkdirAll(root, 0700); err == nil {
		return root, nil
	}
	root = filepath.Join(os.TempDir(), "teambook")
	if err := os.MkdirAll(root, 0700); err != nil {
		return "", fmt.Errorf("failed to create storage root: %w", err)
	}
	return root, nil
}

// TeambookDir returns the per-teambook directory <root>/<name>/, creating
// it along with its outputs/ and vectors/ subdirectories.
func TeambookDir(name string) (string, error) {
	root, err := Root()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, name)
	for _, d := range []string{dir, filepath.Join(dir, "outputs"), filepath.Join(dir, "vectors")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return "", fmt.Errorf("failed to create teambook directory: %w", err)
		}
	}
	return dir, nil
}

// VaultKeyPath returns the vault key location for a teambook.
func VaultKeyPath(name string) (string, error) {
	dir, err := TeambookDir(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".vault_key"), nil
}

// ContextFilePath returns the active-teambook context file location.
func ContextFilePath() (string, error) {
	root, err := Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, contextFileName), nil
}

// CurrentTeambook resolves the active teambook: the TEAMBOOK_NAME setting
// first, then the context file, else empty (private scope).
func CurrentTeambook() string {
	if name := GetString("name"); name != "" {
		return name
	}
	path, err := ContextFilePath()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SetCurrentTeambook persists the active teambook to the context file.
// An empty name clears the file.
func SetCurrentTeambook(name string) error {
	path, err := ContextFilePath()
	if err != nil {
		return err
	}
	if name == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear context file: %w", err)
		}
		return nil
	}
	if err := utils.AtomicWriteFile(path, []byte(name+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}
	return nil
}

// DataDir returns the host data directory used for cross-process files
// like the identity registry and bridge state: the data-dir setting, else
// the storage root.
func DataDir() (string, error) {
	if dir := GetString("data-dir"); dir != "" {
		dir = utils.ExpandHome(dir)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("failed to create data directory: %w", err)
		}
		return dir, nil
	}
	return Root()
}
