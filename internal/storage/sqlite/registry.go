package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// Data-root layout: one directory per teambook holding the database file
// and a creation manifest.
const (
	DBFileName   = "teambook.db"
	manifestName = "teambook.json"
)

// DBPath returns the database file path for a teambook under a data root.
func DBPath(root, teambook string) string {
	return filepath.Join(root, teambook, DBFileName)
}

// Registry lists teambooks by scanning the data root. Creation drops a
// manifest file; last activity comes from the database file's mtime, so
// TouchTeambook never writes anything.
type Registry struct {
	root string
}

// OpenRegistry prepares the data root for use.
func OpenRegistry(root string) (*Registry, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data root: %w", err)
	}
	return &Registry{root: root}, nil
}

// Root returns the data root directory.
func (r *Registry) Root() string {
	return r.root
}

// CreateTeambook records a new teambook. The manifest is written with
// O_EXCL so concurrent creators race safely; the loser gets
// storage.ErrTeambookExists.
func (r *Registry) CreateTeambook(ctx context.Context, tb *types.Teambook) error {
	if !types.ValidTeambookName(tb.Name) {
		return fmt.Errorf("invalid teambook name: %q", tb.Name)
	}
	if tb.CreatedAt.IsZero() {
		tb.CreatedAt = time.Now()
	}

	dir := filepath.Join(r.root, tb.Name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create teambook directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, manifestName),
		os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("teambook %q: %w", tb.Name, storage.ErrTeambookExists)
		}
		return fmt.Errorf("failed to create teambook manifest: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(tb); err != nil {
		return fmt.Errorf("failed to write teambook manifest: %w", err)
	}
	return nil
}

// GetTeambook loads a teambook's manifest. LastActive reflects the
// database file's modification time when the database exists.
func (r *Registry) GetTeambook(ctx context.Context, name string) (*types.Teambook, error) {
	data, err := os.ReadFile(filepath.Join(r.root, name, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("teambook %q: %w", name, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read teambook manifest: %w", err)
	}

	var tb types.Teambook
	if err := json.Unmarshal(data, &tb); err != nil {
		return nil, fmt.Errorf("failed to parse teambook manifest: %w", err)
	}
	tb.Name = name

	if info, err := os.Stat(DBPath(r.root, name)); err == nil {
		tb.LastActive = info.ModTime()
	} else if tb.LastActive.IsZero() {
		tb.LastActive = tb.CreatedAt
	}
	return &tb, nil
}

// ListTeambooks scans the data root for teambook manifests, sorted by name.
func (r *Registry) ListTeambooks(ctx context.Context) ([]*types.Teambook, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan data root: %w", err)
	}

	var teambooks []*types.Teambook
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tb, err := r.GetTeambook(ctx, entry.Name())
		if err != nil {
			continue // unmanaged directory
		}
		teambooks = append(teambooks, tb)
	}
	sort.Slice(teambooks, func(i, j int) bool {
		return teambooks[i].Name < teambooks[j].Name
	})
	return teambooks, nil
}

// TouchTeambook is a no-op on the embedded backend: any write already
// bumps the database file's mtime, which is what LastActive reads.
func (r *Registry) TouchTeambook(ctx context.Context, name string, at time.Time) error {
	return nil
}

var _ storage.Registry = (*Registry)(nil)
