package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/teambook/internal/utils"
)

// Registry is a shared file of known identities keyed by ai_id, letting
// peers resolve public keys for signature verification. Entries are never
// deleted; re-registration refreshes updated_at. A process-local mutex
// serializes writers in this process; atomic file replace mediates
// cross-process contention.
type Registry struct {
	mu   sync.Mutex
	path string
}

// NewRegistry opens a registry at path, falling back to the default
// location under the user's teambook directory when path is empty.
func NewRegistry(path string) *Registry {
	if path == "" {
		path = defaultRegistryPath()
	}
	return &Registry{path: utils.ExpandHome(path)}
}

func defaultRegistryPath() string {
	if dir := os.Getenv("MCP_DATA_DIR"); dir != "" {
		return filepath.Join(dir, "identity_registry.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "teambook-identity", "identity_registry.json")
	}
	return filepath.Join(home, ".teambook", "identity_registry.json")
}

// Path returns the registry file location.
func (r *Registry) Path() string { return r.path }

// Register upserts an identity. The original created_at survives
// re-registration; updated_at is refreshed.
func (r *Registry) Register(id *Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return err
	}

	entry := *id
	entry.UpdatedAt = time.Now().UTC()
	if prior, ok := entries[id.AIID]; ok && !prior.CreatedAt.IsZero() {
		entry.CreatedAt = prior.CreatedAt
	}
	entries[id.AIID] = &entry

	return r.save(entries)
}

// Lookup returns the registered identity for an ai_id, or nil when unknown.
func (r *Registry) Lookup(aiID string) (*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	return entries[aiID], nil
}

// List returns all registered identities ordered by ai_id.
func (r *Registry) List() ([]*Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Identity, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AIID < out[j].AIID })
	return out, nil
}

// VerifyPeer checks a signature over data against a registered peer's key.
func (r *Registry) VerifyPeer(aiID string, data []byte, signatureB64 string) (bool, error) {
	peer, err := r.Lookup(aiID)
	if err != nil {
		return false, err
	}
	if peer == nil {
		return false, fmt.Errorf("unknown ai_id: %s", aiID)
	}
	return Verify(peer.PublicKey, data, signatureB64), nil
}

func (r *Registry) load() (map[string]*Identity, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*Identity), nil
		}
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	entries := make(map[string]*Identity)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse registry %s: %w", r.path, err)
	}
	return entries, nil
}

func (r *Registry) save(entries map[string]*Identity) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	if err := utils.AtomicWriteFile(r.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	return nil
}
