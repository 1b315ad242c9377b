// Package identity manages per-AI Ed25519 identities: key generation,
// persistence, signed envelopes, and protocol-specific handle resolution.
//
// Each AI gets a stable ai_id of the form "<slug>-<suffix>", where the
// 3-digit suffix is derived from the public key hash. Identities persist
// to an owner-only metadata file with the private key beside it; a shared
// registry file lets peers look up public keys for verification.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/steveyegge/teambook/internal/utils"
)

const (
	identityFileName = "ai_identity.json"
	keyFileName      = "ai_identity.key"
	MaxHandleLength  = 64
)

// Identity is the public metadata for one AI.
type Identity struct {
	AIID        string            `json:"ai_id"`
	DisplayName string            `json:"display_name"`
	Fingerprint string            `json:"fingerprint"`
	PublicKey   string            `json:"public_key"` // base64 Ed25519
	Handles     map[string]string `json:"handles,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Options configures identity loading. Zero values fall back to
// environment variables and then defaults.
type Options struct {
	Dir          string // identity directory (AI_IDENTITY_DIR)
	File         string // explicit metadata file path (AI_IDENTITY_FILE)
	RegistryPath string // registry file path (AI_IDENTITY_REGISTRY)
	AIID         string // fixed ai_id override (AI_ID)
	DisplayName  string // display name override (AI_DISPLAY_NAME)
}

// OptionsFromEnv builds Options from the recognized environment variables.
func OptionsFromEnv() Options {
	return Options{
		Dir:          os.Getenv("AI_IDENTITY_DIR"),
		File:         os.Getenv("AI_IDENTITY_FILE"),
		RegistryPath: os.Getenv("AI_IDENTITY_REGISTRY"),
		AIID:         os.Getenv("AI_ID"),
		DisplayName:  os.Getenv("AI_DISPLAY_NAME"),
	}
}

// Manager loads and caches one AI's identity and private key. Safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	opts     Options
	identity *Identity
	priv     ed25519.PrivateKey
	dir      string
}

// NewManager creates a manager with the given options. Nothing is loaded
// until LoadOrCreate is called.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// LoadOrCreate reads the identity metadata and private key, searching the
// configured path and then legacy locations, generating and persisting a
// fresh identity when none exists. Persistence failures degrade to an
// in-memory identity rather than aborting.
func (m *Manager) LoadOrCreate() (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity != nil {
		return m.identity, nil
	}

	dir, err := m.identityDir()
	if err != nil {
		return nil, err
	}
	m.dir = dir

	for _, path := range m.searchPaths(dir) {
		id, priv, err := loadIdentityFile(path)
		if err != nil {
			continue
		}
		m.applyOverrides(id)
		m.identity = id
		m.priv = priv
		return id, nil
	}

	id, priv, err := m.generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := saveIdentityFiles(dir, id, priv); err != nil {
		// Degrade: identity works for this process, envelopes stay signed,
		// but the next process will mint a new one.
		fmt.Fprintf(os.Stderr, "Warning: failed to persist identity: %v\n", err)
	}
	m.identity = id
	m.priv = priv
	return id, nil
}

// Current returns the loaded identity, or nil before LoadOrCreate.
func (m *Manager) Current() *Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Sign signs data with the cached private key and returns a base64
// signature. Returns an error if the key is unavailable; callers degrade
// to unsigned envelopes.
func (m *Manager) Sign(data []byte) (string, error) {
	m.mu.Lock()
	priv := m.priv
	m.mu.Unlock()

	if priv == nil {
		return "", fmt.Errorf("private key not loaded")
	}
	sig := ed25519.Sign(priv, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over data against a base64 public key.
func Verify(publicKeyB64 string, data []byte, signatureB64 string) bool {
	pub, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

// Fingerprint derives the identity fingerprint from a raw public key:
// the first 16 hex characters of SHA3-256, uppercased.
func Fingerprint(pub ed25519.PublicKey) string {
	h := sha3.Sum256(pub)
	return strings.ToUpper(hex.EncodeToString(h[:]))[:16]
}

// Suffix derives the 3-digit ai_id suffix from a raw public key: the
// big-endian value of the first 3 bytes of SHA3-256, mod 1000.
func Suffix(pub ed25519.PublicKey) string {
	h := sha3.Sum256(pub)
	v := uint32(h[0])<<16 | uint32(h[1])<<8 | uint32(h[2])
	return fmt.Sprintf("%03d", v%1000)
}

func (m *Manager) generate() (*Identity, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	display := m.opts.DisplayName
	if display == "" {
		display = deriveDisplayName(pub)
	}

	aiID := m.opts.AIID
	if aiID == "" {
		aiID = Slug(display) + "-" + Suffix(pub)
	}

	now := time.Now().UTC()
	id := &Identity{
		AIID:        aiID,
		DisplayName: display,
		Fingerprint: Fingerprint(pub),
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id.Handles = DefaultHandles(id)
	return id, priv, nil
}

// applyOverrides refreshes mutable fields from configuration without
// touching the key-derived ones.
func (m *Manager) applyOverrides(id *Identity) {
	if m.opts.DisplayName != "" && m.opts.DisplayName != id.DisplayName {
		id.DisplayName = m.opts.DisplayName
		id.Handles = DefaultHandles(id)
		id.UpdatedAt = time.Now().UTC()
	}
	if len(id.Handles) == 0 {
		id.Handles = DefaultHandles(id)
	}
}

func (m *Manager) identityDir() (string, error) {
	if m.opts.File != "" {
		return filepath.Dir(utils.ExpandHome(m.opts.File)), nil
	}
	if m.opts.Dir != "" {
		dir := utils.ExpandHome(m.opts.Dir)
		if err := os.MkdirAll(dir, 0700); err == nil {
			return dir, nil
		}
	}
	home, err := os.UserHomeDir()
	if err == nil {
		dir := filepath.Join(home, ".teambook", "identity")
		if err := os.MkdirAll(dir, 0700); err == nil {
			return dir, nil
		}
	}
	// Last resort: a temp directory, so identity still works in
	// constrained environments.
	dir := filepath.Join(os.TempDir(), "teambook-identity")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create identity directory: %w", err)
	}
	return dir, nil
}

// searchPaths lists candidate metadata files: the explicit override first,
// then the canonical location, then legacy spots.
func (m *Manager) searchPaths(dir string) []string {
	var paths []string
	if m.opts.File != "" {
		paths = append(paths, utils.ExpandHome(m.opts.File))
	}
	paths = append(paths, filepath.Join(dir, identityFileName))
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".teambook", identityFileName),
			filepath.Join(home, ".config", "teambook", identityFileName),
		)
	}
	return paths
}

func loadIdentityFile(path string) (*Identity, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, nil, fmt.Errorf("failed to parse identity file %s: %w", path, err)
	}
	if id.AIID == "" || id.PublicKey == "" {
		return nil, nil, fmt.Errorf("identity file %s is incomplete", path)
	}

	// Key lives beside the metadata; a missing key degrades to unsigned.
	keyPath := filepath.Join(filepath.Dir(path), keyFileName)
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return &id, nil, nil
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(keyData)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return &id, nil, nil
	}
	return &id, ed25519.NewKeyFromSeed(seed), nil
}

func saveIdentityFiles(dir string, id *Identity, priv ed25519.PrivateKey) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := utils.AtomicWriteFile(filepath.Join(dir, identityFileName), data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}

	seed := base64.StdEncoding.EncodeToString(priv.Seed())
	if err := utils.AtomicWriteFile(filepath.Join(dir, keyFileName), []byte(seed), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Slug normalizes a display name into the ai_id prefix: lowercase
// alphanumeric with single dashes, at most 40 characters.
func Slug(name string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if len(s) > 40 {
		s = strings.TrimSuffix(s[:40], "-")
	}
	if s == "" {
		s = "ai"
	}
	return s
}

// Display name word lists, indexed by public key hash so a regenerated
// identity with the same key gets the same name.
var (
	nameAdjectives = []string{
		"swift", "quiet", "bright", "bold", "calm", "keen", "deft", "warm",
		"clear", "steady", "quick", "sharp", "light", "brisk", "plain", "true",
	}
	nameNouns = []string{
		"falcon", "river", "cedar", "harbor", "summit", "meadow", "signal",
		"anchor", "beacon", "canyon", "ember", "garnet", "lantern", "orchid",
		"prairie", "quartz",
	}
)

func deriveDisplayName(pub ed25519.PublicKey) string {
	h := sha3.Sum256(pub)
	adj := nameAdjectives[int(h[3])%len(nameAdjectives)]
	noun := nameNouns[int(h[4])%len(nameNouns)]
	return capitalize(adj) + " " + capitalize(noun)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
