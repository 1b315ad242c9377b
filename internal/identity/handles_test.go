package identity

import (
	"path/filepath"
	"testing"
)

func testIdentity() *Identity {
	id := &Identity{
		AIID:        "swift-falcon-042",
		DisplayName: "Swift Falcon",
	}
	id.Handles = DefaultHandles(id)
	return id
}

func TestCanonicalProtocol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"mcp", "mcp"},
		{"remote", "mcp"},
		{"api", "mcp"},
		{"http", "http"},
		{"web", "http"},
		{"rest", "http"},
		{"cli", "cli"},
		{"terminal", "cli"},
		{"shell", "cli"},
		{"CLI", "cli"},
		{"custom", "custom"},
	}
	for _, tt := range tests {
		if got := CanonicalProtocol(tt.in); got != tt.want {
			t.Errorf("CanonicalProtocol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrettyHandle(t *testing.T) {
	if got := PrettyHandle(testIdentity()); got != "Swift Falcon (042)" {
		t.Errorf("PrettyHandle = %q", got)
	}
}

func TestResolveHandle(t *testing.T) {
	id := testIdentity()

	// Terminals get the pretty form.
	if got := ResolveHandle(id, "cli", nil, false); got != "Swift Falcon (042)" {
		t.Errorf("cli handle = %q", got)
	}
	if got := ResolveHandle(id, "terminal", nil, false); got != "Swift Falcon (042)" {
		t.Errorf("terminal handle = %q", got)
	}

	// Wire protocols keep the slug.
	if got := ResolveHandle(id, "mcp", nil, false); got != "swift-falcon-042" {
		t.Errorf("mcp handle = %q", got)
	}
	if got := ResolveHandle(id, "rest", nil, false); got != "swift-falcon-042" {
		t.Errorf("rest handle = %q", got)
	}

	// preferPretty without space support still falls back to the slug.
	caps := &Capabilities{MaxLength: 64}
	if got := ResolveHandle(id, "mcp", caps, true); got != "swift-falcon-042" {
		t.Errorf("preferPretty without spaces = %q", got)
	}

	// With space support, preferPretty wins.
	caps = &Capabilities{MaxLength: 64, SupportsSpaces: true, SupportsUnicode: true}
	if got := ResolveHandle(id, "mcp", caps, true); got != "Swift Falcon (042)" {
		t.Errorf("preferPretty with spaces = %q", got)
	}

	// Tight length constraint truncates the fallback.
	caps = &Capabilities{MaxLength: 5}
	if got := ResolveHandle(id, "mcp", caps, false); got != "swift" {
		t.Errorf("truncated handle = %q", got)
	}

	// Custom pattern filters candidates.
	caps = &Capabilities{Pattern: `^[a-z]+$`, MaxLength: 64}
	if got := ResolveHandle(id, "custom", caps, false); got != "swift-falcon-042" {
		// No candidate matches letters-only, so ai_id fallback applies.
		t.Errorf("pattern fallback = %q", got)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	reg := NewRegistry(path)

	m := testManager(t)
	id, err := m.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Register(id); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := reg.Lookup(id.AIID)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got == nil || got.PublicKey != id.PublicKey {
		t.Fatal("lookup returned wrong identity")
	}

	// Re-registration preserves created_at.
	created := got.CreatedAt
	if err := reg.Register(id); err != nil {
		t.Fatal(err)
	}
	got, err = reg.Lookup(id.AIID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Error("created_at should survive re-registration")
	}
	if !got.UpdatedAt.After(created) && !got.UpdatedAt.Equal(created) {
		t.Error("updated_at should be refreshed")
	}

	// Peer verification through the registry.
	sig, err := m.Sign([]byte("proof"))
	if err != nil {
		t.Fatal(err)
	}
	ok, err := reg.VerifyPeer(id.AIID, []byte("proof"), sig)
	if err != nil || !ok {
		t.Errorf("VerifyPeer = %v, %v", ok, err)
	}
	if _, err := reg.VerifyPeer("nobody-999", []byte("proof"), sig); err == nil {
		t.Error("unknown peer should error")
	}

	list, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].AIID != id.AIID {
		t.Errorf("List = %v", list)
	}
}

func TestRegistryMissingFile(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "nonexistent.json"))
	got, err := reg.Lookup("anyone")
	if err != nil {
		t.Fatalf("Lookup on missing file should not error: %v", err)
	}
	if got != nil {
		t.Error("expected nil for unknown ai_id")
	}
}
