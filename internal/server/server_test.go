package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/sha3"

	"github.com/steveyegge/teambook/internal/config"
	"github.com/steveyegge/teambook/internal/identity"
	"github.com/steveyegge/teambook/internal/kernel"
	"github.com/steveyegge/teambook/internal/storage/sqlite"
)

func newTestServer(t *testing.T) (*Server, *identity.Manager) {
	t.Helper()
	config.Set("root", t.TempDir())

	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "server.db"), "server-test")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mgr := identity.NewManager(identity.Options{Dir: t.TempDir(), DisplayName: "Server Test"})
	k, err := kernel.New(kernel.Options{Store: st, Identity: mgr})
	if err != nil {
		t.Fatalf("failed to build kernel: %v", err)
	}
	return New(k, mgr, nil), mgr
}

func getJSON(t *testing.T, srv *httptest.Server, path string) map[string]any {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("GET %s: Cache-Control = %q, want no-store", path, cc)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("GET %s: bad JSON: %v", path, err)
	}
	return body
}

func TestHealth(t *testing.T) {
	s, mgr := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	body := getJSON(t, srv, "/health")
	if body["status"] != "ok" {
		t.Fatalf("health status = %v", body["status"])
	}
	if body["ai_id"] != mgr.Current().AIID {
		t.Fatalf("health ai_id = %v, want %s", body["ai_id"], mgr.Current().AIID)
	}
}

func TestIdentityEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	body := getJSON(t, srv, "/identity?protocol=mcp&protocols=cli,http")
	id, ok := body["identity"].(map[string]any)
	if !ok {
		t.Fatalf("missing identity block: %v", body)
	}

	// Fingerprint must be derivable from the returned public key.
	pub, err := base64.StdEncoding.DecodeString(id["public_key"].(string))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		t.Fatalf("bad public key: %v", err)
	}
	h := sha3.Sum256(pub)
	want := strings.ToUpper(hex.EncodeToString(h[:]))[:16]
	if id["fingerprint"] != want {
		t.Fatalf("fingerprint = %v, want %s", id["fingerprint"], want)
	}

	// The mcp handle obeys the strict slug pattern.
	resolved := id["resolved_handle"].(string)
	if strings.ContainsRune(resolved, ' ') {
		t.Fatalf("mcp handle must not contain spaces: %q", resolved)
	}
	handles := id["resolved_handles"].(map[string]any)
	if len(handles) != 2 {
		t.Fatalf("expected handles for cli and http, got %v", handles)
	}

	// Envelope must verify against the public key when signed.
	rawEnv, _ := json.Marshal(body["envelope"])
	var env identity.Envelope
	if err := json.Unmarshal(rawEnv, &env); err != nil {
		t.Fatalf("bad envelope: %v", err)
	}
	if env.Status != identity.StatusSigned {
		t.Fatalf("envelope status = %s, want signed", env.Status)
	}
	if !identity.VerifyEnvelope(&env, id["public_key"].(string)) {
		t.Fatal("envelope signature did not verify")
	}
}

func TestIdentityPatternMatch(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	body := getJSON(t, srv, "/identity?protocol=mcp&pattern=%5E%5BA-Za-z0-9_-%5D%2B%24")
	if body["matches_pattern"] != true {
		t.Fatalf("slug handle should match the slug pattern: %v", body)
	}

	body = getJSON(t, srv, "/identity?protocol=cli&prefer_pretty=true&pattern=%5E%5Ba-z%5D%2B%24&supports_spaces=true&supports_unicode=true")
	if body["matches_pattern"] != false {
		t.Fatalf("pretty handle should not match a lowercase-only pattern: %v", body)
	}
}

func TestVerbDispatch(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/write_note", "application/json",
		strings.NewReader(`{"content":"hello from http"}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
		Error   string         `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if !out.Success {
		t.Fatalf("write_note failed: %s", out.Error)
	}
	if out.Data["id"] == nil {
		t.Fatalf("write_note returned no id: %v", out.Data)
	}
}

func TestVerbDispatchBadBody(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/write_note", "application/json",
		strings.NewReader(`not json`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
