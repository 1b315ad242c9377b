package identity

import (
	"testing"
	"time"
)

func TestCanonicalSortsKeys(t *testing.T) {
	a, err := Canonical(map[string]any{"b": 2, "a": 1, "c": []any{"x", "y"}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":1,"b":2,"c":["x","y"]}`
	if string(a) != want {
		t.Errorf("Canonical = %s, want %s", a, want)
	}

	// Struct and equivalent map canonicalize identically.
	type pair struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	s, err := Canonical(pair{B: 2, A: 1})
	if err != nil {
		t.Fatal(err)
	}
	m, err := Canonical(map[string]int{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if string(s) != string(m) {
		t.Errorf("struct %s != map %s", s, m)
	}
}

func TestCanonicalNested(t *testing.T) {
	v := map[string]any{
		"outer": map[string]any{"z": 1, "a": 2},
		"list":  []any{map[string]any{"k": "v"}},
	}
	got, err := Canonical(v)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"list":[{"k":"v"}],"outer":{"a":2,"z":1}}`
	if string(got) != want {
		t.Errorf("Canonical = %s, want %s", got, want)
	}
}

func TestCanonicalTime(t *testing.T) {
	ts := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	got, err := Canonical(ts)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `"2026-03-10T12:30:00Z"` {
		t.Errorf("Canonical(time) = %s", got)
	}
}

func TestBuildEnvelopeSigned(t *testing.T) {
	m := testManager(t)
	id, err := m.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}

	payload := map[string]any{"content": "hello", "channel": "general"}
	env, err := m.BuildEnvelope(payload, "message")
	if err != nil {
		t.Fatalf("BuildEnvelope failed: %v", err)
	}

	if env.Status != StatusSigned {
		t.Fatalf("status = %q, want signed", env.Status)
	}
	if env.AIID != id.AIID {
		t.Errorf("envelope ai_id = %q, want %q", env.AIID, id.AIID)
	}
	if env.Purpose != "message" {
		t.Errorf("purpose = %q", env.Purpose)
	}
	if _, err := time.Parse(time.RFC3339, env.IssuedAt); err != nil {
		t.Errorf("issued_at not RFC3339: %q", env.IssuedAt)
	}

	wantHash, err := HashPayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	if env.PayloadHash != wantHash {
		t.Error("payload hash mismatch")
	}

	if !VerifyEnvelope(env, id.PublicKey) {
		t.Error("envelope should verify against own public key")
	}

	// Any field change breaks verification.
	env.Purpose = "other"
	if VerifyEnvelope(env, id.PublicKey) {
		t.Error("modified envelope should not verify")
	}
}

func TestBuildEnvelopeUnsigned(t *testing.T) {
	// A manager whose key never loaded degrades to unsigned.
	m := testManager(t)
	id, err := m.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	m.priv = nil
	m.mu.Unlock()

	env, err := m.BuildEnvelope(map[string]any{"x": 1}, "test")
	if err != nil {
		t.Fatalf("BuildEnvelope failed: %v", err)
	}
	if env.Status != StatusUnsigned {
		t.Errorf("status = %q, want unsigned", env.Status)
	}
	if env.Signature != "" {
		t.Error("unsigned envelope should carry no signature")
	}
	if VerifyEnvelope(env, id.PublicKey) {
		t.Error("unsigned envelope should not verify")
	}
}

func TestHashPayloadStable(t *testing.T) {
	h1, err := HashPayload(map[string]any{"a": 1, "b": "x"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashPayload(map[string]any{"b": "x", "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("hash should not depend on key order")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}
