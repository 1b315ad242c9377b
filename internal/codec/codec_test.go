package codec

import (
	"math/rand"
	"strings"
	"testing"
)

func TestEncodeRoundTrip(t *testing.T) {
	original := strings.Repeat("deploy checklist: run migrations before rollout. ", 20)

	encoded := Encode(original)
	if !IsEncoded(encoded) {
		t.Fatal("repetitive text should encode")
	}
	if len(encoded) >= len(original) {
		t.Errorf("encoded form should shrink: %d vs %d", len(encoded), len(original))
	}
	if got := Decode(encoded); got != original {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestEncodeSkipsShortInput(t *testing.T) {
	s := "short note"
	if got := Encode(s); got != s {
		t.Errorf("short input should pass through, got %q", got)
	}
}

func TestEncodeSkipsIncompressibleInput(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	raw := make([]byte, 400)
	rng.Read(raw)
	s := string(raw)

	if got := Encode(s); got != s {
		t.Error("high-entropy input should pass through")
	}
}

func TestEncodeIdempotent(t *testing.T) {
	original := strings.Repeat("observed latency spike on the ingest path. ", 20)
	once := Encode(original)
	if twice := Encode(once); twice != once {
		t.Error("encoding an encoded string should be a no-op")
	}
	if got := Decode(Encode(once)); got != original {
		t.Errorf("round trip through repeated encode mismatch: %q", got)
	}
}

func TestDecodePassthrough(t *testing.T) {
	cases := []string{
		"plain text stays untouched",
		"zst1:!!!not-base64!!!",
		"zst1:anVuaw==", // valid base64, not a zstd frame
		"",
	}
	for _, s := range cases {
		if got := Decode(s); got != s {
			t.Errorf("Decode(%q) = %q, want passthrough", s, got)
		}
	}
}
