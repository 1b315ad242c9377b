// Package codec compresses note text for storage backends that keep
// whole documents in memory. Encoded strings carry a marker prefix and a
// base64 zstd payload, so they stay valid UTF-8 inside JSON documents
// and decode transparently on read.
package codec

import (
	"encoding/base64"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// marker prefixes every encoded string. Decode treats anything else,
// including marked strings that fail to decode, as plaintext.
const marker = "zst1:"

// minSize is the smallest plaintext worth encoding. Below this the
// marker and base64 overhead dominate.
const minSize = 200

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// Encode compresses s when it pays off: the input is at least minSize
// bytes and the encoded form, overhead included, is at least 10%
// smaller. Anything else comes back unchanged, as do already-encoded
// strings.
func Encode(s string) string {
	if len(s) < minSize || strings.HasPrefix(s, marker) {
		return s
	}
	packed := encoder.EncodeAll([]byte(s), nil)
	out := marker + base64.StdEncoding.EncodeToString(packed)
	if 10*len(out) > 9*len(s) {
		return s
	}
	return out
}

// Decode reverses Encode. Unmarked strings pass through untouched, and
// so does anything marked that fails base64 or zstd decoding, so stored
// plaintext that happens to start with the marker is never corrupted.
func Decode(s string) string {
	if !strings.HasPrefix(s, marker) {
		return s
	}
	packed, err := base64.StdEncoding.DecodeString(s[len(marker):])
	if err != nil {
		return s
	}
	plain, err := decoder.DecodeAll(packed, nil)
	if err != nil {
		return s
	}
	return string(plain)
}

// IsEncoded reports whether s carries the compression marker.
func IsEncoded(s string) bool {
	return strings.HasPrefix(s, marker)
}
