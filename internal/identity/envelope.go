package identity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// Envelope statuses
const (
	StatusSigned   = "signed"
	StatusUnsigned = "unsigned"
)

// Envelope attests who produced a payload and when. PayloadHash covers the
// canonical serialization of the payload; Signature covers the canonical
// serialization of the envelope itself minus signature and status, so a
// verifier can rebuild the signed bytes from the other fields.
type Envelope struct {
	AIID        string `json:"ai_id"`
	Purpose     string `json:"purpose"`
	IssuedAt    string `json:"issued_at"` // ISO-8601 UTC
	PayloadHash string `json:"payload_hash"`
	Signature   string `json:"signature,omitempty"`
	Status      string `json:"status"`
}

// BuildEnvelope hashes the payload and signs the envelope. A missing or
// unusable private key produces an unsigned envelope rather than an error.
func (m *Manager) BuildEnvelope(payload any, purpose string) (*Envelope, error) {
	id := m.Current()
	if id == nil {
		if _, err := m.LoadOrCreate(); err != nil {
			return nil, err
		}
		id = m.Current()
	}

	hash, err := HashPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to hash payload: %w", err)
	}

	env := &Envelope{
		AIID:        id.AIID,
		Purpose:     purpose,
		IssuedAt:    time.Now().UTC().Format(time.RFC3339),
		PayloadHash: hash,
		Status:      StatusUnsigned,
	}

	sig, err := m.Sign(env.SigningBytes())
	if err == nil {
		env.Signature = sig
		env.Status = StatusSigned
	}
	return env, nil
}

// SigningBytes returns the canonical serialization the signature covers:
// the envelope minus signature and status.
func (e *Envelope) SigningBytes() []byte {
	b, _ := Canonical(map[string]any{
		"ai_id":        e.AIID,
		"purpose":      e.Purpose,
		"issued_at":    e.IssuedAt,
		"payload_hash": e.PayloadHash,
	})
	return b
}

// VerifyEnvelope checks an envelope's signature against the producer's
// base64 public key. Unsigned envelopes never verify.
func VerifyEnvelope(env *Envelope, publicKeyB64 string) bool {
	if env == nil || env.Status != StatusSigned || env.Signature == "" {
		return false
	}
	return Verify(publicKeyB64, env.SigningBytes(), env.Signature)
}

// HashPayload returns the SHA3-256 hex digest of the payload's canonical
// serialization.
func HashPayload(payload any) (string, error) {
	b, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	h := sha3.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}

// Canonical serializes a value as canonical JSON: object keys sorted,
// compact separators, timestamps as ISO-8601 strings. Two semantically
// equal values always produce identical bytes.
func Canonical(v any) ([]byte, error) {
	n, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	if err := writeCanonical(&b, n); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// normalize reduces v to JSON primitives via a marshal round-trip, with
// time values pinned to RFC3339 UTC first.
func normalize(v any) (any, error) {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kb)
			b.WriteByte(':')
			if err := writeCanonical(b, x[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		eb, err := json.Marshal(x)
		if err != nil {
			return err
		}
		b.Write(eb)
	}
	return nil
}
