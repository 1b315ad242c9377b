package types

import (
	"fmt"
	"time"
)

// Vault limits.
const (
	MaxVaultKeyLength   = 100
	MaxVaultValueLength = 10 * 1024
)

// VaultItem is an encrypted secret shared across a teambook. Value holds
// ciphertext at rest; the storage layer never sees plaintext. Author is
// the last AI to write the item.
type VaultItem struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"-"` // ciphertext, never serialized outward
	Author    string    `json:"author"`
	Teambook  string    `json:"teambook,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidVaultKey checks the vault key naming rule: alphanumeric plus
// underscore, dot, and dash, up to MaxVaultKeyLength characters.
func ValidVaultKey(key string) bool {
	if key == "" || len(key) > MaxVaultKeyLength {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '.', r == '-':
		default:
			return false
		}
	}
	return true
}

// ValidateVaultValue checks the plaintext size before encryption.
func ValidateVaultValue(plaintext []byte) error {
	if len(plaintext) == 0 {
		return fmt.Errorf("vault value is required")
	}
	if len(plaintext) > MaxVaultValueLength {
		return fmt.Errorf("vault value must be %d bytes or less (got %d)", MaxVaultValueLength, len(plaintext))
	}
	return nil
}
