// Package vault encrypts shared secrets with a teambook-scoped
// symmetric key. The key lives in a .vault_key file inside the
// teambook directory; every peer with filesystem access to the
// teambook can read and write its secrets, and nobody else can.
// Ciphertext goes through the regular storage backend, so secrets
// replicate wherever the teambook does.
package vault

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/types"
)

// keySize is the secretbox key length. The key file holds exactly
// these raw bytes.
const keySize = 32

// nonceSize is the secretbox nonce length, prefixed to every sealed
// value.
const nonceSize = 24

// Vault seals and opens secrets against one teambook's store.
type Vault struct {
	store storage.Store
	key   [keySize]byte
}

// Open binds a vault to the store, loading the key from keyPath or
// creating it on first use. Creation is exclusive, so two processes
// opening a fresh teambook concurrently agree on one key.
func Open(store storage.Store, keyPath string) (*Vault, error) {
	v := &Vault{store: store}
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	v.key = key
	return v, nil
}

func loadOrCreateKey(path string) ([keySize]byte, error) {
	var key [keySize]byte

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != keySize {
			return key, fmt.Errorf("vault key file %s is corrupt (%d bytes)", path, len(data))
		}
		copy(key[:], data)
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return key, fmt.Errorf("failed to read vault key: %w", err)
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("failed to generate vault key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Lost the creation race; use the winner's key.
			return loadOrCreateKey(path)
		}
		return key, fmt.Errorf("failed to create vault key: %w", err)
	}
	if _, err := f.Write(key[:]); err != nil {
		f.Close()
		os.Remove(path)
		return key, fmt.Errorf("failed to write vault key: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return key, fmt.Errorf("failed to write vault key: %w", err)
	}
	return key, nil
}

// Set encrypts value and stores it under key, overwriting any previous
// secret. Author records who wrote it.
func (v *Vault) Set(ctx context.Context, key, value, author string) error {
	if err := types.ValidateVaultValue([]byte(value)); err != nil {
		return err
	}
	item := &types.VaultItem{
		Key:    key,
		Value:  v.seal([]byte(value)),
		Author: author,
	}
	if err := v.store.VaultSet(ctx, item); err != nil {
		return fmt.Errorf("failed to store vault item: %w", err)
	}
	return nil
}

// Get fetches and decrypts the secret under key.
func (v *Vault) Get(ctx context.Context, key string) (string, error) {
	item, err := v.store.VaultGet(ctx, key)
	if err != nil {
		return "", err
	}
	plain, err := v.open(item.Value)
	if err != nil {
		return "", fmt.Errorf("vault key %q: %w", key, err)
	}
	return string(plain), nil
}

// List returns vault metadata: keys, authors, and timestamps. Values
// stay encrypted at rest and are never included.
func (v *Vault) List(ctx context.Context) ([]*types.VaultItem, error) {
	return v.store.VaultList(ctx)
}

// Delete removes the secret under key.
func (v *Vault) Delete(ctx context.Context, key string) error {
	return v.store.VaultDelete(ctx, key)
}

// seal encrypts plaintext as nonce || box. A fresh random nonce per
// seal keeps identical plaintexts from producing identical ciphertext.
func (v *Vault) seal(plaintext []byte) []byte {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("vault: nonce generation failed: %v", err))
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &v.key)
}

func (v *Vault) open(box []byte) ([]byte, error) {
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, errors.New("ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &v.key)
	if !ok {
		return nil, errors.New("decryption failed, wrong vault key or tampered value")
	}
	return plain, nil
}
