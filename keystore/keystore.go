// Package keystore manages the symmetric keys that protect everything the
// trust layer seals or stores. Keys are 256-bit AES keys addressed by a
// string alias; requesting an alias that already exists always returns the
// existing key material, and creation is safe under concurrent first use.
//
// Two providers implement the KeyStore interface: FileKeyStore keeps sealed
// key files on local disk (the software fallback), and KMSKeyStore roots
// each key in AWS KMS via envelope data keys.
package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// KeySize is the size in bytes of every key managed by a KeyStore.
const KeySize = 32

// ErrKeyUnavailable indicates the backing key provider could not supply the
// requested key. Callers should treat this as a provisioning failure, not as
// "key does not exist" (GetOrCreateKey creates missing keys).
var ErrKeyUnavailable = errors.New("key unavailable")

// KeyStore provisions and retrieves symmetric keys by alias.
type KeyStore interface {
	// GetOrCreateKey returns the key for alias, creating it on first use.
	// Exactly one key is ever created per alias, even under concurrent
	// callers; all callers observe the same key material.
	GetOrCreateKey(ctx context.Context, alias string) (*KeyHandle, error)

	// DeleteKey irreversibly removes the key for alias. Deleting an alias
	// that does not exist is not an error.
	DeleteKey(ctx context.Context, alias string) error

	// HasKey reports whether a key exists for alias without creating one.
	HasKey(ctx context.Context, alias string) (bool, error)
}

// KeyHandle is an opaque reference to one provisioned key. The raw key bytes
// never leave the handle; callers obtain an AEAD cipher instead.
type KeyHandle struct {
	alias string
	key   []byte
}

func newKeyHandle(alias string, key []byte) (*KeyHandle, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key for alias has %d bytes, want %d", ErrKeyUnavailable, len(key), KeySize)
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &KeyHandle{alias: alias, key: k}, nil
}

// Alias returns the alias this handle was provisioned under.
func (h *KeyHandle) Alias() string {
	return h.alias
}

// NewAEAD returns an AES-256-GCM cipher over the handle's key. Each call
// returns an independent instance; the 12-byte nonce and 16-byte tag sizes
// are fixed by the cipher.
func (h *KeyHandle) NewAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(h.key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return aead, nil
}

// aliasFilename maps an alias to a stable filename. Aliases are hashed so
// storage metadata never reveals what a key is for.
func aliasFilename(alias string) string {
	sum := sha256.Sum256([]byte(alias))
	return hex.EncodeToString(sum[:])
}

// zeroBytes overwrites b with zeros.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
