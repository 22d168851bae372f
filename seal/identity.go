package seal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/luminahealth/vitalsync/trust/keystore"
)

// syncAliasPrefix namespaces per-identity sync keys away from the
// installation-wide aliases.
const syncAliasPrefix = "trust.sync."

// aliasForIdentity derives the key alias for a user identity. The identity
// is hashed so the raw id never appears in alias form anywhere key material
// is stored, and so alias length is bounded regardless of id shape.
func aliasForIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return syncAliasPrefix + hex.EncodeToString(sum[:])
}

// IdentitySealer seals payloads under per-identity keys. Every payload bound
// for the sync backend goes through this type: payloads sealed for one
// identity can never be opened with another identity's key.
type IdentitySealer struct {
	keys keystore.KeyStore
}

// NewIdentitySealer creates an IdentitySealer over the given key store.
func NewIdentitySealer(keys keystore.KeyStore) *IdentitySealer {
	return &IdentitySealer{keys: keys}
}

// EncryptPayload seals plaintext under the key for identity, provisioning
// the key on first use.
func (s *IdentitySealer) EncryptPayload(ctx context.Context, plaintext []byte, identity string) (SealedPayload, error) {
	if identity == "" {
		return nil, fmt.Errorf("identity is required")
	}
	return encryptWithAlias(ctx, s.keys, aliasForIdentity(identity), plaintext)
}

// DecryptPayload opens a payload sealed for identity. Payloads sealed for a
// different identity fail with *DecryptionError.
func (s *IdentitySealer) DecryptPayload(ctx context.Context, payload SealedPayload, identity string) ([]byte, error) {
	if identity == "" {
		return nil, &DecryptionError{Reason: reasonKeyUnavailable, Err: fmt.Errorf("identity is required")}
	}
	return decryptWithAlias(ctx, s.keys, aliasForIdentity(identity), payload)
}

// EncryptString seals a string for identity, returning unwrapped standard
// base64.
func (s *IdentitySealer) EncryptString(ctx context.Context, plaintext, identity string) (string, error) {
	payload, err := s.EncryptPayload(ctx, []byte(plaintext), identity)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptString reverses EncryptString.
func (s *IdentitySealer) DecryptString(ctx context.Context, encoded, identity string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &DecryptionError{Reason: reasonBadEncoding, Err: err}
	}
	plaintext, err := s.DecryptPayload(ctx, payload, identity)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EnsureKeyExists provisions the identity's key ahead of first use, e.g.
// right after signup, so the first sync batch does not pay the provisioning
// cost.
func (s *IdentitySealer) EnsureKeyExists(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("identity is required")
	}
	if _, err := s.keys.GetOrCreateKey(ctx, aliasForIdentity(identity)); err != nil {
		return fmt.Errorf("failed to provision sync key: %w", err)
	}
	return nil
}

// DeleteUserKey irreversibly removes the identity's key. Called on account
// deletion; previously sealed payloads become permanently unreadable.
func (s *IdentitySealer) DeleteUserKey(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("identity is required")
	}
	if err := s.keys.DeleteKey(ctx, aliasForIdentity(identity)); err != nil {
		return fmt.Errorf("failed to delete sync key: %w", err)
	}
	return nil
}

// IsEncryptionAvailable reports whether sealing works for identity. The key
// is lazily provisioned, so this succeeds for identities that have never
// synced; callers use it to pre-flight a sync batch.
func (s *IdentitySealer) IsEncryptionAvailable(ctx context.Context, identity string) bool {
	if err := s.EnsureKeyExists(ctx, identity); err != nil {
		log.Warn().Err(err).Msg("Sync encryption unavailable")
		return false
	}
	sealed, err := s.EncryptPayload(ctx, []byte(probeValue), identity)
	if err != nil {
		log.Warn().Err(err).Msg("Sync encryption unavailable")
		return false
	}
	opened, err := s.DecryptPayload(ctx, sealed, identity)
	if err != nil || !bytes.Equal(opened, []byte(probeValue)) {
		log.Warn().Msg("Sync encryption self-test round-trip mismatch")
		return false
	}
	return true
}
