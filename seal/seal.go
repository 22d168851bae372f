// Package seal provides the authenticated encryption applied to user data
// before it leaves the device. Payloads are sealed with AES-256-GCM under
// keys held by a keystore.KeyStore; the wire format is the 12-byte IV
// followed by the ciphertext and the 16-byte GCM tag.
package seal

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/luminahealth/vitalsync/trust/keystore"
)

const (
	// IVSize is the GCM nonce length prefixed to every sealed payload.
	IVSize = 12
	// TagSize is the GCM authentication tag length appended by the cipher.
	TagSize = 16

	// MasterKeyAlias is the installation-wide key used by Sealer.
	MasterKeyAlias = "trust.master.v1"

	probeValue = "vitalsync.seal.probe"
)

// SealedPayload is a sealed byte sequence: IV || ciphertext || tag.
// Any single-byte mutation anywhere in the buffer makes decryption fail.
type SealedPayload []byte

// DecryptionError reports why a payload could not be opened. The reason is a
// stable, loggable kind; the wrapped cause is available through errors.Is
// and errors.As, and never contains payload or key material.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	return "decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

const (
	reasonTruncated      = "input shorter than IV"
	reasonAuthFailed     = "authentication failed"
	reasonKeyUnavailable = "key unavailable"
	reasonBadEncoding    = "invalid base64 input"
)

// Sealer encrypts and decrypts with the installation-wide master key. The
// key is provisioned on first use and shared by every caller in the process.
type Sealer struct {
	keys  keystore.KeyStore
	alias string
}

// NewSealer creates a Sealer over the master key alias.
func NewSealer(keys keystore.KeyStore) *Sealer {
	return &Sealer{keys: keys, alias: MasterKeyAlias}
}

// Encrypt seals plaintext under the master key. A fresh random IV is drawn
// per call, so sealing the same plaintext twice yields different payloads.
func (s *Sealer) Encrypt(ctx context.Context, plaintext []byte) (SealedPayload, error) {
	return encryptWithAlias(ctx, s.keys, s.alias, plaintext)
}

// Decrypt opens a sealed payload. It returns *DecryptionError when the input
// is truncated, the authentication tag does not verify, or the key cannot be
// obtained; it never returns partial plaintext.
func (s *Sealer) Decrypt(ctx context.Context, payload SealedPayload) ([]byte, error) {
	return decryptWithAlias(ctx, s.keys, s.alias, payload)
}

// EncryptString seals a UTF-8 string and returns the payload as unwrapped
// standard base64.
func (s *Sealer) EncryptString(ctx context.Context, plaintext string) (string, error) {
	payload, err := s.Encrypt(ctx, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptString reverses EncryptString.
func (s *Sealer) DecryptString(ctx context.Context, encoded string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &DecryptionError{Reason: reasonBadEncoding, Err: err}
	}
	plaintext, err := s.Decrypt(ctx, payload)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// IsAvailable round-trips a fixed probe value through the master key. It is
// meant for startup checks so a broken key provider surfaces before the
// first real payload does.
func (s *Sealer) IsAvailable(ctx context.Context) bool {
	sealed, err := s.Encrypt(ctx, []byte(probeValue))
	if err != nil {
		log.Warn().Err(err).Msg("Encryption self-test failed to seal probe")
		return false
	}
	opened, err := s.Decrypt(ctx, sealed)
	if err != nil {
		log.Warn().Err(err).Msg("Encryption self-test failed to open probe")
		return false
	}
	if !bytes.Equal(opened, []byte(probeValue)) {
		log.Warn().Msg("Encryption self-test round-trip mismatch")
		return false
	}
	return true
}

func encryptWithAlias(ctx context.Context, keys keystore.KeyStore, alias string, plaintext []byte) (SealedPayload, error) {
	h, err := keys.GetOrCreateKey(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain key: %w", err)
	}
	aead, err := h.NewAEAD()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain key: %w", err)
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	return SealedPayload(aead.Seal(iv, iv, plaintext, nil)), nil
}

func decryptWithAlias(ctx context.Context, keys keystore.KeyStore, alias string, payload SealedPayload) ([]byte, error) {
	if len(payload) < IVSize {
		return nil, &DecryptionError{Reason: reasonTruncated}
	}

	h, err := keys.GetOrCreateKey(ctx, alias)
	if err != nil {
		return nil, &DecryptionError{Reason: reasonKeyUnavailable, Err: err}
	}
	aead, err := h.NewAEAD()
	if err != nil {
		return nil, &DecryptionError{Reason: reasonKeyUnavailable, Err: err}
	}

	plaintext, err := aead.Open(nil, payload[:IVSize], payload[IVSize:], nil)
	if err != nil {
		return nil, &DecryptionError{Reason: reasonAuthFailed, Err: err}
	}
	return plaintext, nil
}
