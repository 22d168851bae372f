package seal

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/luminahealth/vitalsync/trust/keystore"
)

// unavailableKeyStore simulates a key provider that cannot supply keys.
type unavailableKeyStore struct{}

func (unavailableKeyStore) GetOrCreateKey(ctx context.Context, alias string) (*keystore.KeyHandle, error) {
	return nil, fmt.Errorf("no provider: %w", keystore.ErrKeyUnavailable)
}

func (unavailableKeyStore) DeleteKey(ctx context.Context, alias string) error {
	return nil
}

func (unavailableKeyStore) HasKey(ctx context.Context, alias string) (bool, error) {
	return false, nil
}

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	store, err := keystore.NewFileKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create key store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewSealer(store)
}

func TestSealer_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSealer(t)

	plaintexts := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("steps:1000"),
		bytes.Repeat([]byte{0x42}, 4096),
	}
	for _, plaintext := range plaintexts {
		sealed, err := s.Encrypt(ctx, plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed for %d bytes: %v", len(plaintext), err)
		}
		opened, err := s.Decrypt(ctx, sealed)
		if err != nil {
			t.Fatalf("Decrypt failed for %d bytes: %v", len(plaintext), err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Errorf("Round trip mismatch for %d bytes", len(plaintext))
		}
	}
}

func TestSealer_PayloadLayout(t *testing.T) {
	ctx := context.Background()
	s := newTestSealer(t)

	plaintext := []byte("steps:1000")
	sealed, err := s.Encrypt(ctx, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	want := IVSize + len(plaintext) + TagSize
	if len(sealed) != want {
		t.Errorf("Expected sealed length %d, got %d", want, len(sealed))
	}
}

func TestSealer_EncryptNondeterministic(t *testing.T) {
	ctx := context.Background()
	s := newTestSealer(t)

	plaintext := []byte("same plaintext")
	first, err := s.Encrypt(ctx, plaintext)
	if err != nil {
		t.Fatalf("First encrypt failed: %v", err)
	}
	second, err := s.Encrypt(ctx, plaintext)
	if err != nil {
		t.Fatalf("Second encrypt failed: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Error("Two encryptions of the same plaintext produced identical payloads")
	}
	if bytes.Equal(first[:IVSize], second[:IVSize]) {
		t.Error("IV was reused across encryptions")
	}
}

func TestSealer_TamperDetection(t *testing.T) {
	ctx := context.Background()
	s := newTestSealer(t)

	sealed, err := s.Encrypt(ctx, []byte("heart_rate:72"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Flipping any single byte, in the IV, ciphertext, or tag region, must
	// make decryption fail rather than return altered plaintext.
	for i := range sealed {
		tampered := make(SealedPayload, len(sealed))
		copy(tampered, sealed)
		tampered[i] ^= 0x01

		if _, err := s.Decrypt(ctx, tampered); err == nil {
			t.Fatalf("Tampered byte %d was not detected", i)
		} else {
			var derr *DecryptionError
			if !errors.As(err, &derr) {
				t.Fatalf("Expected DecryptionError for byte %d, got: %v", i, err)
			}
		}
	}
}

func TestSealer_TruncatedInput(t *testing.T) {
	ctx := context.Background()
	s := newTestSealer(t)

	for _, n := range []int{0, 1, IVSize - 1} {
		_, err := s.Decrypt(ctx, make(SealedPayload, n))
		var derr *DecryptionError
		if !errors.As(err, &derr) {
			t.Fatalf("Expected DecryptionError for %d-byte input, got: %v", n, err)
		}
		if derr.Reason != reasonTruncated {
			t.Errorf("Expected truncation reason for %d-byte input, got '%s'", n, derr.Reason)
		}
	}
}

func TestSealer_StringRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSealer(t)

	plaintext := "mood:good, slept 8h"
	encoded, err := s.EncryptString(ctx, plaintext)
	if err != nil {
		t.Fatalf("EncryptString failed: %v", err)
	}
	if strings.ContainsAny(encoded, "\r\n") {
		t.Error("Encoded payload contains line breaks")
	}
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Errorf("Encoded payload is not standard base64: %v", err)
	}

	opened, err := s.DecryptString(ctx, encoded)
	if err != nil {
		t.Fatalf("DecryptString failed: %v", err)
	}
	if opened != plaintext {
		t.Errorf("Expected '%s', got '%s'", plaintext, opened)
	}
}

func TestSealer_DecryptStringBadEncoding(t *testing.T) {
	ctx := context.Background()
	s := newTestSealer(t)

	_, err := s.DecryptString(ctx, "not//valid==base64!!")
	var derr *DecryptionError
	if !errors.As(err, &derr) {
		t.Fatalf("Expected DecryptionError, got: %v", err)
	}
	if derr.Reason != reasonBadEncoding {
		t.Errorf("Expected encoding reason, got '%s'", derr.Reason)
	}
}

func TestSealer_KeyUnavailable(t *testing.T) {
	ctx := context.Background()
	s := NewSealer(unavailableKeyStore{})

	if _, err := s.Encrypt(ctx, []byte("data")); err == nil {
		t.Fatal("Expected encrypt to fail without a key provider")
	}

	_, err := s.Decrypt(ctx, make(SealedPayload, IVSize+TagSize))
	var derr *DecryptionError
	if !errors.As(err, &derr) {
		t.Fatalf("Expected DecryptionError, got: %v", err)
	}
	if !errors.Is(err, keystore.ErrKeyUnavailable) {
		t.Error("DecryptionError does not wrap ErrKeyUnavailable")
	}
}

func TestSealer_IsAvailable(t *testing.T) {
	ctx := context.Background()

	if !newTestSealer(t).IsAvailable(ctx) {
		t.Error("Expected self-test to pass with a working key store")
	}
	if NewSealer(unavailableKeyStore{}).IsAvailable(ctx) {
		t.Error("Expected self-test to fail without a key provider")
	}
}
