package trustcfg

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/luminahealth/vitalsync/trust/pinning"
)

func testTrustConfig(version int64) *SignedTrustConfig {
	return &SignedTrustConfig{
		Version:  version,
		IssuedAt: time.Now().Add(-time.Minute),
		Pins: map[string]pinning.PinSet{
			"api.example.com": {
				Pins:       []pinning.Pin{{Digest: "SHA-256", Value: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}},
				Expiration: time.Now().Add(90 * 24 * time.Hour),
			},
		},
		SigningSecretHex:   "00112233445566778899aabbccddeeff",
		PreviousSecretsHex: []string{"ffeeddccbbaa99887766554433221100"},
	}
}

func TestSignedTrustConfig_SignAndVerify(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}

	config := testTrustConfig(1)
	if err := SignTrustConfig(config, privateKey); err != nil {
		t.Fatalf("Failed to sign config: %v", err)
	}
	if config.Signature == "" {
		t.Error("Expected signature to be set after signing")
	}

	verifier, err := NewTrustConfigVerifier(publicKey)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}
	if err := verifier.Verify(config); err != nil {
		t.Errorf("Verify failed on a valid config: %v", err)
	}

	secret, previous, err := config.SignerSecrets()
	if err != nil {
		t.Fatalf("SignerSecrets failed: %v", err)
	}
	if len(secret) != 16 || len(previous) != 1 {
		t.Errorf("Unexpected decoded secrets: %d current bytes, %d previous", len(secret), len(previous))
	}
}

func TestTrustConfigVerifier_RejectsTampering(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *SignedTrustConfig)
	}{
		{"version", func(c *SignedTrustConfig) { c.Version = 99 }},
		{"secret", func(c *SignedTrustConfig) { c.SigningSecretHex = "deadbeef" }},
		{"pins", func(c *SignedTrustConfig) {
			set := c.Pins["api.example.com"]
			set.Expiration = set.Expiration.Add(365 * 24 * time.Hour)
			c.Pins["api.example.com"] = set
		}},
		{"signature", func(c *SignedTrustConfig) { c.Signature = "bm90IGEgcmVhbCBzaWduYXR1cmU=" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testTrustConfig(1)
			if err := SignTrustConfig(config, privateKey); err != nil {
				t.Fatalf("Failed to sign config: %v", err)
			}
			tt.mutate(config)

			verifier, err := NewTrustConfigVerifier(publicKey)
			if err != nil {
				t.Fatalf("Failed to create verifier: %v", err)
			}
			if err := verifier.Verify(config); err == nil {
				t.Errorf("Tampered %s was accepted", tt.name)
			}
		})
	}
}

func TestTrustConfigVerifier_RejectsWrongKey(t *testing.T) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	otherPublic, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}

	config := testTrustConfig(1)
	if err := SignTrustConfig(config, privateKey); err != nil {
		t.Fatalf("Failed to sign config: %v", err)
	}

	verifier, err := NewTrustConfigVerifier(otherPublic)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}
	if err := verifier.Verify(config); err == nil {
		t.Error("Config signed with the wrong key was accepted")
	}
}

func TestTrustConfigVerifier_RejectsRollback(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	verifier, err := NewTrustConfigVerifier(publicKey)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	v5 := testTrustConfig(5)
	if err := SignTrustConfig(v5, privateKey); err != nil {
		t.Fatalf("Failed to sign config: %v", err)
	}
	if err := verifier.Verify(v5); err != nil {
		t.Fatalf("Verify failed on version 5: %v", err)
	}

	// A validly signed older document must not roll the configuration back.
	v3 := testTrustConfig(3)
	if err := SignTrustConfig(v3, privateKey); err != nil {
		t.Fatalf("Failed to sign config: %v", err)
	}
	if err := verifier.Verify(v3); err == nil {
		t.Error("Older document was accepted after a newer one")
	}

	// Replaying the same version is also rejected.
	if err := verifier.Verify(v5); err == nil {
		t.Error("Same version was accepted twice")
	}

	v6 := testTrustConfig(6)
	if err := SignTrustConfig(v6, privateKey); err != nil {
		t.Fatalf("Failed to sign config: %v", err)
	}
	if err := verifier.Verify(v6); err != nil {
		t.Errorf("Verify failed on version 6: %v", err)
	}
}

func TestTrustConfigVerifier_RejectsFutureIssue(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}

	config := testTrustConfig(1)
	config.IssuedAt = time.Now().Add(time.Hour)
	if err := SignTrustConfig(config, privateKey); err != nil {
		t.Fatalf("Failed to sign config: %v", err)
	}

	verifier, err := NewTrustConfigVerifier(publicKey)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}
	if err := verifier.Verify(config); err == nil {
		t.Error("Future-dated document was accepted")
	}
}

func TestFileParameterSource(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	missing := NewFileParameterSource(filepath.Join(dir, "absent.json"))
	data, err := missing.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch of missing file failed: %v", err)
	}
	if data != nil {
		t.Error("Expected nil for a missing file")
	}

	path := filepath.Join(dir, "trust.json")
	if err := os.WriteFile(path, []byte(`{"version":1}`), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	data, err = NewFileParameterSource(path).Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(data) != `{"version":1}` {
		t.Errorf("Unexpected file contents: %s", data)
	}
}

func TestRemoteTrustSource_Load(t *testing.T) {
	ctx := context.Background()
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}

	config := testTrustConfig(1)
	if err := SignTrustConfig(config, privateKey); err != nil {
		t.Fatalf("Failed to sign config: %v", err)
	}
	data, err := json.Marshal(config)
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}

	path := filepath.Join(t.TempDir(), "trust.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write document: %v", err)
	}

	source, err := NewRemoteTrustSource(NewFileParameterSource(path), publicKey)
	if err != nil {
		t.Fatalf("NewRemoteTrustSource failed: %v", err)
	}

	loaded, err := source.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil || loaded.Version != 1 {
		t.Fatalf("Unexpected loaded config: %+v", loaded)
	}
	if _, ok := loaded.Pins["api.example.com"]; !ok {
		t.Error("Loaded config lost its pins")
	}

	// No published document is not an error.
	empty, err := NewRemoteTrustSource(NewFileParameterSource(filepath.Join(t.TempDir(), "none.json")), publicKey)
	if err != nil {
		t.Fatalf("NewRemoteTrustSource failed: %v", err)
	}
	loaded, err = empty.Load(ctx)
	if err != nil {
		t.Fatalf("Load of absent document failed: %v", err)
	}
	if loaded != nil {
		t.Error("Expected nil for an absent document")
	}
}
