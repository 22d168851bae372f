package trustcfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Keystore.Provider != "file" {
		t.Errorf("Expected default keystore provider 'file', got '%s'", cfg.Keystore.Provider)
	}
	if cfg.Dispatch.Target != "https" {
		t.Errorf("Expected default dispatch target 'https', got '%s'", cfg.Dispatch.Target)
	}
	if cfg.Dispatch.MaxAttempts != 10 {
		t.Errorf("Expected default max attempts 10, got %d", cfg.Dispatch.MaxAttempts)
	}
}

func TestLoadConfig_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.yaml")
	content := `
logging:
  level: debug
keystore:
  provider: kms
  dir: /data/keys
  kms_key_id: arn:aws:kms:us-east-1:111122223333:key/test
  region: us-east-1
signer:
  secret_hex: "00112233445566778899aabbccddeeff"
pins:
  api.example.com:
    expiration: 2027-01-01T00:00:00Z
    pins:
      - digest: SHA-256
        pin: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
dispatch:
  target: nats
  nats:
    url: nats://bus.example.com:4222
    subject: sync.ingest
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.Logging.Level)
	}
	if cfg.Keystore.Provider != "kms" {
		t.Errorf("Expected keystore provider 'kms', got '%s'", cfg.Keystore.Provider)
	}
	if cfg.Dispatch.Target != "nats" {
		t.Errorf("Expected dispatch target 'nats', got '%s'", cfg.Dispatch.Target)
	}

	// Values absent from the file keep their defaults.
	if cfg.Store.Path != "/var/lib/vitalsync/trust.db" {
		t.Errorf("Expected default store path, got '%s'", cfg.Store.Path)
	}
	if cfg.Dispatch.NATS.ReconnectWait != 2000 {
		t.Errorf("Expected default reconnect wait, got %d", cfg.Dispatch.NATS.ReconnectWait)
	}

	set, ok := cfg.Pins["api.example.com"]
	if !ok {
		t.Fatal("Pin set for api.example.com not loaded")
	}
	if !set.Expiration.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected expiration 2027-01-01, got %v", set.Expiration)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed on a complete config: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Signer.SecretHex = "aabbcc"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{"defaults_with_secret", func(cfg *Config) {}, false},
		{"unknown_keystore_provider", func(cfg *Config) { cfg.Keystore.Provider = "tpm" }, true},
		{"kms_without_key_id", func(cfg *Config) { cfg.Keystore.Provider = "kms" }, true},
		{"missing_store_path", func(cfg *Config) { cfg.Store.Path = "" }, true},
		{"no_secret_no_remote", func(cfg *Config) { cfg.Signer.SecretHex = "" }, true},
		{"secret_not_hex", func(cfg *Config) { cfg.Signer.SecretHex = "zz" }, true},
		{"cleartext_endpoint", func(cfg *Config) { cfg.Dispatch.Endpoint = "http://sync.example.com" }, true},
		{"unknown_dispatch_target", func(cfg *Config) { cfg.Dispatch.Target = "ftp" }, true},
		{"nats_without_url", func(cfg *Config) {
			cfg.Dispatch.Target = "nats"
			cfg.Dispatch.NATS.URL = ""
		}, true},
		{"s3_without_bucket", func(cfg *Config) {
			cfg.Dispatch.Target = "s3"
			cfg.Dispatch.S3.Bucket = ""
		}, true},
		{"zero_max_attempts", func(cfg *Config) { cfg.Dispatch.MaxAttempts = 0 }, true},
		{"remote_ssm_without_parameter", func(cfg *Config) { cfg.Remote.Source = "ssm" }, true},
		{"remote_without_public_key", func(cfg *Config) {
			cfg.Remote.Source = "file"
			cfg.Remote.Path = "/etc/vitalsync/trust.json"
		}, true},
		{"bad_pin", func(cfg *Config) {
			cfg.Pins = map[string]PinSetConfig{
				"api.example.com": {
					Pins:       []PinConfig{{Digest: "SHA-256", Pin: "tooshort"}},
					Expiration: time.Now().Add(time.Hour),
				},
			}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSignerConfig_Secrets(t *testing.T) {
	sc := SignerConfig{
		SecretHex:          "00ff",
		PreviousSecretsHex: []string{"aa", "bb"},
	}
	secret, previous, err := sc.Secrets()
	if err != nil {
		t.Fatalf("Secrets failed: %v", err)
	}
	if len(secret) != 2 || secret[0] != 0x00 || secret[1] != 0xff {
		t.Errorf("Unexpected secret bytes: %x", secret)
	}
	if len(previous) != 2 {
		t.Fatalf("Expected 2 previous secrets, got %d", len(previous))
	}
	if previous[0][0] != 0xaa || previous[1][0] != 0xbb {
		t.Errorf("Unexpected previous secrets: %x %x", previous[0], previous[1])
	}
}

func TestConfig_PinSets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pins = map[string]PinSetConfig{
		"api.example.com": {
			Pins: []PinConfig{
				{Digest: "SHA-256", Pin: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="},
			},
			Expiration: time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	sets, err := cfg.PinSets()
	if err != nil {
		t.Fatalf("PinSets failed: %v", err)
	}
	set, ok := sets["api.example.com"]
	if !ok {
		t.Fatal("Converted set missing")
	}
	if len(set.Pins) != 1 || set.Pins[0].Value != "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=" {
		t.Errorf("Unexpected converted pins: %+v", set.Pins)
	}
}
