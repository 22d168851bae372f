// Package trustcfg loads and validates the trust layer configuration: key
// store provider, credential store location, signing secrets, certificate
// pins, the remote trust config source, and the sync dispatch target.
package trustcfg

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luminahealth/vitalsync/trust/pinning"
	"github.com/luminahealth/vitalsync/trust/signer"
)

// Config holds the trust layer configuration
type Config struct {
	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`

	// Key store provider configuration
	Keystore KeystoreConfig `yaml:"keystore"`

	// Credential store configuration
	Store StoreConfig `yaml:"store"`

	// Request signer configuration
	Signer SignerConfig `yaml:"signer"`

	// Per-domain certificate pin sets
	Pins map[string]PinSetConfig `yaml:"pins"`

	// Remote trust configuration source
	Remote RemoteSourceConfig `yaml:"remote"`

	// Sync dispatch configuration
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// KeystoreConfig selects and configures the key store provider
type KeystoreConfig struct {
	Provider string `yaml:"provider"` // "file" or "kms"
	Dir      string `yaml:"dir"`
	KMSKeyID string `yaml:"kms_key_id"`
	Region   string `yaml:"region"`
}

// StoreConfig holds credential store settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SignerConfig holds request signing settings. Secrets are hex-encoded;
// previous secrets stay accepted for verification during rotation.
type SignerConfig struct {
	SecretHex          string   `yaml:"secret_hex"`
	PreviousSecretsHex []string `yaml:"previous_secrets_hex"`
	TimestampWindow    int64    `yaml:"timestamp_window_seconds"`
}

// PinConfig is one expected public key hash
type PinConfig struct {
	Digest string `yaml:"digest"`
	Pin    string `yaml:"pin"`
}

// PinSetConfig holds the pins and refresh deadline for one domain
type PinSetConfig struct {
	Pins       []PinConfig `yaml:"pins"`
	Expiration time.Time   `yaml:"expiration"`
}

// RemoteSourceConfig selects where the signed trust config document is
// fetched from
type RemoteSourceConfig struct {
	Source    string `yaml:"source"` // "", "file", or "ssm"
	Parameter string `yaml:"parameter"`
	Region    string `yaml:"region"`
	Path      string `yaml:"path"`
	PublicKey string `yaml:"public_key"` // base64 Ed25519 verification key
}

// DispatchConfig holds sync dispatch settings
type DispatchConfig struct {
	Target        string     `yaml:"target"` // "https", "nats", or "s3"
	Endpoint      string     `yaml:"endpoint"`
	SpoolDir      string     `yaml:"spool_dir"`
	FlushInterval int        `yaml:"flush_interval_seconds"`
	MaxAttempts   int        `yaml:"max_attempts"`
	NATS          NATSConfig `yaml:"nats"`
	S3            S3Config   `yaml:"s3"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL             string `yaml:"url"`
	Subject         string `yaml:"subject"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// S3Config holds S3 delivery settings
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Use defaults if no config file
		return cfg, nil
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Keystore: KeystoreConfig{
			Provider: "file",
			Dir:      "/var/lib/vitalsync/keys",
		},
		Store: StoreConfig{
			Path: "/var/lib/vitalsync/trust.db",
		},
		Signer: SignerConfig{
			TimestampWindow: signer.DefaultTimestampWindow,
		},
		Dispatch: DispatchConfig{
			Target:        "https",
			Endpoint:      "https://sync.vitalsync.health/v1/sync",
			SpoolDir:      "/var/lib/vitalsync/outbox",
			FlushInterval: 30,
			MaxAttempts:   10,
			NATS: NATSConfig{
				URL:           "nats://bus.vitalsync.health:4222",
				Subject:       "sync.ingest",
				ReconnectWait: 2000,
				MaxReconnects: -1, // Unlimited
			},
			S3: S3Config{
				Bucket:    "vitalsync-sync-ingest",
				Region:    "us-east-1",
				KeyPrefix: "payloads/",
			},
		},
	}
}

// Validate checks the configuration for values that would fail at runtime
func (c *Config) Validate() error {
	switch c.Keystore.Provider {
	case "file":
		if c.Keystore.Dir == "" {
			return fmt.Errorf("keystore.dir is required for the file provider")
		}
	case "kms":
		if c.Keystore.KMSKeyID == "" {
			return fmt.Errorf("keystore.kms_key_id is required for the kms provider")
		}
		if c.Keystore.Dir == "" {
			return fmt.Errorf("keystore.dir is required for the kms provider")
		}
	default:
		return fmt.Errorf("unknown keystore provider %q", c.Keystore.Provider)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	if c.Signer.SecretHex == "" && c.Remote.Source == "" {
		return fmt.Errorf("signer.secret_hex is required unless a remote source supplies it")
	}
	if _, _, err := c.Signer.Secrets(); err != nil {
		return err
	}

	if _, err := c.PinSets(); err != nil {
		return err
	}

	switch c.Remote.Source {
	case "":
	case "file":
		if c.Remote.Path == "" {
			return fmt.Errorf("remote.path is required for the file source")
		}
	case "ssm":
		if c.Remote.Parameter == "" {
			return fmt.Errorf("remote.parameter is required for the ssm source")
		}
	default:
		return fmt.Errorf("unknown remote source %q", c.Remote.Source)
	}
	if c.Remote.Source != "" {
		if _, err := c.Remote.VerificationKey(); err != nil {
			return err
		}
	}

	switch c.Dispatch.Target {
	case "https":
		u, err := url.Parse(c.Dispatch.Endpoint)
		if err != nil {
			return fmt.Errorf("dispatch.endpoint is not a valid URL: %w", err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("dispatch.endpoint must use https, got %q", u.Scheme)
		}
	case "nats":
		if c.Dispatch.NATS.URL == "" {
			return fmt.Errorf("dispatch.nats.url is required for the nats target")
		}
		if c.Dispatch.NATS.Subject == "" {
			return fmt.Errorf("dispatch.nats.subject is required for the nats target")
		}
	case "s3":
		if c.Dispatch.S3.Bucket == "" {
			return fmt.Errorf("dispatch.s3.bucket is required for the s3 target")
		}
	default:
		return fmt.Errorf("unknown dispatch target %q", c.Dispatch.Target)
	}
	if c.Dispatch.SpoolDir == "" {
		return fmt.Errorf("dispatch.spool_dir is required")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch.max_attempts must be positive")
	}

	return nil
}

// PinSets converts the configured pins into validated per-domain pin sets.
func (c *Config) PinSets() (map[string]pinning.PinSet, error) {
	if len(c.Pins) == 0 {
		return nil, nil
	}
	sets := make(map[string]pinning.PinSet, len(c.Pins))
	for domain, sc := range c.Pins {
		set := pinning.PinSet{Expiration: sc.Expiration}
		for _, pc := range sc.Pins {
			set.Pins = append(set.Pins, pinning.Pin{Digest: pc.Digest, Value: pc.Pin})
		}
		if err := set.Validate(); err != nil {
			return nil, fmt.Errorf("pins for %s: %w", domain, err)
		}
		sets[domain] = set
	}
	return sets, nil
}

// Secrets decodes the configured signing secrets.
func (c *SignerConfig) Secrets() ([]byte, [][]byte, error) {
	if c.SecretHex == "" {
		return nil, nil, nil
	}
	secret, err := hex.DecodeString(c.SecretHex)
	if err != nil {
		return nil, nil, fmt.Errorf("signer.secret_hex is not valid hex: %w", err)
	}
	var previous [][]byte
	for i, p := range c.PreviousSecretsHex {
		raw, err := hex.DecodeString(p)
		if err != nil {
			return nil, nil, fmt.Errorf("signer.previous_secrets_hex[%d] is not valid hex: %w", i, err)
		}
		previous = append(previous, raw)
	}
	return secret, previous, nil
}

// VerificationKey decodes the configured Ed25519 public key.
func (c *RemoteSourceConfig) VerificationKey() ([]byte, error) {
	if c.PublicKey == "" {
		return nil, fmt.Errorf("remote.public_key is required when a remote source is configured")
	}
	key, err := base64.StdEncoding.DecodeString(c.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("remote.public_key is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("remote.public_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
