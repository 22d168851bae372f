package trustcfg

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/rs/zerolog/log"

	"github.com/luminahealth/vitalsync/trust/pinning"
)

// Clock skew allowance for the issue timestamp (1 minute into the future)
const maxIssueSkew = 1 * time.Minute

// ParameterSource fetches the signed trust configuration document from a
// backing store. Implementations may fetch from SSM Parameter Store, local
// files, etc. A nil result with no error means no document is published.
type ParameterSource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// SSMParameterSource fetches the document from AWS SSM Parameter Store.
type SSMParameterSource struct {
	client *ssm.Client
	name   string
}

// NewSSMParameterSource creates a source reading the named parameter.
func NewSSMParameterSource(ctx context.Context, region, name string) (*SSMParameterSource, error) {
	if name == "" {
		return nil, fmt.Errorf("parameter name is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SSMParameterSource{
		client: ssm.NewFromConfig(awsCfg),
		name:   name,
	}, nil
}

// Fetch returns the parameter value, or nil if the parameter does not exist.
func (s *SSMParameterSource) Fetch(ctx context.Context) ([]byte, error) {
	withDecryption := true
	result, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &s.name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch parameter %s: %w", s.name, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return nil, nil
	}
	return []byte(*result.Parameter.Value), nil
}

// FileParameterSource reads the document from a local file. Useful for
// development and for deployments that ship the document with the app.
type FileParameterSource struct {
	path string
}

// NewFileParameterSource creates a source reading the given path.
func NewFileParameterSource(path string) *FileParameterSource {
	return &FileParameterSource{path: path}
}

// Fetch returns the file contents, or nil if the file does not exist.
func (f *FileParameterSource) Fetch(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	return data, nil
}

// SignedTrustConfig is the remotely distributed trust material: certificate
// pin rotations and signing secret rotations, Ed25519-signed by the release
// pipeline and verified before anything is applied.
type SignedTrustConfig struct {
	// Version increases with every published document. A document whose
	// version does not advance past the last applied one is rejected, so a
	// captured older document cannot roll pins or secrets back.
	Version int64 `json:"version"`

	// IssuedAt is when the document was published
	IssuedAt time.Time `json:"issued_at"`

	// Pins replaces the per-domain pin sets when present
	Pins map[string]pinning.PinSet `json:"pins,omitempty"`

	// SigningSecretHex rotates the request signing secret when present
	SigningSecretHex string `json:"signing_secret_hex,omitempty"`

	// PreviousSecretsHex lists secrets still accepted for verification
	PreviousSecretsHex []string `json:"previous_secrets_hex,omitempty"`

	// Signature is the Ed25519 signature over the document (base64-encoded)
	Signature string `json:"signature"`
}

// signedPayload returns the canonical bytes to be signed/verified.
// This excludes the signature field itself.
func (c *SignedTrustConfig) signedPayload() ([]byte, error) {
	payload := struct {
		Version            int64                     `json:"version"`
		IssuedAt           time.Time                 `json:"issued_at"`
		Pins               map[string]pinning.PinSet `json:"pins,omitempty"`
		SigningSecretHex   string                    `json:"signing_secret_hex,omitempty"`
		PreviousSecretsHex []string                  `json:"previous_secrets_hex,omitempty"`
	}{
		Version:            c.Version,
		IssuedAt:           c.IssuedAt,
		Pins:               c.Pins,
		SigningSecretHex:   c.SigningSecretHex,
		PreviousSecretsHex: c.PreviousSecretsHex,
	}

	return json.Marshal(payload)
}

// SignerSecrets decodes the rotated signing secrets carried by the document.
// Returns nil secrets if the document does not rotate them.
func (c *SignedTrustConfig) SignerSecrets() ([]byte, [][]byte, error) {
	if c.SigningSecretHex == "" {
		return nil, nil, nil
	}
	secret, err := hex.DecodeString(c.SigningSecretHex)
	if err != nil {
		return nil, nil, fmt.Errorf("signing_secret_hex is not valid hex: %w", err)
	}
	var previous [][]byte
	for i, p := range c.PreviousSecretsHex {
		raw, err := hex.DecodeString(p)
		if err != nil {
			return nil, nil, fmt.Errorf("previous_secrets_hex[%d] is not valid hex: %w", i, err)
		}
		previous = append(previous, raw)
	}
	return secret, previous, nil
}

// TrustConfigVerifier verifies signed trust configuration documents and
// enforces version monotonicity across them.
type TrustConfigVerifier struct {
	publicKey ed25519.PublicKey

	mu          sync.Mutex
	lastVersion int64
}

// NewTrustConfigVerifier creates a verifier with the given public key.
// The public key is the release pipeline's signing key, shipped with the app.
func NewTrustConfigVerifier(publicKey ed25519.PublicKey) (*TrustConfigVerifier, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: expected %d, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	return &TrustConfigVerifier{publicKey: publicKey}, nil
}

// Verify validates a signed trust configuration.
// Returns nil if the document is valid, or an error describing why it's not.
func (v *TrustConfigVerifier) Verify(config *SignedTrustConfig) error {
	if config.Version <= 0 {
		return fmt.Errorf("version must be positive, got %d", config.Version)
	}
	if config.IssuedAt.IsZero() {
		return fmt.Errorf("issued_at is required")
	}
	if time.Now().Add(maxIssueSkew).Before(config.IssuedAt) {
		return fmt.Errorf("issued_at is in the future: %s", config.IssuedAt.Format(time.RFC3339))
	}

	for domain, set := range config.Pins {
		if err := set.Validate(); err != nil {
			return fmt.Errorf("pins for %s: %w", domain, err)
		}
	}
	if _, _, err := config.SignerSecrets(); err != nil {
		return err
	}

	if err := v.verifySignature(config); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if config.Version <= v.lastVersion {
		log.Warn().
			Int64("version", config.Version).
			Int64("last_version", v.lastVersion).
			Msg("SECURITY: Trust config rollback attempt rejected")
		return fmt.Errorf("version %d does not advance past %d", config.Version, v.lastVersion)
	}
	v.lastVersion = config.Version

	log.Info().
		Int64("version", config.Version).
		Str("issued_at", config.IssuedAt.Format(time.RFC3339)).
		Msg("Trust config verified successfully")

	return nil
}

// verifySignature verifies the Ed25519 signature on the document.
func (v *TrustConfigVerifier) verifySignature(config *SignedTrustConfig) error {
	signature, err := base64.StdEncoding.DecodeString(config.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature size: expected %d, got %d", ed25519.SignatureSize, len(signature))
	}

	payload, err := config.signedPayload()
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}

	if !ed25519.Verify(v.publicKey, payload, signature) {
		return fmt.Errorf("signature does not match")
	}

	return nil
}

// ParseSignedTrustConfig parses a JSON-encoded signed trust configuration.
func ParseSignedTrustConfig(data []byte) (*SignedTrustConfig, error) {
	var config SignedTrustConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse trust config: %w", err)
	}
	return &config, nil
}

// SignTrustConfig signs a trust configuration with the given private key.
// This is the release pipeline's half of the exchange.
func SignTrustConfig(config *SignedTrustConfig, privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size")
	}

	payload, err := config.signedPayload()
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}

	config.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(privateKey, payload))
	return nil
}

// RemoteTrustSource fetches, parses, and verifies trust configuration from a
// parameter source.
type RemoteTrustSource struct {
	source   ParameterSource
	verifier *TrustConfigVerifier
}

// NewRemoteTrustSource creates a remote trust source.
func NewRemoteTrustSource(source ParameterSource, publicKey ed25519.PublicKey) (*RemoteTrustSource, error) {
	if source == nil {
		return nil, fmt.Errorf("parameter source is required")
	}
	verifier, err := NewTrustConfigVerifier(publicKey)
	if err != nil {
		return nil, err
	}
	return &RemoteTrustSource{source: source, verifier: verifier}, nil
}

// Load fetches and verifies the current trust configuration.
//
// Returns:
// - (*SignedTrustConfig, nil) if a valid document was fetched
// - (nil, nil) if no document is published
// - (nil, error) if fetching or verification failed
func (r *RemoteTrustSource) Load(ctx context.Context) (*SignedTrustConfig, error) {
	data, err := r.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trust config: %w", err)
	}
	if data == nil {
		log.Debug().Msg("No remote trust config published")
		return nil, nil
	}

	config, err := ParseSignedTrustConfig(data)
	if err != nil {
		return nil, err
	}
	if err := r.verifier.Verify(config); err != nil {
		return nil, fmt.Errorf("trust config rejected: %w", err)
	}
	return config, nil
}
