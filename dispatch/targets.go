package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/luminahealth/vitalsync/trust/trustcfg"
)

// Target delivers a signed envelope to the sync backend.
type Target interface {
	Name() string
	Deliver(ctx context.Context, env *Envelope, bearer string) error
}

// identityToken derives a short routing token from an identity so raw user
// IDs never appear in subjects or object keys.
func identityToken(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:8])
}

// HTTPTarget posts signed requests to the sync endpoint as JSON.
type HTTPTarget struct {
	client   *http.Client
	endpoint string
}

// NewHTTPTarget creates an HTTP target. The endpoint must be an https URL;
// the client should come from pinning.Manager.BuildSecureClient so pin
// validation and the cleartext ban apply.
func NewHTTPTarget(client *http.Client, endpoint string) (*HTTPTarget, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint must use https, got %q", u.Scheme)
	}
	return &HTTPTarget{client: client, endpoint: endpoint}, nil
}

func (t *HTTPTarget) Name() string { return "https" }

// Deliver posts the signed request to the endpoint joined with the
// request's logical path.
func (t *HTTPTarget) Deliver(ctx context.Context, env *Envelope, bearer string) error {
	target, err := url.JoinPath(t.endpoint, env.Request.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to build request URL: %w", err)
	}

	body, err := json.Marshal(env.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver envelope: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sync endpoint returned %s", resp.Status)
	}
	return nil
}

// NATSTarget publishes signed requests to the sync message bus.
type NATSTarget struct {
	conn    *nats.Conn
	subject string
}

// NewNATSTarget connects to the bus. A non-nil TLS config (typically from
// pinning.Manager.TLSConfig) enforces pin validation on the connection.
func NewNATSTarget(cfg trustcfg.NATSConfig, tlsConf *tls.Config) (*NATSTarget, error) {
	opts := []nats.Option{
		nats.Name("vitalsync-trustd"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if tlsConf != nil {
		opts = append(opts, nats.Secure(tlsConf))
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("Connected to NATS")
	return &NATSTarget{conn: conn, subject: cfg.Subject}, nil
}

func (t *NATSTarget) Name() string { return "nats" }

// Deliver publishes the signed request on a per-identity subject and flushes
// so a broker-side failure surfaces here rather than being dropped.
func (t *NATSTarget) Deliver(ctx context.Context, env *Envelope, bearer string) error {
	body, err := json.Marshal(env.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	msg := &nats.Msg{
		Subject: t.subject + "." + identityToken(env.Identity),
		Header:  nats.Header{"Authorization": []string{"Bearer " + bearer}},
		Data:    body,
	}
	if err := t.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

// Close drains the connection.
func (t *NATSTarget) Close() {
	if t.conn != nil {
		t.conn.Close()
	}
}

// S3API is the subset of the S3 client used for delivery.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Target writes signed requests to a bucket for batch ingestion.
// Authorization rides on the uploader's IAM role; the bearer credential is
// not embedded in the object.
type S3Target struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Target creates an S3 target using ambient AWS credentials.
func NewS3Target(ctx context.Context, cfg trustcfg.S3Config) (*S3Target, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3TargetWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.KeyPrefix), nil
}

// NewS3TargetWithClient creates an S3 target with a caller-supplied client.
func NewS3TargetWithClient(client S3API, bucket, prefix string) *S3Target {
	return &S3Target{client: client, bucket: bucket, prefix: prefix}
}

func (t *S3Target) Name() string { return "s3" }

func (t *S3Target) Deliver(ctx context.Context, env *Envelope, bearer string) error {
	body, err := json.Marshal(env.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	key := path.Join(t.prefix, identityToken(env.Identity), env.ID+".json")

	log.Debug().
		Str("bucket", t.bucket).
		Str("key", key).
		Int("size", len(body)).
		Msg("S3 PUT")

	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &t.bucket,
		Key:    &key,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject failed: %w", err)
	}
	return nil
}
