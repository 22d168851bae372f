// Package main implements trustd, the device trust agent for VitalSync.
// The agent owns the device key material, seals health payloads per
// identity, signs sync requests, and relays them to the backend over
// pinned transport. Plaintext health data never leaves the process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/luminahealth/vitalsync/trust/credstore"
	"github.com/luminahealth/vitalsync/trust/dispatch"
	"github.com/luminahealth/vitalsync/trust/keystore"
	"github.com/luminahealth/vitalsync/trust/pinning"
	"github.com/luminahealth/vitalsync/trust/seal"
	"github.com/luminahealth/vitalsync/trust/signer"
	"github.com/luminahealth/vitalsync/trust/trustcfg"
)

// Version is set at build time
var Version = "dev"

func main() {
	// Parse command line flags
	configPath := flag.String("config", "/etc/vitalsync/trustd.yaml", "Path to configuration file")
	checkOnly := flag.Bool("check", false, "Validate configuration and key material, then exit")
	endpoint := flag.String("endpoint", "", "Sync endpoint URL (overrides config)")
	spoolDir := flag.String("spool-dir", "", "Outbox spool directory (overrides config)")
	flag.Parse()

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Msg("VitalSync trust agent starting")

	// Load configuration
	cfg, err := trustcfg.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Override with command line flags
	if *endpoint != "" {
		cfg.Dispatch.Endpoint = *endpoint
	}
	if *spoolDir != "" {
		cfg.Dispatch.SpoolDir = *spoolDir
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("level", cfg.Logging.Level).Msg("Unknown log level, using info")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Key material
	keys, closeKeys, err := buildKeyStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open key store")
	}
	defer closeKeys()

	sealer := seal.NewSealer(keys)
	identitySealer := seal.NewIdentitySealer(keys)

	// Credential store
	creds, err := credstore.Open(ctx, cfg.Store.Path, keys)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open credential store")
	}
	defer creds.Close()

	// Pin manager
	pinSets, err := cfg.PinSets()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid pin configuration")
	}
	pins, err := pinning.NewManager(pinSets)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create pin manager")
	}

	// Signing secrets, replaced by the published trust config when one
	// is available.
	secret, previous, err := cfg.Signer.Secrets()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid signer configuration")
	}
	if cfg.Remote.Source != "" {
		secret, previous, err = applyRemoteTrust(ctx, cfg, pins, secret, previous)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to apply remote trust configuration")
		}
	}

	requestSigner, err := signer.New(secret, previous...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create request signer")
	}

	// Prove the key store can seal and open before serving anything.
	if !sealer.IsAvailable(ctx) {
		log.Fatal().Msg("Encryption self-test failed")
	}

	if *checkOnly {
		log.Info().Msg("Configuration valid, key material available")
		return
	}

	// Delivery target
	target, closeTarget, err := buildTarget(ctx, cfg, pins)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create delivery target")
	}
	defer closeTarget()

	outbox, err := dispatch.NewOutbox(cfg.Dispatch.SpoolDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open outbox")
	}

	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Sealer:          identitySealer,
		Signer:          requestSigner,
		Credentials:     creds,
		Target:          target,
		Outbox:          outbox,
		FlushInterval:   time.Duration(cfg.Dispatch.FlushInterval) * time.Second,
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
		TimestampWindow: cfg.Signer.TimestampWindow,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create dispatcher")
	}

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	// Run dispatcher (blocks until context is cancelled)
	dispatcher.Run(ctx)

	log.Info().Msg("Trust agent shutdown complete")
}

// buildKeyStore opens the configured key store provider.
func buildKeyStore(ctx context.Context, cfg *trustcfg.Config) (keystore.KeyStore, func(), error) {
	switch cfg.Keystore.Provider {
	case "kms":
		ks, err := keystore.NewKMSKeyStore(ctx, cfg.Keystore.Region, cfg.Keystore.KMSKeyID, cfg.Keystore.Dir)
		if err != nil {
			return nil, nil, err
		}
		return ks, func() { ks.Close() }, nil
	default:
		ks, err := keystore.NewFileKeyStore(cfg.Keystore.Dir)
		if err != nil {
			return nil, nil, err
		}
		return ks, func() { ks.Close() }, nil
	}
}

// applyRemoteTrust fetches and verifies the published trust config,
// applying its pin sets and returning its signing secrets. When no config
// is published the static configuration stays in effect.
func applyRemoteTrust(ctx context.Context, cfg *trustcfg.Config, pins *pinning.Manager, secret []byte, previous [][]byte) ([]byte, [][]byte, error) {
	publicKey, err := cfg.Remote.VerificationKey()
	if err != nil {
		return nil, nil, err
	}

	var source trustcfg.ParameterSource
	switch cfg.Remote.Source {
	case "ssm":
		source, err = trustcfg.NewSSMParameterSource(ctx, cfg.Remote.Region, cfg.Remote.Parameter)
		if err != nil {
			return nil, nil, err
		}
	case "file":
		source = trustcfg.NewFileParameterSource(cfg.Remote.Path)
	default:
		return nil, nil, fmt.Errorf("unknown remote source %q", cfg.Remote.Source)
	}

	remote, err := trustcfg.NewRemoteTrustSource(source, publicKey)
	if err != nil {
		return nil, nil, err
	}

	trusted, err := remote.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	if trusted == nil {
		log.Info().Msg("No remote trust config published, using static configuration")
		return secret, previous, nil
	}

	if len(trusted.Pins) > 0 {
		if err := pins.SetPins(trusted.Pins); err != nil {
			return nil, nil, err
		}
	}

	remoteSecret, remotePrevious, err := trusted.SignerSecrets()
	if err != nil {
		return nil, nil, err
	}
	if len(remoteSecret) > 0 {
		secret, previous = remoteSecret, remotePrevious
	}

	log.Info().Int64("version", trusted.Version).Msg("Applied remote trust configuration")
	return secret, previous, nil
}

// buildTarget creates the configured delivery target.
func buildTarget(ctx context.Context, cfg *trustcfg.Config, pins *pinning.Manager) (dispatch.Target, func(), error) {
	switch cfg.Dispatch.Target {
	case "https":
		t, err := dispatch.NewHTTPTarget(pins.BuildSecureClient(), cfg.Dispatch.Endpoint)
		if err != nil {
			return nil, nil, err
		}
		return t, func() {}, nil
	case "nats":
		// Pin against the configured bus host explicitly so the connection
		// stays governed even when the broker is dialed by IP.
		u, err := url.Parse(cfg.Dispatch.NATS.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid NATS URL: %w", err)
		}
		t, err := dispatch.NewNATSTarget(cfg.Dispatch.NATS, pins.TLSConfigForHost(u.Hostname()))
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	case "s3":
		t, err := dispatch.NewS3Target(ctx, cfg.Dispatch.S3)
		if err != nil {
			return nil, nil, err
		}
		return t, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown dispatch target %q", cfg.Dispatch.Target)
	}
}
