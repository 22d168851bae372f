// Package dispatch moves sealed health payloads to the sync backend. Each
// send seals the payload under the caller's identity key, signs the request,
// attaches the bearer credential, and delivers to the configured target.
// Deliveries that fail are spooled to a durable outbox and retried until
// they exhaust their attempts.
package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/luminahealth/vitalsync/trust/credstore"
	"github.com/luminahealth/vitalsync/trust/seal"
	"github.com/luminahealth/vitalsync/trust/signer"
)

// ErrNoAccessCredential is returned when delivery is attempted without a
// valid access credential. The envelope is spooled until the app layer has
// refreshed the credential.
var ErrNoAccessCredential = errors.New("no valid access credential")

// Envelope is one spooled delivery: the signed request plus retry
// bookkeeping.
type Envelope struct {
	ID        string               `json:"id"`
	Identity  string               `json:"identity"`
	Request   signer.SignedRequest `json:"request"`
	CreatedAt int64                `json:"created_at"`
	Attempts  int                  `json:"attempts"`
}

// DispatcherConfig holds the collaborators and tuning for a Dispatcher.
type DispatcherConfig struct {
	Sealer      *seal.IdentitySealer
	Signer      *signer.Signer
	Credentials *credstore.Store
	Target      Target
	Outbox      *Outbox

	// FlushInterval is how often Run retries spooled envelopes.
	FlushInterval time.Duration

	// MaxAttempts is the delivery attempt budget per envelope before it is
	// parked for operator attention.
	MaxAttempts int

	// TimestampWindow is the backend's request timestamp window in seconds.
	// Spooled envelopes older than the window are re-signed before
	// redelivery so they are not rejected as stale.
	TimestampWindow int64
}

// Dispatcher seals, signs, and delivers payloads.
type Dispatcher struct {
	sealer *seal.IdentitySealer
	signer *signer.Signer
	creds  *credstore.Store
	target Target
	outbox *Outbox

	flushInterval   time.Duration
	maxAttempts     int
	timestampWindow int64
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Sealer == nil {
		return nil, fmt.Errorf("sealer is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if cfg.Target == nil {
		return nil, fmt.Errorf("target is required")
	}
	if cfg.Outbox == nil {
		return nil, fmt.Errorf("outbox is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.TimestampWindow <= 0 {
		cfg.TimestampWindow = signer.DefaultTimestampWindow
	}
	return &Dispatcher{
		sealer:          cfg.Sealer,
		signer:          cfg.Signer,
		creds:           cfg.Credentials,
		target:          cfg.Target,
		outbox:          cfg.Outbox,
		flushInterval:   cfg.FlushInterval,
		maxAttempts:     cfg.MaxAttempts,
		timestampWindow: cfg.TimestampWindow,
	}, nil
}

// Send seals the payload under the identity's key, signs the request, and
// delivers it. A failed delivery is spooled for retry and is not an error;
// only a payload that can be neither delivered nor spooled is.
func (d *Dispatcher) Send(ctx context.Context, identity string, payload []byte, endpoint string) error {
	sealed, err := d.sealer.EncryptPayload(ctx, payload, identity)
	if err != nil {
		return fmt.Errorf("failed to seal payload: %w", err)
	}

	signed, err := d.signer.SignNow(signer.Request{
		Identity: identity,
		Data:     base64.StdEncoding.EncodeToString(sealed),
		Endpoint: endpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	env := &Envelope{
		ID:        uuid.NewString(),
		Identity:  identity,
		Request:   signed,
		CreatedAt: time.Now().Unix(),
	}

	if err := d.deliver(ctx, env); err != nil {
		log.Warn().
			Err(err).
			Str("envelope_id", env.ID).
			Str("target", d.target.Name()).
			Msg("Delivery failed - spooling envelope")
		if err := d.outbox.Put(env); err != nil {
			return fmt.Errorf("failed to spool envelope: %w", err)
		}
		return nil
	}

	log.Debug().
		Str("envelope_id", env.ID).
		Str("endpoint", endpoint).
		Msg("Envelope delivered")
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, env *Envelope) error {
	bearer, found, err := d.creds.RetrieveAccess(ctx)
	if err != nil {
		return fmt.Errorf("failed to load access credential: %w", err)
	}
	if !found {
		return ErrNoAccessCredential
	}
	return d.target.Deliver(ctx, env, bearer)
}

// Flush attempts redelivery of every spooled envelope. Envelopes that fail
// again have their attempt count bumped; those that exhaust the budget are
// parked. Returns the number delivered.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	ids, err := d.outbox.List()
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}

		env, err := d.outbox.Get(id)
		if err != nil {
			log.Error().Err(err).Str("envelope_id", id).Msg("Failed to load spooled envelope")
			continue
		}

		// An envelope that sat in the spool past the backend's timestamp
		// window would be rejected as stale; re-sign it with a fresh
		// timestamp and nonce before redelivery.
		if !signer.ValidTimestamp(env.Request.Timestamp, d.timestampWindow) {
			signed, err := d.signer.SignNow(signer.Request{
				Identity: env.Request.Identity,
				Data:     env.Request.Data,
				Endpoint: env.Request.Endpoint,
			})
			if err != nil {
				log.Error().Err(err).Str("envelope_id", id).Msg("Failed to re-sign stale envelope")
				continue
			}
			env.Request = signed
			if err := d.outbox.Put(env); err != nil {
				log.Error().Err(err).Str("envelope_id", id).Msg("Failed to update re-signed envelope")
			}
		}

		if err := d.deliver(ctx, env); err != nil {
			// A missing credential is not a delivery failure: the envelope
			// is only waiting on the app layer's refresh flow, so it stays
			// spooled without consuming its attempt budget.
			if errors.Is(err, ErrNoAccessCredential) {
				log.Debug().Str("envelope_id", id).Msg("No access credential - envelope stays spooled")
				continue
			}
			env.Attempts++
			if env.Attempts >= d.maxAttempts {
				log.Error().
					Err(err).
					Str("envelope_id", id).
					Int("attempts", env.Attempts).
					Msg("Envelope exhausted delivery attempts - parking")
				if err := d.outbox.Park(env); err != nil {
					log.Error().Err(err).Str("envelope_id", id).Msg("Failed to park envelope")
				}
				continue
			}
			log.Warn().
				Err(err).
				Str("envelope_id", id).
				Int("attempts", env.Attempts).
				Msg("Redelivery failed")
			if err := d.outbox.Put(env); err != nil {
				log.Error().Err(err).Str("envelope_id", id).Msg("Failed to update spooled envelope")
			}
			continue
		}

		if err := d.outbox.Remove(id); err != nil {
			log.Error().Err(err).Str("envelope_id", id).Msg("Failed to remove delivered envelope")
		}
		delivered++
	}
	return delivered, nil
}

// Run flushes the outbox on the configured interval until the context is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	log.Info().
		Str("target", d.target.Name()).
		Dur("interval", d.flushInterval).
		Msg("Dispatcher started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Dispatcher stopped")
			return
		case <-ticker.C:
			n, err := d.Flush(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Outbox flush failed")
			} else if n > 0 {
				log.Info().Int("delivered", n).Msg("Outbox flushed")
			}
		}
	}
}
