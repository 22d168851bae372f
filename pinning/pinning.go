// Package pinning validates TLS peers against per-domain certificate pins.
// A pin is the SHA-256 hash of a certificate's SubjectPublicKeyInfo, base64
// encoded. Connections to a governed domain must present a chain matching at
// least one current pin or they are refused outright; there is no unpinned
// fallback, and cleartext transport is never allowed.
package pinning

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DigestSHA256 is the only supported pin digest algorithm.
const DigestSHA256 = "SHA-256"

// ErrCleartextBlocked is returned for any request that is not HTTPS.
var ErrCleartextBlocked = errors.New("cleartext transport is not allowed")

// PinValidationError reports a governed host whose presented certificate
// chain matched no configured pin. Connections failing this way must be
// treated as fatal for the request, not retried on an unpinned path.
type PinValidationError struct {
	Host   string
	Reason string
}

func (e *PinValidationError) Error() string {
	return fmt.Sprintf("pin validation failed for %s: %s", e.Host, e.Reason)
}

// Pin is a single expected public key hash.
type Pin struct {
	Digest string `json:"digest"`
	Value  string `json:"pin"`
}

// decode returns the raw hash bytes of the pin.
func (p Pin) decode() ([]byte, error) {
	if p.Digest != DigestSHA256 {
		return nil, fmt.Errorf("unsupported pin digest %q", p.Digest)
	}
	raw, err := base64.StdEncoding.DecodeString(p.Value)
	if err != nil {
		return nil, fmt.Errorf("pin is not valid base64: %w", err)
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("pin must be %d bytes, got %d", sha256.Size, len(raw))
	}
	return raw, nil
}

// PinSet is the pin configuration for one domain. Multiple pins exist so the
// next certificate generation can be staged as a backup pin ahead of
// rotation. The expiration date is the deadline by which a refreshed set
// must have shipped; a set past it no longer authorizes connections.
type PinSet struct {
	Pins       []Pin     `json:"pins"`
	Expiration time.Time `json:"expiration"`
}

// Validate checks that the set has at least one well-formed pin and an
// expiration date.
func (s PinSet) Validate() error {
	if len(s.Pins) == 0 {
		return fmt.Errorf("pin set has no pins")
	}
	for i, pin := range s.Pins {
		if _, err := pin.decode(); err != nil {
			return fmt.Errorf("pin %d: %w", i, err)
		}
	}
	if s.Expiration.IsZero() {
		return fmt.Errorf("pin set has no expiration date")
	}
	return nil
}

// Expired reports whether the set's expiration date has passed.
func (s PinSet) Expired(now time.Time) bool {
	return now.After(s.Expiration)
}

// SPKIFingerprint returns the base64-encoded SHA-256 hash of the
// certificate's SubjectPublicKeyInfo, the value pins are compared against.
func SPKIFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Manager holds the per-domain pin sets and builds pinned TLS configuration
// from them. Pin sets can be swapped at runtime when remote configuration
// delivers a rotation.
type Manager struct {
	mu    sync.RWMutex
	sets  map[string]PinSet
	roots *x509.CertPool
}

// NewManager creates a Manager from per-domain pin sets. Every set is
// validated up front so a malformed pin fails at startup, not at connect
// time.
func NewManager(sets map[string]PinSet) (*Manager, error) {
	m := &Manager{sets: make(map[string]PinSet)}
	if err := m.SetPins(sets); err != nil {
		return nil, err
	}
	return m, nil
}

// PinSets returns a copy of the current per-domain pin sets.
func (m *Manager) PinSets() map[string]PinSet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]PinSet, len(m.sets))
	for domain, set := range m.sets {
		copied := set
		copied.Pins = append([]Pin(nil), set.Pins...)
		out[domain] = copied
	}
	return out
}

// SetPins replaces the pin configuration wholesale. The swap is atomic:
// either every set validates and the new configuration takes effect, or the
// previous configuration stays.
func (m *Manager) SetPins(sets map[string]PinSet) error {
	next := make(map[string]PinSet, len(sets))
	for domain, set := range sets {
		if domain == "" {
			return fmt.Errorf("pin set configured for empty domain")
		}
		if err := set.Validate(); err != nil {
			return fmt.Errorf("pin set for %s: %w", domain, err)
		}
		copied := set
		copied.Pins = append([]Pin(nil), set.Pins...)
		next[domain] = copied
	}

	m.mu.Lock()
	m.sets = next
	m.mu.Unlock()

	log.Info().Int("domains", len(next)).Msg("Certificate pin sets configured")
	return nil
}

// SetRootCAs overrides the root pool used to verify peer chains. A nil pool
// selects the system roots.
func (m *Manager) SetRootCAs(pool *x509.CertPool) {
	m.mu.Lock()
	m.roots = pool
	m.mu.Unlock()
}

func (m *Manager) rootCAs() *x509.CertPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roots
}

func (m *Manager) pinSetFor(host string) (PinSet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[host]
	return set, ok
}

// checkChain validates the verified certificate chains for a host. Hosts
// without a configured pin set pass on standard chain verification alone.
// For governed hosts, some certificate in a verified chain must hash to a
// pin in the current, unexpired set.
//
// Only chains that passed standard verification count. The raw presented
// chain must never be consulted here: certificates are public, so a peer
// can append any pinned certificate as a decoy without holding its key.
func (m *Manager) checkChain(host string, chains [][]*x509.Certificate) error {
	set, governed := m.pinSetFor(host)
	if !governed {
		return nil
	}
	if len(chains) == 0 {
		return &PinValidationError{Host: host, Reason: "no verified certificate chain"}
	}
	if set.Expired(time.Now()) {
		log.Warn().
			Str("host", host).
			Time("expiration", set.Expiration).
			Msg("SECURITY: Pin set expired - refusing connection")
		return &PinValidationError{Host: host, Reason: "pin set has expired"}
	}

	for _, chain := range chains {
		for _, cert := range chain {
			fingerprint := SPKIFingerprint(cert)
			for _, pin := range set.Pins {
				if pin.Digest == DigestSHA256 && pin.Value == fingerprint {
					log.Debug().Str("host", host).Msg("Certificate pin matched")
					return nil
				}
			}
		}
	}

	log.Warn().
		Str("host", host).
		Int("chains", len(chains)).
		Msg("SECURITY: Verified certificate chain matched no configured pin")
	return &PinValidationError{Host: host, Reason: "verified chain matched no configured pin"}
}

// TLSConfig returns a tls.Config that enforces pinning through its
// VerifyConnection hook, for clients that manage their own connections.
// Pinning keys off the TLS server name, so it only governs connections
// dialed by hostname; when the expected host is known up front, use
// TLSConfigForHost instead.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    m.rootCAs(),
		VerifyConnection: func(cs tls.ConnectionState) error {
			return m.checkChain(cs.ServerName, cs.VerifiedChains)
		},
	}
}

// TLSConfigForHost returns a tls.Config that pins every connection against
// the named host's pin set, regardless of how the connection was dialed.
// The message bus transport uses this so an IP-dialed connection cannot
// slip out of governance.
func (m *Manager) TLSConfigForHost(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    m.rootCAs(),
		VerifyConnection: func(cs tls.ConnectionState) error {
			return m.checkChain(host, cs.VerifiedChains)
		},
	}
}
