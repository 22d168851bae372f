// Package signer authenticates sync requests with HMAC-SHA256. Each request
// is signed over a canonical message that binds the caller identity, payload,
// endpoint, a unix timestamp, and a single-use nonce, so the backend can
// reject tampered, stale, and replayed requests.
package signer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// NonceSize is the number of random bytes in a nonce before hex
	// encoding.
	NonceSize = 32

	// DefaultTimestampWindow is the freshness window in seconds. A request
	// whose timestamp differs from the verifier's clock by more than this
	// is rejected as too old or too new.
	DefaultTimestampWindow int64 = 300
)

// timeNow returns wall-clock seconds. Overridden in tests to control the
// freshness window.
var timeNow = func() int64 { return time.Now().Unix() }

// Request is the unsigned form of a sync request. Data carries the sealed
// payload, already base64-encoded for transport.
type Request struct {
	Identity string `json:"identity"`
	Data     string `json:"data"`
	Endpoint string `json:"endpoint"`
}

// SignedRequest is a request plus the freshness fields and signature the
// backend verifies.
type SignedRequest struct {
	Identity  string `json:"identity"`
	Data      string `json:"data"`
	Endpoint  string `json:"endpoint"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// Signer signs and verifies requests with a shared secret. It may hold
// previous secrets so that requests signed just before a rotation still
// verify.
type Signer struct {
	secrets [][]byte
}

// New creates a Signer with the current secret and any number of previous
// secrets accepted during rotation. Signing always uses the current secret.
func New(secret []byte, previous ...[]byte) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret must not be empty")
	}
	secrets := make([][]byte, 0, 1+len(previous))
	secrets = append(secrets, append([]byte(nil), secret...))
	for i, p := range previous {
		if len(p) == 0 {
			return nil, fmt.Errorf("rotation secret %d must not be empty", i)
		}
		secrets = append(secrets, append([]byte(nil), p...))
	}
	return &Signer{secrets: secrets}, nil
}

// Sign signs the request with the current secret at the given timestamp and
// nonce.
func (s *Signer) Sign(req Request, timestamp int64, nonce string) SignedRequest {
	message := canonicalMessage(req.Identity, req.Data, req.Endpoint, timestamp, nonce)
	return SignedRequest{
		Identity:  req.Identity,
		Data:      req.Data,
		Endpoint:  req.Endpoint,
		Timestamp: timestamp,
		Nonce:     nonce,
		Signature: computeSignature(s.secrets[0], message),
	}
}

// SignNow signs the request with the current wall-clock time and a freshly
// generated nonce.
func (s *Signer) SignNow(req Request) (SignedRequest, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return SignedRequest{}, err
	}
	return s.Sign(req, timeNow(), nonce), nil
}

// Verify reports whether the signature matches any configured secret. The
// result is a bare boolean so callers cannot leak why verification failed.
// Freshness is checked separately with ValidTimestamp, and replay of a fresh
// nonce is the verifier's server-side nonce cache to reject.
func (s *Signer) Verify(req SignedRequest) bool {
	supplied, err := hex.DecodeString(req.Signature)
	if err != nil {
		return false
	}
	message := canonicalMessage(req.Identity, req.Data, req.Endpoint, req.Timestamp, req.Nonce)
	for _, secret := range s.secrets {
		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(message))
		if hmac.Equal(supplied, mac.Sum(nil)) {
			return true
		}
	}
	return false
}

// GenerateNonce returns a hex-encoded nonce from a cryptographically secure
// random source.
func GenerateNonce() (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(nonce), nil
}

// ValidTimestamp reports whether the timestamp is within windowSeconds of the
// current wall clock, in either direction. A non-positive window selects
// DefaultTimestampWindow.
func ValidTimestamp(timestamp, windowSeconds int64) bool {
	if windowSeconds <= 0 {
		windowSeconds = DefaultTimestampWindow
	}
	delta := timeNow() - timestamp
	if delta < 0 {
		delta = -delta
	}
	return delta <= windowSeconds
}

// canonicalMessage builds the exact byte string that gets signed. The backend
// reconstructs this string verbatim, so the field order and pipe delimiter
// are wire format and must not change.
//
// Fields are not individually escaped. Timestamps and nonces are generated
// values that cannot contain a pipe, and payload data is base64 by the time
// it reaches the signer, but an identity or endpoint containing '|' would
// make the field boundaries ambiguous. Switching to a length-prefixed
// encoding would close that off at the cost of invalidating every deployed
// verifier, so it stays as is until the backend coordinates a format bump.
func canonicalMessage(identity, data, endpoint string, timestamp int64, nonce string) string {
	return strings.Join([]string{
		identity,
		data,
		endpoint,
		strconv.FormatInt(timestamp, 10),
		nonce,
	}, "|")
}

func computeSignature(secret []byte, message string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
