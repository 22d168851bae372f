package pinning

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Fixed transport timeouts. Connect covers TCP establishment plus the TLS
// handshake; read and write are rolling per-operation deadlines on the
// underlying socket.
const (
	connectTimeout = 30 * time.Second
	readTimeout    = 30 * time.Second
	writeTimeout   = 30 * time.Second
)

// BuildSecureClient returns an HTTP client that enforces certificate pinning
// for governed domains, refuses cleartext requests, applies the fixed
// connect/read/write timeouts, and logs every request and response.
func (m *Manager) BuildSecureClient() *http.Client {
	transport := &http.Transport{
		DialTLSContext:        m.dialTLS,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: readTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: &loggingRoundTripper{next: transport},
	}
}

// dialTLS establishes a pinned TLS connection. The pin check runs inside the
// handshake via VerifyConnection, after standard chain verification, so a
// mismatch kills the connection before any request bytes are written.
func (m *Manager) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	raw, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: host,
		RootCAs:    m.rootCAs(),
		VerifyConnection: func(cs tls.ConnectionState) error {
			return m.checkChain(host, cs.VerifiedChains)
		},
	}
	conn := tls.Client(&timeoutConn{Conn: raw}, cfg)

	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// timeoutConn applies the fixed read and write timeouts as rolling deadlines
// on each socket operation.
type timeoutConn struct {
	net.Conn
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *timeoutConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// loggingRoundTripper logs each request and response with a correlation id.
// It never logs headers or bodies, only method, host, path, status, and
// timing. It is also the choke point that blocks cleartext: the scheme check
// runs before any connection is dialed, so no call site can opt out.
type loggingRoundTripper struct {
	next http.RoundTripper
}

func (rt *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		log.Warn().
			Str("scheme", req.URL.Scheme).
			Str("host", req.URL.Host).
			Msg("SECURITY: Refusing cleartext request")
		return nil, ErrCleartextBlocked
	}

	requestID := uuid.NewString()
	start := time.Now()
	log.Debug().
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("host", req.URL.Host).
		Str("path", req.URL.Path).
		Msg("HTTP request")

	resp, err := rt.next.RoundTrip(req)
	if err != nil {
		log.Warn().
			Str("request_id", requestID).
			Str("host", req.URL.Host).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("HTTP request failed")
		return nil, err
	}

	log.Debug().
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("HTTP response")
	return resp, nil
}
