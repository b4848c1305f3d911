package probe

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// loopbackHost is the only host allowed to bypass certificate verification.
// This is invariant I5: any other host with relaxed verification is a bug.
const loopbackHost = "127.0.0.1"

// CompanionHTTPClient builds a client for talking to a locally running
// companion app over HTTPS on loopback. Self-signed certificates are
// accepted, but only when the request's target host is exactly
// loopbackHost; every other host goes through normal chain verification.
// The check happens per-connection via DialTLSContext rather than a
// process-wide InsecureSkipVerify, so a misconfigured base URL can never
// silently widen the bypass to a non-loopback host.
func CompanionHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialCompanionTLS(ctx, dialer, network, addr)
			},
		},
	}
}

func dialCompanionTLS(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{ServerName: host}
	if host == loopbackHost {
		// Companion apps mint a fresh self-signed cert per install; this is
		// the only host allowed to skip chain verification (I5).
		cfg.InsecureSkipVerify = true
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}
