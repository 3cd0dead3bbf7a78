package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

const DefaultPort = 8009

var ErrNoPeerCertificate = errors.New("transport: device presented no certificate")

// Options configures the TCP dial and TLS handshake toward a cast device.
type Options struct {
	Port             int
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Port:             DefaultPort,
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Conn is an established TLS stream to a device.
type Conn struct {
	net.Conn

	closeOnce sync.Once
	closeErr  error
}

// Close closes the underlying connection once; later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// Address joins host with the cast port unless host already carries a port.
func Address(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Dial opens TCP to the device and upgrades it to TLS. Cancelling ctx at any
// point before Dial returns closes the raw socket.
func Dial(ctx context.Context, host string, opts Options) (*Conn, error) {
	if host == "" {
		return nil, errors.New("transport: empty device host")
	}
	addr := Address(host, opts.Port)

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	conn := tls.Client(rawConn, clientTLSConfig(hostOnly(addr)))
	handshakeCtx := ctx
	if opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
		defer cancel()
	}
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("transport: handshake %s: %w", addr, ctxErr)
		}
		return nil, fmt.Errorf("transport: handshake %s: %w", addr, err)
	}

	return &Conn{Conn: conn}, nil
}

// Cast devices serve self-signed certificates that fail chain, issuer and
// name checks. Verification is intentionally reduced to requiring that a
// certificate was presented at all.
func clientTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: true, //nolint:gosec // devices use self-signed certificates
		VerifyConnection: func(state tls.ConnectionState) error {
			if len(state.PeerCertificates) == 0 {
				return ErrNoPeerCertificate
			}
			return nil
		},
	}
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
