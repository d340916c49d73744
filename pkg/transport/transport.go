// Package transport provides the low-level TCP/TLS connection capability
// consumed by the HTTP client. It is a thin pipe: connect, send, recv,
// disconnect. It never interprets payload bytes and never reuses a
// connection across requests (§4.C, §6: "No persistent-connection reuse
// across requests").
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/lwm2mcore/fotacore/pkg/errors"
	"github.com/lwm2mcore/fotacore/pkg/timing"
	"github.com/lwm2mcore/fotacore/pkg/tlsconfig"
)

// Config describes a single connection attempt.
type Config struct {
	Scheme string // "http" or "https"
	Host   string
	Port   int

	// InsecureTLS skips server certificate verification. Only meant for
	// testing; production credential material comes through CustomCACerts.
	InsecureTLS bool

	// CustomCACerts, when non-empty, are PEM-encoded root CAs used instead
	// of the system trust store (supplied through controller.Options).
	CustomCACerts [][]byte

	ConnTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ConnMetadata captures what happened while establishing the connection,
// useful for telemetry and the progress/timing facade.
type ConnMetadata struct {
	ConnectedIP    string
	ConnectedPort  int
	TLSVersion     string
	TLSCipherSuite string
	TLSServerName  string
}

// Capability is the five-operation boundary the spec requires of a
// transport: connect, send, recv, disconnect, free. One variant performs
// plain TCP (via Dial), the other layers TLS on top (via DialTLS); both
// satisfy this interface so the HTTP client never has to know which one
// it holds.
type Capability interface {
	Send(p []byte) (int, error)
	Recv(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Disconnect() error
}

// conn wraps a net.Conn to satisfy Capability; Close is the "free"
// operation and is idempotent.
type conn struct {
	net.Conn
}

func (c *conn) Send(p []byte) (int, error) { return c.Write(p) }
func (c *conn) Recv(p []byte) (int, error) { return c.Read(p) }
func (c *conn) Disconnect() error          { return c.Close() }

// Dial opens a plain TCP connection.
func Dial(ctx context.Context, cfg Config, timer *timing.Timer) (Capability, *ConnMetadata, error) {
	if err := validate(cfg); err != nil {
		return nil, nil, err
	}

	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = 10 * time.Second
	}

	timer.StartTCP()
	dialer := &net.Dialer{Timeout: connTimeout}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	timer.EndTCP()
	if err != nil {
		return nil, nil, errors.NewConnectionError(cfg.Host, cfg.Port, err)
	}

	meta := &ConnMetadata{}
	if host, portStr, splitErr := net.SplitHostPort(nc.RemoteAddr().String()); splitErr == nil {
		meta.ConnectedIP = host
		if port, convErr := strconv.Atoi(portStr); convErr == nil {
			meta.ConnectedPort = port
		}
	}

	return &conn{Conn: nc}, meta, nil
}

// DialTLS opens a TCP connection and upgrades it to TLS, using the
// caller-supplied CustomCACerts pool when present (the transport-level TLS
// trust anchor; the credential store's FW_PUBLIC_KEY/SW_PUBLIC_KEY slots
// are consumed elsewhere).
func DialTLS(ctx context.Context, cfg Config, timer *timing.Timer) (Capability, *ConnMetadata, error) {
	base, meta, err := Dial(ctx, cfg, timer)
	if err != nil {
		return nil, nil, err
	}
	nc := base.(*conn).Conn

	handshakeTimeout := cfg.ConnTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	tlsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureTLS,
		ServerName:         cfg.Host,
		NextProtos:         []string{"http/1.1"},
	}
	profile := tlsconfig.ProfileSecure
	if cfg.InsecureTLS {
		profile = tlsconfig.ProfileCompatible
	}
	tlsconfig.ApplyVersionProfile(tlsConfig, profile)
	tlsconfig.ApplyCipherSuites(tlsConfig, profile.Min)

	if len(cfg.CustomCACerts) > 0 {
		pool := x509.NewCertPool()
		for i, ca := range cfg.CustomCACerts {
			if !pool.AppendCertsFromPEM(ca) {
				nc.Close()
				return nil, nil, errors.NewTLSError(cfg.Host, cfg.Port,
					errors.NewValidationError(fmt.Sprintf("failed to parse CA certificate at index %d", i)))
			}
		}
		tlsConfig.RootCAs = pool
	}

	timer.StartTLS()
	tlsConn := tls.Client(nc, tlsConfig)
	err = tlsConn.HandshakeContext(tlsCtx)
	timer.EndTLS()
	if err != nil {
		nc.Close()
		return nil, nil, errors.NewTLSError(cfg.Host, cfg.Port, err)
	}

	state := tlsConn.ConnectionState()
	meta.TLSVersion = tlsconfig.GetVersionName(state.Version)
	meta.TLSCipherSuite = tlsconfig.GetCipherSuiteName(state.CipherSuite)
	meta.TLSServerName = tlsConfig.ServerName

	return &conn{Conn: tlsConn}, meta, nil
}

// Connect dispatches to Dial or DialTLS based on cfg.Scheme.
func Connect(ctx context.Context, cfg Config, timer *timing.Timer) (Capability, *ConnMetadata, error) {
	if cfg.Scheme == "https" {
		return DialTLS(ctx, cfg, timer)
	}
	return Dial(ctx, cfg, timer)
}

func validate(cfg Config) error {
	if cfg.Host == "" {
		return errors.NewValidationError("host cannot be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535")
	}
	if cfg.Scheme != "http" && cfg.Scheme != "https" {
		return errors.NewValidationError("scheme must be http or https")
	}
	return nil
}
