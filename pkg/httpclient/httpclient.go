// Package httpclient implements the minimal HTTP/1.1 subset the download
// controller needs: a HEAD size probe, and a ranged GET whose body streams
// out through io.Reader rather than buffering in memory — the envelope can
// be far larger than is safe to hold whole (§4.B). It is adapted from a raw
// socket client that speaks the wire protocol directly against the
// transport capability rather than net/http, so every byte on the wire is
// under this package's control.
package httpclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/lwm2mcore/fotacore/pkg/constants"
	"github.com/lwm2mcore/fotacore/pkg/errors"
	"github.com/lwm2mcore/fotacore/pkg/timing"
	"github.com/lwm2mcore/fotacore/pkg/transport"
)

var log = logrus.WithField("component", "httpclient")

// Config describes the server and connection parameters for a single
// request. A Client never reuses a connection across requests (§6); every
// Head/GetRange call opens its own transport.Capability, and GetRange's
// returned body Closes it.
type Config struct {
	Scheme string
	Host   string
	Port   int
	Path   string

	InsecureTLS   bool
	CustomCACerts [][]byte

	ConnTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	UserAgent string
}

func (cfg Config) transportConfig() transport.Config {
	return transport.Config{
		Scheme:        cfg.Scheme,
		Host:          cfg.Host,
		Port:          cfg.Port,
		InsecureTLS:   cfg.InsecureTLS,
		CustomCACerts: cfg.CustomCACerts,
		ConnTimeout:   cfg.ConnTimeout,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
	}
}

func (cfg Config) userAgent() string {
	if cfg.UserAgent != "" {
		return cfg.UserAgent
	}
	return "fotacore/1.0"
}

// Client issues HEAD and ranged GET requests over fresh connections. It
// keeps a process-local "last HTTP error" telemetry slot (§4.B); this is
// not persisted and resets to 0 on process restart.
type Client struct {
	lastHTTPError int
}

// New returns a ready-to-use Client.
func New() *Client {
	return &Client{}
}

// LastHTTPError returns the most recently observed HTTP status code, or 0
// if none has been observed yet.
func (c *Client) LastHTTPError() int {
	return c.lastHTTPError
}

// HeadSize issues a HEAD request and returns the declared Content-Length,
// retrying up to constants.SizeProbeMaxRetries times with a fresh
// connection on CONNECTION_ERROR/SEND_ERROR/RECV_ERROR/TIMEOUT (§4.B retry
// policy). Other failures, including HTTP status errors, are terminal.
func (c *Client) HeadSize(ctx context.Context, cfg Config) (int64, error) {
	var size int64
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), constants.SizeProbeMaxRetries),
		ctx,
	)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		s, status, err := c.head(ctx, cfg)
		c.lastHTTPError = status
		if err == nil {
			size = s
			return nil
		}
		if isRetriable(err) {
			log.WithError(err).WithField("attempt", attempt).Debug("retrying HEAD size probe")
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	if err != nil {
		log.WithError(err).WithField("attempts", attempt).Warn("HEAD size probe exhausted retries")
	}
	return size, err
}

func (c *Client) head(ctx context.Context, cfg Config) (int64, int, error) {
	conn, status, headers, _, err := roundTrip(ctx, cfg, "HEAD", 0)
	if conn != nil {
		defer conn.Disconnect()
	}
	if err != nil {
		return 0, status, err
	}
	if status >= 300 {
		return 0, status, errors.NewHTTPStatusError(status)
	}
	cl := headerValue(headers, "Content-Length")
	if cl == "" {
		return 0, status, errors.NewProtocolError("HEAD response missing Content-Length", nil)
	}
	length, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || length < 0 {
		return 0, status, errors.NewProtocolError("invalid content-length", err)
	}
	return length, status, nil
}

// GetRange issues a ranged GET starting at offset and returns the response
// status plus a streaming reader over the body. The caller must Close the
// reader, which disconnects the underlying transport connection (no
// connection reuse, §6). When offset is 0, no Range header is sent.
func (c *Client) GetRange(ctx context.Context, cfg Config, offset int64) (int, io.ReadCloser, error) {
	log := log.WithField("offset", offset)
	conn, status, headers, reader, err := roundTrip(ctx, cfg, "GET", offset)
	c.lastHTTPError = status
	if err != nil {
		if conn != nil {
			conn.Disconnect()
		}
		log.WithError(err).Warn("ranged GET failed before a response was received")
		return status, nil, err
	}
	if status >= 300 {
		conn.Disconnect()
		log.WithField("status", status).Warn("ranged GET returned a non-2xx status")
		return status, nil, errors.NewHTTPStatusError(status)
	}

	body, err := newBodyReader(reader, headers, conn)
	if err != nil {
		conn.Disconnect()
		log.WithError(err).Warn("failed to select a body decoder for the response")
		return status, nil, err
	}
	log.Debug("ranged GET established, streaming body")
	return status, body, nil
}

// roundTrip opens a fresh connection, sends method's request line, and
// reads back the status line and headers. The bufio.Reader it used is
// returned so the body (if any) can continue reading from exactly where
// header parsing left off, without re-buffering bytes already off the wire.
func roundTrip(ctx context.Context, cfg Config, method string, offset int64) (transport.Capability, int, map[string][]string, *bufio.Reader, error) {
	timer := timing.NewTimer()
	conn, _, err := transport.Connect(ctx, cfg.transportConfig(), timer)
	if err != nil {
		return nil, 0, nil, nil, err
	}

	req := buildRequest(method, cfg, offset)
	if cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
	}
	if err := writeAll(conn, req); err != nil {
		return conn, 0, nil, nil, errors.NewIOError("writing request", err)
	}

	if cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	}
	reader := bufio.NewReader(connReader{conn})

	statusLine, err := readLine(reader)
	if err != nil {
		return conn, 0, nil, nil, errors.NewIOError("reading status line", err)
	}
	status, err := parseStatusLine(statusLine)
	if err != nil {
		return conn, 0, nil, nil, err
	}

	headers, err := readHeaders(reader)
	if err != nil {
		return conn, status, nil, nil, err
	}

	return conn, status, headers, reader, nil
}

func buildRequest(method string, cfg Config, offset int64) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, cfg.Path)
	fmt.Fprintf(&b, "Host: %s\r\n", cfg.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", cfg.userAgent())
	if offset > 0 {
		fmt.Fprintf(&b, "Range: bytes=%d-\r\n", offset)
	}
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")
	return []byte(b.String())
}

func writeAll(conn transport.Capability, p []byte) error {
	for len(p) > 0 {
		n, err := conn.Send(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// connReader adapts transport.Capability.Recv to io.Reader for bufio.
type connReader struct {
	conn transport.Capability
}

func (c connReader) Read(p []byte) (int, error) {
	return c.conn.Recv(p)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseStatusLine(line string) (int, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, errors.NewProtocolError("invalid status line: "+line, nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, errors.NewProtocolError("invalid status code", err)
	}
	return code, nil
}

func readHeaders(r *bufio.Reader) (map[string][]string, error) {
	headers := make(map[string][]string)
	total := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, errors.NewIOError("reading headers", err)
		}
		total += len(line)
		if total > constants.MaxHeaderBytes {
			return nil, errors.NewProtocolError("headers exceed maximum size", nil)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		headers[key] = append(headers[key], value)
	}
	return headers, nil
}

func headerValue(headers map[string][]string, key string) string {
	if values, ok := headers[textproto.CanonicalMIMEHeaderKey(key)]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}

// isRetriable reports whether err belongs to the size-probe retry set:
// CONNECTION_ERROR, SEND_ERROR/RECV_ERROR (surfaced as IO errors), TLS, or
// TIMEOUT.
func isRetriable(err error) bool {
	e, ok := err.(*errors.Error)
	if !ok {
		return false
	}
	switch e.Type {
	case errors.ErrorTypeConnection, errors.ErrorTypeIO, errors.ErrorTypeTimeout, errors.ErrorTypeTLS:
		return true
	default:
		return false
	}
}
