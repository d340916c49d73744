package httpclient

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/lwm2mcore/fotacore/pkg/errors"
	"github.com/lwm2mcore/fotacore/pkg/transport"
)

// newBodyReader picks the body-decoding strategy from the response
// headers: chunked transfer-encoding takes precedence over Content-Length
// when both are present, per RFC 7230 §3.3.3.
func newBodyReader(r *bufio.Reader, headers map[string][]string, conn transport.Capability) (io.ReadCloser, error) {
	te := headerValue(headers, "Transfer-Encoding")
	if strings.Contains(strings.ToLower(te), "chunked") {
		return &chunkedReader{r: r, conn: conn, state: chunkStateSize}, nil
	}

	cl := headerValue(headers, "Content-Length")
	if cl == "" {
		return &closeDelimitedReader{r: r, conn: conn}, nil
	}
	length, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || length < 0 {
		return nil, errors.NewProtocolError("invalid content-length", err)
	}
	return &fixedReader{r: r, conn: conn, remaining: length}, nil
}

// fixedReader decodes a Content-Length-framed body.
type fixedReader struct {
	r         *bufio.Reader
	conn      transport.Capability
	remaining int64
}

func (f *fixedReader) Read(p []byte) (int, error) {
	if f.remaining == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > f.remaining {
		p = p[:f.remaining]
	}
	n, err := f.r.Read(p)
	f.remaining -= int64(n)
	if err == io.EOF && f.remaining > 0 {
		return n, errors.ErrPartialBody
	}
	return n, err
}

func (f *fixedReader) Close() error { return f.conn.Disconnect() }

// closeDelimitedReader decodes a body with neither Content-Length nor
// chunked framing: read until the connection closes.
type closeDelimitedReader struct {
	r    *bufio.Reader
	conn transport.Capability
}

func (c *closeDelimitedReader) Read(p []byte) (int, error) { return c.r.Read(p) }
func (c *closeDelimitedReader) Close() error                { return c.conn.Disconnect() }

var _ io.ReadCloser = (*closeDelimitedReader)(nil)

// chunkState names a position in the chunked-transfer-encoding decoder
// (RFC 7230 §4.1). Kept as a state machine distinct from the DWL envelope
// parser rather than folded into it.
type chunkState int

const (
	chunkStateSize chunkState = iota
	chunkStateData
	chunkStateDataCRLF
	chunkStateTrailer
	chunkStateDone
)

// chunkedReader decodes a chunked-transfer-encoding body.
type chunkedReader struct {
	r     *bufio.Reader
	conn  transport.Capability
	state chunkState

	chunkRemaining int64
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	for {
		switch c.state {
		case chunkStateDone:
			return 0, io.EOF

		case chunkStateSize:
			line, err := readLine(c.r)
			if err != nil {
				log.WithError(err).Warn("failed to read chunk size line")
				return 0, errors.NewProtocolError("reading chunk size", err)
			}
			sizeField := strings.SplitN(line, ";", 2)[0] // ignore chunk extensions
			size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
			if err != nil || size < 0 {
				log.WithField("chunk_size_field", sizeField).Warn("invalid chunk size field")
				return 0, errors.NewProtocolError("invalid chunk size", err)
			}
			if size == 0 {
				c.state = chunkStateTrailer
				continue
			}
			c.chunkRemaining = size
			c.state = chunkStateData

		case chunkStateData:
			if len(p) == 0 {
				return 0, nil
			}
			toRead := p
			if int64(len(toRead)) > c.chunkRemaining {
				toRead = toRead[:c.chunkRemaining]
			}
			n, err := c.r.Read(toRead)
			c.chunkRemaining -= int64(n)
			if err != nil && err != io.EOF {
				return n, errors.NewIOError("reading chunk body", err)
			}
			if c.chunkRemaining == 0 {
				c.state = chunkStateDataCRLF
			}
			if n > 0 {
				return n, nil
			}
			if err == io.EOF {
				return 0, errors.NewIOError("reading chunk body", io.ErrUnexpectedEOF)
			}

		case chunkStateDataCRLF:
			crlf := make([]byte, 2)
			if _, err := io.ReadFull(c.r, crlf); err != nil {
				return 0, errors.NewIOError("reading chunk terminator", err)
			}
			c.state = chunkStateSize

		case chunkStateTrailer:
			line, err := readLine(c.r)
			if err != nil {
				return 0, errors.NewProtocolError("reading chunk trailer", err)
			}
			if line == "" {
				c.state = chunkStateDone
				return 0, io.EOF
			}
		}
	}
}

func (c *chunkedReader) Close() error { return c.conn.Disconnect() }
