// Package buffer accumulates the DWL envelope's SIGNATURE bytes as they
// arrive (§4.D), spilling to a temp file only past a configured size.
// pkg/dwl sizes the limit to the envelope's own declared signature length
// and never writes more than that length, so its accumulator stays in
// memory; the disk path is reached only by writers that exceed the limit.
package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/lwm2mcore/fotacore/pkg/errors"
)

// DefaultSpillLimit is the limit a zero/negative limit falls back to.
const DefaultSpillLimit = 4 * 1024 * 1024 // 4MB

// Buffer holds accumulated bytes in memory up to limit, then transparently
// continues on a temp file. A Buffer is safe for concurrent use.
type Buffer struct {
	mem    bytes.Buffer
	spill  *os.File
	path   string
	total  int64
	limit  int64
	mu     sync.Mutex
	closed bool
}

// New returns an empty Buffer that spills once more than limit bytes have
// been written. limit <= 0 selects DefaultSpillLimit.
func New(limit int64) *Buffer {
	if limit <= 0 {
		limit = DefaultSpillLimit
	}
	return &Buffer{limit: limit}
}

// NewWithData seeds a Buffer with bytes already on hand, without running
// them through Write's spill check. The seeded Buffer's limit is
// DefaultSpillLimit.
func NewWithData(data []byte) *Buffer {
	b := &Buffer{limit: DefaultSpillLimit, total: int64(len(data))}
	b.mem.Write(data)
	return b
}

// Write appends p, moving to a temp file once the in-memory portion would
// exceed limit.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewIOError("buffer is closed", nil)
	}
	b.total += int64(len(p))

	if b.spill == nil && int64(b.mem.Len()+len(p)) <= b.limit {
		return b.mem.Write(p)
	}

	if b.spill == nil {
		tmp, err := os.CreateTemp("", "fotacore-signature-*.tmp")
		if err != nil {
			return 0, errors.NewIOError("creating spill file", err)
		}
		b.spill = tmp
		b.path = tmp.Name()

		if b.mem.Len() > 0 {
			if _, err := tmp.Write(b.mem.Bytes()); err != nil {
				b.Close()
				return 0, errors.NewIOError("flushing memory buffer to spill file", err)
			}
		}
		b.mem.Reset()
	}

	n, err := b.spill.Write(p)
	if err != nil {
		return n, errors.NewIOError("writing to spill file", err)
	}
	return n, nil
}

// Bytes returns the accumulated bytes, or nil once spilled — callers that
// must handle either case should use Reader instead.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spill != nil {
		return nil
	}
	return b.mem.Bytes()
}

// Path returns the spill file's path, or "" if nothing has spilled.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Size returns the total number of bytes written so far.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// IsSpilled reports whether accumulation has moved to a temp file.
func (b *Buffer) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spill != nil
}

// Reader returns a fresh reader over the full accumulated content,
// regardless of whether it lives in memory or on disk.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewIOError("buffer is closed", nil)
	}
	if b.spill != nil {
		if err := b.spill.Sync(); err != nil {
			return nil, errors.NewIOError("syncing spill file", err)
		}
		f, err := os.Open(b.path)
		if err != nil {
			return nil, errors.NewIOError("opening spill file for reading", err)
		}
		return f, nil
	}
	return io.NopCloser(bytes.NewReader(b.mem.Bytes())), nil
}

// Close releases the temp file, if any, and is idempotent. pkg/dwl's
// Parser.Close forwards to it whether or not anything spilled.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.spill != nil {
		err := b.spill.Close()
		if removeErr := os.Remove(b.path); removeErr != nil && err == nil {
			err = errors.NewIOError("removing spill file", removeErr)
		}
		b.spill = nil
		b.path = ""
		if err != nil {
			return errors.NewIOError("closing spill file", err)
		}
	}
	return nil
}
