// Package workspace persists the single resume record a download survives
// suspend, crash, and power loss across (§3, §4.F). The backing medium is
// an embedded bbolt database: a single bucket holding one key, written in
// its own transaction so a reader never observes a torn mix of old and new
// fields — bbolt's single-writer-many-readers model gives that for free,
// the same property the teacher's buffer/transport packages get from a
// plain os.File plus an explicit write-then-rename elsewhere in the pack.
package workspace

import (
	"encoding/binary"
	"time"

	"go.etcd.io/bbolt"

	"github.com/lwm2mcore/fotacore/pkg/dwl"
	"github.com/lwm2mcore/fotacore/pkg/errors"
)

// recordVersion is bumped whenever the on-disk layout changes incompatibly.
// A stored record with a different version is treated as absent (§4.F).
const recordVersion = 2

var (
	bucketName = []byte("workspace")
	recordKey  = []byte("record")
)

// UpdateType distinguishes a firmware package from a software package.
type UpdateType uint8

const (
	UpdateTypeFirmware UpdateType = iota
	UpdateTypeSoftware
)

// Workspace is the persisted resume record (§3). DWL holds everything the
// envelope parser needs to pick back up mid-section; URL/UpdateType/
// PackageSize/Offset are the controller-level fields layered on top.
type Workspace struct {
	UpdateType  UpdateType
	URL         string
	PackageSize uint64
	Offset      uint64
	DWL         dwl.State
}

// Zero reports whether w is the fresh/never-initialised workspace (no URL
// recorded yet).
func (w Workspace) Zero() bool {
	return w.URL == ""
}

// Store is the read/write/delete interface the controller uses (§4.F).
type Store interface {
	Read() (Workspace, error)
	Write(w Workspace) error
	Delete() error
}

// BoltStore implements Store over a bbolt database file.
type BoltStore struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.NewWorkspaceError("open", "open workspace database", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.NewWorkspaceError("open", "create workspace bucket", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Read returns the persisted workspace. A missing record, or one written
// under a different recordVersion, yields a fresh zero-valued Workspace
// with a nil error — "behaviour equivalent to no resume" (§4.F).
func (s *BoltStore) Read() (Workspace, error) {
	var w Workspace
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get(recordKey)
		if raw == nil {
			return nil
		}
		decoded, ok, err := decode(raw)
		if err != nil {
			return err
		}
		if !ok {
			return nil // version mismatch: treat as absent
		}
		w = decoded
		return nil
	})
	if err != nil {
		return Workspace{}, errors.NewWorkspaceError("read", "read workspace record", err)
	}
	return w, nil
}

// Write persists w atomically.
func (s *BoltStore) Write(w Workspace) error {
	raw, err := encode(w)
	if err != nil {
		return errors.NewWorkspaceError("write", "encode workspace record", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(recordKey, raw)
	})
	if err != nil {
		return errors.NewWorkspaceError("write", "write workspace record", err)
	}
	return nil
}

// Delete clears the persisted record (used on abort, §4.G step 3).
func (s *BoltStore) Delete() error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(recordKey)
	})
	if err != nil {
		return errors.NewWorkspaceError("delete", "delete workspace record", err)
	}
	return nil
}

func encode(w Workspace) ([]byte, error) {
	var buf []byte
	putU32 := func(v uint32) { buf = binary.BigEndian.AppendUint32(buf, v) }
	putU64 := func(v uint64) { buf = binary.BigEndian.AppendUint64(buf, v) }
	putBytes := func(p []byte) {
		putU32(uint32(len(p)))
		buf = append(buf, p...)
	}

	putU32(recordVersion)
	buf = append(buf, byte(w.UpdateType))
	putBytes([]byte(w.URL))
	putU64(w.PackageSize)
	putU64(w.Offset)

	buf = append(buf, byte(w.DWL.Section))
	putU32(uint32(w.DWL.Subsection))
	buf = append(buf, w.DWL.UpdateType)
	putU32(w.DWL.PackageCRC)
	putU32(w.DWL.CommentSize)
	putU32(w.DWL.BinarySize)
	putU32(w.DWL.PaddingSize)
	putU32(w.DWL.SignatureSize)
	putU32(w.DWL.RemainingBinaryData)
	putBytes(w.DWL.IntegritySnapshot.CRCState)
	putBytes(w.DWL.IntegritySnapshot.SHA1State)
	putBytes(w.DWL.SignatureBuf)

	return buf, nil
}

func decode(raw []byte) (Workspace, bool, error) {
	r := &cursor{buf: raw}

	version, err := r.u32()
	if err != nil {
		return Workspace{}, false, err
	}
	if version != recordVersion {
		return Workspace{}, false, nil
	}

	var w Workspace
	ut, err := r.byte1()
	if err != nil {
		return Workspace{}, false, err
	}
	w.UpdateType = UpdateType(ut)

	urlBytes, err := r.bytesField()
	if err != nil {
		return Workspace{}, false, err
	}
	w.URL = string(urlBytes)

	if w.PackageSize, err = r.u64(); err != nil {
		return Workspace{}, false, err
	}
	if w.Offset, err = r.u64(); err != nil {
		return Workspace{}, false, err
	}

	section, err := r.byte1()
	if err != nil {
		return Workspace{}, false, err
	}
	w.DWL.Section = dwl.Section(section)

	subsection, err := r.u32()
	if err != nil {
		return Workspace{}, false, err
	}
	w.DWL.Subsection = int(subsection)

	if w.DWL.UpdateType, err = r.byte1(); err != nil {
		return Workspace{}, false, err
	}
	if w.DWL.PackageCRC, err = r.u32(); err != nil {
		return Workspace{}, false, err
	}
	if w.DWL.CommentSize, err = r.u32(); err != nil {
		return Workspace{}, false, err
	}
	if w.DWL.BinarySize, err = r.u32(); err != nil {
		return Workspace{}, false, err
	}
	if w.DWL.PaddingSize, err = r.u32(); err != nil {
		return Workspace{}, false, err
	}
	if w.DWL.SignatureSize, err = r.u32(); err != nil {
		return Workspace{}, false, err
	}
	if w.DWL.RemainingBinaryData, err = r.u32(); err != nil {
		return Workspace{}, false, err
	}
	if w.DWL.IntegritySnapshot.CRCState, err = r.bytesField(); err != nil {
		return Workspace{}, false, err
	}
	if w.DWL.IntegritySnapshot.SHA1State, err = r.bytesField(); err != nil {
		return Workspace{}, false, err
	}
	if w.DWL.SignatureBuf, err = r.bytesField(); err != nil {
		return Workspace{}, false, err
	}

	return w, true, nil
}

// cursor is a minimal big-endian reader over the encoded record.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) need(n int) error {
	if len(c.buf)-c.off < n {
		return errors.NewWorkspaceError("decode", "truncated workspace record", nil)
	}
	return nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v, nil
}

func (c *cursor) byte1() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.off]
	c.off++
	return v, nil
}

func (c *cursor) bytesField() ([]byte, error) {
	n, err := c.u32()
	if err != nil {
		return nil, err
	}
	if err := c.need(int(n)); err != nil {
		return nil, err
	}
	v := make([]byte, n)
	copy(v, c.buf[c.off:c.off+int(n)])
	c.off += int(n)
	return v, nil
}
