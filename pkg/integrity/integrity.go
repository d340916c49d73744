// Package integrity implements the two streaming digests the DWL parser
// keeps in lock-step with section parsing (§4.E): a CRC-32 over the
// zlib/IEEE-802.3 polynomial, and a SHA-1 whose state can be snapshotted
// and restored without re-reading the bytes already digested — the
// primitive §9 calls out as required for crash-safe resume.
//
// Both stdlib hashes already implement encoding.BinaryMarshaler
// (hash/crc32's digest since Go 1.11, crypto/sha1's digest since Go
// 1.10), which is exactly the opaque "sha1Ctx" snapshot the workspace
// record (§3) stores — no pack example wraps or forks a SHA-1
// implementation to expose this, and none needs to.
package integrity

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // algorithm mandated by the DWL envelope format, not a design choice
	"crypto/x509"
	"encoding"
	"hash"
	"hash/crc32"

	"github.com/lwm2mcore/fotacore/pkg/errors"
)

// Engine maintains the two rolling digests over the signed region
// (PROLOG+HEADER+COMMENT+BINARY+PADDING, §4.D).
type Engine struct {
	crc  hash.Hash32
	sha1 hash.Hash
}

// NewEngine returns a freshly seeded engine (CRC seeded with 0, per the
// canonical zlib/IEEE definition; SHA-1 in its initial state).
func NewEngine() *Engine {
	return &Engine{
		crc:  crc32.NewIEEE(),
		sha1: sha1.New(), //nolint:gosec
	}
}

// Write feeds bytes from the signed region into both digests. It never
// fails.
func (e *Engine) Write(p []byte) {
	e.crc.Write(p)
	e.sha1.Write(p)
}

// CRC32 returns the CRC computed so far over the signed region.
func (e *Engine) CRC32() uint32 {
	return e.crc.Sum32()
}

// SHA1Sum finalizes and returns the 20-byte SHA-1 digest. Calling it does
// not advance the engine; further Write calls after SHA1Sum continue from
// the same running state (matching hash.Hash.Sum's contract).
func (e *Engine) SHA1Sum() [20]byte {
	var out [20]byte
	copy(out[:], e.sha1.Sum(nil))
	return out
}

// Snapshot is the opaque, serialisable state of both digests — the
// workspace's persisted "sha1Ctx" plus the CRC equivalent.
type Snapshot struct {
	CRCState  []byte
	SHA1State []byte
}

// Snapshot captures the engine's current digest state for persistence.
func (e *Engine) Snapshot() (Snapshot, error) {
	crcMarshaler, ok := e.crc.(encoding.BinaryMarshaler)
	if !ok {
		return Snapshot{}, errors.NewIntegrityError("snapshot", "crc engine does not support snapshotting", nil)
	}
	sha1Marshaler, ok := e.sha1.(encoding.BinaryMarshaler)
	if !ok {
		return Snapshot{}, errors.NewIntegrityError("snapshot", "sha1 engine does not support snapshotting", nil)
	}

	crcState, err := crcMarshaler.MarshalBinary()
	if err != nil {
		return Snapshot{}, errors.NewIntegrityError("snapshot", "marshal crc state", err)
	}
	sha1State, err := sha1Marshaler.MarshalBinary()
	if err != nil {
		return Snapshot{}, errors.NewIntegrityError("snapshot", "marshal sha1 state", err)
	}

	return Snapshot{CRCState: crcState, SHA1State: sha1State}, nil
}

// Restore re-primes the engine from a previously taken Snapshot, so that
// resume reproduces the same digest trajectory without re-streaming bytes
// already covered.
func Restore(s Snapshot) (*Engine, error) {
	e := NewEngine()

	crcUnmarshaler, ok := e.crc.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, errors.NewIntegrityError("restore", "crc engine does not support restore", nil)
	}
	sha1Unmarshaler, ok := e.sha1.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, errors.NewIntegrityError("restore", "sha1 engine does not support restore", nil)
	}

	if err := crcUnmarshaler.UnmarshalBinary(s.CRCState); err != nil {
		return nil, errors.NewIntegrityError("restore", "unmarshal crc state", err)
	}
	if err := sha1Unmarshaler.UnmarshalBinary(s.SHA1State); err != nil {
		return nil, errors.NewIntegrityError("restore", "unmarshal sha1 state", err)
	}

	return e, nil
}

// VerifyPSS checks an RSA-PSS/SHA-1 signature over digest, trying the
// public key as PKCS#1 RSAPublicKey first and then as an X.509
// SubjectPublicKeyInfo, per §4.E and §9's "keep the fallback" note.
func VerifyPSS(derKey []byte, digest [20]byte, signature []byte) error {
	pub, err := parsePublicKey(derKey)
	if err != nil {
		return errors.NewIntegrityError("verify", "no usable RSA public key encoding", err)
	}

	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA1}
	if err := rsa.VerifyPSS(pub, crypto.SHA1, digest[:], signature, opts); err != nil {
		return errors.NewIntegrityError("verify", "RSA-PSS signature verification failed", err)
	}
	return nil
}

func parsePublicKey(der []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}
	spki, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pub, ok := spki.(*rsa.PublicKey)
	if !ok {
		return nil, errors.NewValidationError("SubjectPublicKeyInfo does not hold an RSA key")
	}
	return pub, nil
}
