// Package dwl implements the typed-length-value state machine over the
// package envelope: PROLOG, HEADER, COMMENT, BINARY, PADDING, SIGNATURE,
// DONE (§4.D). It is a pull parser: Feed is handed whatever bytes the HTTP
// client has available and returns how many it consumed, so it composes
// with a body stream that may arrive in arbitrarily small or large pieces
// without ever buffering more than the current section's remainder.
package dwl

import (
	"encoding/binary"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/lwm2mcore/fotacore/pkg/buffer"
	"github.com/lwm2mcore/fotacore/pkg/constants"
	"github.com/lwm2mcore/fotacore/pkg/errors"
	"github.com/lwm2mcore/fotacore/pkg/integrity"
)

var log = logrus.WithField("component", "dwl")

// Magic is the fixed 8-byte PROLOG signature every envelope must start with.
var Magic = [constants.DWLMagicSize]byte{'L', 'W', 'M', '2', 'M', 'D', 'W', 'L'}

// prologPadSize is the HEADER state's fixed alignment pad, bringing the
// fixed-size region (magic + 5*uint32 + updateType) up to a 32-byte
// boundary (§9 Open Question (d)).
const prologPadSize = 3

// prologFieldsSize is the byte length of the five uint32 fields plus the
// 8-bit updateType that follow the magic in PROLOG.
const prologFieldsSize = 4*5 + 1

// Section names a DWL parser state.
type Section int

const (
	SectionProlog Section = iota
	SectionHeader
	SectionComment
	SectionBinary
	SectionPadding
	SectionSignature
	SectionDone
)

func (s Section) String() string {
	switch s {
	case SectionProlog:
		return "PROLOG"
	case SectionHeader:
		return "HEADER"
	case SectionComment:
		return "COMMENT"
	case SectionBinary:
		return "BINARY"
	case SectionPadding:
		return "PADDING"
	case SectionSignature:
		return "SIGNATURE"
	case SectionDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Sink receives BINARY-section bytes in arrival order.
type Sink interface {
	WritePackageData(p []byte) error
}

// State is the persistable subset of the parser's progress — the fields
// the workspace record (§3) stores so that a restart can re-prime the
// parser without re-reading bytes already consumed. The one exception is an
// unfinished PROLOG: the PROLOG bytes read so far are not part of State.
type State struct {
	Section             Section
	Subsection          int
	UpdateType          uint8
	PackageCRC          uint32
	CommentSize         uint32
	BinarySize          uint32
	PaddingSize         uint32
	SignatureSize       uint32
	RemainingBinaryData uint32
	IntegritySnapshot   integrity.Snapshot

	// SignatureBuf holds the SIGNATURE bytes accumulated so far, so a
	// resume landing mid-signature doesn't lose the prefix already read
	// (the parser stops consuming at SIGNATURE's end, and nothing else
	// re-derives these bytes from the digests).
	SignatureBuf []byte
}

// Parser drives the section state machine over a byte stream, forwarding
// BINARY bytes to sink and accumulating the two rolling digests via
// engine. A Parser is not safe for concurrent use.
type Parser struct {
	section    Section
	subsection int // bytes consumed within the current section

	prologBuf [constants.DWLMagicSize + prologFieldsSize]byte

	updateType    uint8
	packageCRC    uint32
	commentSize   uint32
	binarySize    uint32
	paddingSize   uint32
	signatureSize uint32

	remainingBinary uint32
	sigBuf          *buffer.Buffer

	engine *integrity.Engine
	sink   Sink
}

// New returns a parser starting fresh at PROLOG.
func New(sink Sink) *Parser {
	return &Parser{
		section: SectionProlog,
		engine:  integrity.NewEngine(),
		sink:    sink,
	}
}

// Resume reconstructs a parser from a previously persisted State, restoring
// the integrity engine from its snapshot rather than re-digesting bytes
// already covered.
func Resume(sink Sink, s State) (*Parser, error) {
	engine, err := integrity.Restore(s.IntegritySnapshot)
	if err != nil {
		return nil, errors.NewDWLError("resume parser from workspace snapshot", err)
	}
	p := &Parser{
		section:         s.Section,
		subsection:      s.Subsection,
		updateType:      s.UpdateType,
		packageCRC:      s.PackageCRC,
		commentSize:     s.CommentSize,
		binarySize:      s.BinarySize,
		paddingSize:     s.PaddingSize,
		signatureSize:   s.SignatureSize,
		remainingBinary: s.RemainingBinaryData,
		engine:          engine,
		sink:            sink,
	}
	if p.section == SectionSignature {
		p.sigBuf = buffer.New(int64(s.SignatureSize))
		if len(s.SignatureBuf) > 0 {
			if _, err := p.sigBuf.Write(s.SignatureBuf); err != nil {
				return nil, errors.NewDWLError("restore partial signature buffer", err)
			}
		}
	}
	return p, nil
}

// State snapshots the parser's current progress for persistence.
func (p *Parser) State() (State, error) {
	snap, err := p.engine.Snapshot()
	if err != nil {
		return State{}, errors.NewDWLError("snapshot integrity engine", err)
	}
	var sigBuf []byte
	if p.sigBuf != nil {
		sigBuf = append([]byte(nil), p.sigBuf.Bytes()...)
	}
	return State{
		Section:             p.section,
		Subsection:          p.subsection,
		UpdateType:          p.updateType,
		PackageCRC:          p.packageCRC,
		CommentSize:         p.commentSize,
		BinarySize:          p.binarySize,
		PaddingSize:         p.paddingSize,
		SignatureSize:       p.signatureSize,
		RemainingBinaryData: p.remainingBinary,
		IntegritySnapshot:   snap,
		SignatureBuf:        sigBuf,
	}, nil
}

// Done reports whether the parser has reached DONE (all checks passed).
func (p *Parser) Done() bool { return p.section == SectionDone }

// Section reports the parser's current section, so a caller can tell once
// PROLOG has been consumed and BinarySize/UpdateType/ExpectedTotalSize
// became meaningful.
func (p *Parser) Section() Section { return p.section }

// Feed consumes as much of p from the front of buf as the current section
// needs, returning the number of bytes consumed. It may advance through
// several sections in one call if buf holds enough data. Call Feed
// repeatedly with fresh bytes until Done reports true or an error occurs.
func (p *Parser) Feed(buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 && p.section != SectionDone {
		n, err := p.feedOne(buf)
		total += n
		buf = buf[n:]
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Parser) feedOne(buf []byte) (int, error) {
	switch p.section {
	case SectionProlog:
		return p.feedProlog(buf)
	case SectionHeader:
		return p.feedHeader(buf)
	case SectionComment:
		return p.feedSkippedSection(buf, &p.commentSize, SectionBinary)
	case SectionBinary:
		return p.feedBinary(buf)
	case SectionPadding:
		return p.feedSkippedSection(buf, &p.paddingSize, SectionSignature)
	case SectionSignature:
		return p.feedSignature(buf)
	default:
		return 0, errors.NewDWLError("feed called in terminal state", nil)
	}
}

func (p *Parser) feedProlog(buf []byte) (int, error) {
	need := len(p.prologBuf) - p.subsection
	n := min(need, len(buf))
	copy(p.prologBuf[p.subsection:], buf[:n])
	p.subsection += n
	if p.subsection < len(p.prologBuf) {
		return n, nil
	}

	if string(p.prologBuf[:constants.DWLMagicSize]) != string(Magic[:]) {
		log.WithField("got", p.prologBuf[:constants.DWLMagicSize]).Warn("PROLOG magic mismatch")
		return n, errors.NewDWLError("bad magic: not a recognised package envelope", nil)
	}
	off := constants.DWLMagicSize
	p.packageCRC = binary.BigEndian.Uint32(p.prologBuf[off:])
	off += 4
	p.commentSize = binary.BigEndian.Uint32(p.prologBuf[off:])
	off += 4
	p.binarySize = binary.BigEndian.Uint32(p.prologBuf[off:])
	off += 4
	p.paddingSize = binary.BigEndian.Uint32(p.prologBuf[off:])
	off += 4
	p.signatureSize = binary.BigEndian.Uint32(p.prologBuf[off:])
	off += 4
	p.updateType = p.prologBuf[off]

	if p.signatureSize > constants.MaxSignatureSize {
		log.WithField("signature_size", p.signatureSize).Warn("declared signature size exceeds the maximum")
		return n, errors.NewDWLError("signature size exceeds maximum", nil)
	}

	log.WithField("binary_size", p.binarySize).WithField("signature_size", p.signatureSize).Debug("PROLOG parsed")
	p.engine.Write(p.prologBuf[:])
	p.remainingBinary = p.binarySize
	p.section = SectionHeader
	p.subsection = 0
	return n, nil
}

func (p *Parser) feedHeader(buf []byte) (int, error) {
	need := prologPadSize - p.subsection
	n := min(need, len(buf))
	p.engine.Write(buf[:n])
	p.subsection += n
	if p.subsection >= prologPadSize {
		p.section = SectionComment
		p.subsection = 0
	}
	return n, nil
}

// feedSkippedSection handles COMMENT and PADDING: bytes are fed to the
// integrity engine and otherwise discarded.
func (p *Parser) feedSkippedSection(buf []byte, size *uint32, next Section) (int, error) {
	need := int(*size) - p.subsection
	n := min(need, len(buf))
	p.engine.Write(buf[:n])
	p.subsection += n
	if p.subsection >= int(*size) {
		p.section = next
		p.subsection = 0
	}
	return n, nil
}

func (p *Parser) feedBinary(buf []byte) (int, error) {
	n := min(int(p.remainingBinary), len(buf))
	if n > 0 {
		p.engine.Write(buf[:n])
		if err := p.sink.WritePackageData(buf[:n]); err != nil {
			return n, errors.NewSinkError("write package data", err)
		}
	}
	p.remainingBinary -= uint32(n)
	p.subsection += n
	if p.remainingBinary == 0 {
		p.section = SectionPadding
		p.subsection = 0
	}
	return n, nil
}

func (p *Parser) feedSignature(buf []byte) (int, error) {
	if p.sigBuf == nil {
		p.sigBuf = buffer.New(int64(p.signatureSize))
	}
	need := int(p.signatureSize) - p.subsection
	n := min(need, len(buf))
	if _, err := p.sigBuf.Write(buf[:n]); err != nil {
		return n, errors.NewDWLError("accumulate signature bytes", err)
	}
	p.subsection += n
	if p.subsection < int(p.signatureSize) {
		return n, nil
	}
	if p.sigBuf.IsSpilled() {
		log.WithField("path", p.sigBuf.Path()).Warn("signature bytes spilled to disk, declared size may be misleading")
	}
	p.section = SectionDone
	p.subsection = 0
	return n, nil
}

// Verify runs the finalisation checks required on SIGNATURE completion:
// compare the computed CRC against the declared packageCRC, then verify
// the RSA-PSS/SHA-1 signature against the given public key. It must only
// be called once Done reports true.
func (p *Parser) Verify(fwPublicKeyDER []byte) error {
	if p.section != SectionDone {
		return errors.NewDWLError("verify called before SIGNATURE completion", nil)
	}
	if p.engine.CRC32() != p.packageCRC {
		log.WithField("computed", p.engine.CRC32()).WithField("declared", p.packageCRC).Warn("CRC mismatch")
		return errors.NewIntegrityError("crc", "computed CRC does not match declared packageCRC", nil)
	}

	sigReader, err := p.sigBuf.Reader()
	if err != nil {
		return errors.NewDWLError("open signature reader", err)
	}
	defer sigReader.Close()
	sig, err := io.ReadAll(sigReader)
	if err != nil {
		return errors.NewDWLError("read accumulated signature bytes", err)
	}

	digest := p.engine.SHA1Sum()
	if err := integrity.VerifyPSS(fwPublicKeyDER, digest, sig); err != nil {
		log.Warn("signature verification failed")
		return err
	}
	log.Debug("package passed CRC and signature verification")
	return nil
}

// Close releases the signature accumulator's spill file, if any. Safe to
// call even when SIGNATURE was never reached or never spilled.
func (p *Parser) Close() error {
	if p.sigBuf == nil {
		return nil
	}
	return p.sigBuf.Close()
}

// ExpectedTotalSize returns the full envelope size implied by the fields
// read out of PROLOG (everything through SIGNATURE), so a caller streaming
// a response body of known length can detect trailing bytes after DONE —
// any body bytes beyond this size are an INTEGRITY_FAILURE (§4.D edge-case
// policy), which the parser itself cannot see once it stops consuming.
func (p *Parser) ExpectedTotalSize() uint64 {
	return uint64(len(p.prologBuf)) + prologPadSize +
		uint64(p.commentSize) + uint64(p.binarySize) + uint64(p.paddingSize) + uint64(p.signatureSize)
}

// BinarySize reports the declared BINARY section length, valid once PROLOG
// has completed.
func (p *Parser) BinarySize() uint32 { return p.binarySize }

// UpdateType reports the declared update type octet from PROLOG.
func (p *Parser) UpdateType() uint8 { return p.updateType }
