package controller

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"io"
	"path/filepath"
	"testing"

	"github.com/lwm2mcore/fotacore/pkg/credentials"
	"github.com/lwm2mcore/fotacore/pkg/dwl"
	"github.com/lwm2mcore/fotacore/pkg/errors"
	"github.com/lwm2mcore/fotacore/pkg/eventbus"
	"github.com/lwm2mcore/fotacore/pkg/facade"
	"github.com/lwm2mcore/fotacore/pkg/httpclient"
	"github.com/lwm2mcore/fotacore/pkg/integrity"
	"github.com/lwm2mcore/fotacore/pkg/workspace"
)

const prologFixedSize = 8 + 4*5 + 1 // magic + five uint32 fields + updateType
const headerPadSize = 3

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// buildPackage mirrors pkg/dwl's own test helper, duplicated here since
// unexported layout constants cannot cross the package boundary.
func buildPackage(t *testing.T, comment, payload []byte, key *rsa.PrivateKey, corruptCRC bool) ([]byte, *rsa.PublicKey) {
	t.Helper()
	return buildPackageWithType(t, comment, payload, key, corruptCRC, uint8(workspace.UpdateTypeFirmware))
}

func buildPackageWithType(t *testing.T, comment, payload []byte, key *rsa.PrivateKey, corruptCRC bool, updateType uint8) ([]byte, *rsa.PublicKey) {
	t.Helper()

	e := integrity.NewEngine()

	var prolog bytes.Buffer
	prolog.Write(dwl.Magic[:])
	prolog.Write(make([]byte, 4)) // crc placeholder
	writeU32(&prolog, uint32(len(comment)))
	writeU32(&prolog, uint32(len(payload)))
	writeU32(&prolog, 0) // paddingSize
	writeU32(&prolog, uint32(key.Size()))
	prolog.WriteByte(updateType)

	header := make([]byte, headerPadSize)
	prologBytes := prolog.Bytes()

	e.Write(prologBytes)
	e.Write(header)
	e.Write(comment)
	e.Write(payload)
	crc := e.CRC32()
	if corruptCRC {
		crc ^= 0xFFFFFFFF
	}
	binary.BigEndian.PutUint32(prologBytes[len(dwl.Magic):], crc)

	digest := e.SHA1Sum()
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA1, digest[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA1})
	if err != nil {
		t.Fatalf("SignPSS: %v", err)
	}

	var out bytes.Buffer
	out.Write(prologBytes)
	out.Write(header)
	out.Write(comment)
	out.Write(payload)
	out.Write(sig)
	return out.Bytes(), &key.PublicKey
}

type memSink struct {
	written bytes.Buffer
}

func (s *memSink) WritePackageData(p []byte) error {
	s.written.Write(p)
	return nil
}

// fakeHTTPClient stands in for *httpclient.Client so tests can script size
// probes and body fetches without a real socket.
type fakeHTTPClient struct {
	body       []byte
	honorRange bool

	headErr error

	onGetRangeStart func(offset int64)
	suspendAfter    func() // called from the reader after a byte threshold, to test mid-fetch suspend
	suspendAfterN   int

	lastStatus int
}

func (f *fakeHTTPClient) HeadSize(_ context.Context, _ httpclient.Config) (int64, error) {
	if f.headErr != nil {
		if httpErr, ok := f.headErr.(*errors.HTTPStatusError); ok {
			f.lastStatus = httpErr.StatusCode
		}
		return 0, f.headErr
	}
	f.lastStatus = 200
	return int64(len(f.body)), nil
}

func (f *fakeHTTPClient) GetRange(_ context.Context, _ httpclient.Config, offset int64) (int, io.ReadCloser, error) {
	if f.onGetRangeStart != nil {
		f.onGetRangeStart(offset)
	}
	data := f.body
	status := 200
	if offset > 0 {
		if f.honorRange {
			status = 206
			data = f.body[offset:]
		}
	}
	f.lastStatus = status

	var r io.Reader = bytes.NewReader(data)
	if f.suspendAfter != nil {
		r = &triggerAfterNReader{r: r, n: f.suspendAfterN, fn: f.suspendAfter}
	}
	return status, io.NopCloser(r), nil
}

func (f *fakeHTTPClient) LastHTTPError() int { return f.lastStatus }

// triggerAfterNReader calls fn once total bytes read crosses n.
type triggerAfterNReader struct {
	r      io.Reader
	n      int
	read   int
	fn     func()
	fired  bool
}

func (t *triggerAfterNReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.read += n
	if !t.fired && t.read >= t.n {
		t.fired = true
		t.fn()
	}
	return n, err
}

func newTestController(t *testing.T, client httpClient, sink dwl.Sink, pub *rsa.PublicKey) (*Controller, workspace.Store) {
	t.Helper()
	store, err := workspace.Open(filepath.Join(t.TempDir(), "workspace.db"))
	if err != nil {
		t.Fatalf("workspace.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	creds := credentials.Static{}
	if pub != nil {
		creds[credentials.FWPublicKey] = x509.MarshalPKCS1PublicKey(pub)
	}

	bus := eventbus.New()
	fc := facade.New(nil)
	c := New(store, nil, creds, bus, fc, sink, Options{UserAgent: "test"})
	c.client = client
	return c, store
}

func TestInitiateDownloadRejectsOversizeURI(t *testing.T) {
	c, _ := newTestController(t, nil, &memSink{}, nil)
	big := "https://example.com/" + string(make([]byte, 300))
	if err := c.InitiateDownload(big, workspace.UpdateTypeFirmware); err != nil {
		t.Fatalf("InitiateDownload: %v", err)
	}
	if c.facade.State() != facade.Idle || c.facade.Result() != facade.InvalidURI {
		t.Fatalf("got %v/%v, want IDLE/INVALID_URI", c.facade.State(), c.facade.Result())
	}
}

func TestInitiateDownloadRejectsUnsupportedScheme(t *testing.T) {
	c, _ := newTestController(t, nil, &memSink{}, nil)
	if err := c.InitiateDownload("coap://example.com/file", workspace.UpdateTypeFirmware); err != nil {
		t.Fatalf("InitiateDownload: %v", err)
	}
	if c.facade.Result() != facade.InvalidURI {
		t.Fatalf("Result() = %v, want INVALID_URI", c.facade.Result())
	}
}

func TestRunFullDownloadSucceeds(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	payload := bytes.Repeat([]byte{0xAB}, 8192)
	pkg, pub := buildPackage(t, []byte("notes"), payload, key, false)

	sink := &memSink{}
	client := &fakeHTTPClient{body: pkg, honorRange: true}
	c, _ := newTestController(t, client, sink, pub)

	if err := c.InitiateDownload("https://example.com/pkg.dwl", workspace.UpdateTypeFirmware); err != nil {
		t.Fatalf("InitiateDownload: %v", err)
	}

	phase, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseDone {
		t.Fatalf("phase = %v, want DONE", phase)
	}
	if c.facade.State() != facade.Downloaded || c.facade.Result() != facade.Success {
		t.Fatalf("facade = %v/%v, want DOWNLOADED/SUCCESS", c.facade.State(), c.facade.Result())
	}
	if !bytes.Equal(sink.written.Bytes(), payload) {
		t.Fatal("sink did not receive exact BINARY bytes")
	}
}

func TestRunDetectsBadCRC(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pkg, pub := buildPackage(t, nil, []byte("payload"), key, true)

	sink := &memSink{}
	client := &fakeHTTPClient{body: pkg, honorRange: true}
	c, _ := newTestController(t, client, sink, pub)

	if err := c.InitiateDownload("https://example.com/pkg.dwl", workspace.UpdateTypeFirmware); err != nil {
		t.Fatalf("InitiateDownload: %v", err)
	}
	phase, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseFailed {
		t.Fatalf("phase = %v, want FAILED", phase)
	}
	if c.facade.Result() != facade.IntegrityFailure {
		t.Fatalf("Result() = %v, want INTEGRITY_FAILURE", c.facade.Result())
	}
}

func TestRunDetectsUpdateTypeMismatch(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	// Envelope declares SOFTWARE; InitiateDownload below requests FIRMWARE.
	pkg, pub := buildPackageWithType(t, nil, []byte("payload"), key, false, uint8(workspace.UpdateTypeSoftware))

	sink := &memSink{}
	client := &fakeHTTPClient{body: pkg, honorRange: true}
	c, _ := newTestController(t, client, sink, pub)

	if err := c.InitiateDownload("https://example.com/pkg.dwl", workspace.UpdateTypeFirmware); err != nil {
		t.Fatalf("InitiateDownload: %v", err)
	}
	phase, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseFailed {
		t.Fatalf("phase = %v, want FAILED", phase)
	}
	if c.facade.Result() != facade.UnsupportedType {
		t.Fatalf("Result() = %v, want UNSUPPORTED_TYPE", c.facade.Result())
	}
}

func TestRunReportsInvalidURIOnHTTP404(t *testing.T) {
	sink := &memSink{}
	client := &fakeHTTPClient{headErr: errors.NewHTTPStatusError(404)}
	c, _ := newTestController(t, client, sink, nil)

	if err := c.InitiateDownload("https://example.com/missing.dwl", workspace.UpdateTypeFirmware); err != nil {
		t.Fatalf("InitiateDownload: %v", err)
	}
	phase, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseFailed || c.facade.Result() != facade.InvalidURI {
		t.Fatalf("got %v/%v, want FAILED/INVALID_URI", phase, c.facade.Result())
	}
}

func TestRunReportsConnectionLostOnHTTP500DuringFetch(t *testing.T) {
	sink := &memSink{}
	client := &fakeHTTPClient{body: []byte("irrelevant"), headErr: nil}
	// Size probe succeeds, then the ranged GET fails with a 500.
	client.onGetRangeStart = func(int64) {}
	c, _ := newTestController(t, client, sink, nil)
	c.client = &get500AfterHead{fakeHTTPClient: client}

	if err := c.InitiateDownload("https://example.com/pkg.dwl", workspace.UpdateTypeFirmware); err != nil {
		t.Fatalf("InitiateDownload: %v", err)
	}
	phase, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseFailed || c.facade.Result() != facade.ConnectionLost {
		t.Fatalf("got %v/%v, want FAILED/CONNECTION_LOST", phase, c.facade.Result())
	}
}

// get500AfterHead succeeds at HeadSize but fails GetRange with a 500, to
// exercise the body-fetch HTTP-error branch distinctly from the size-probe
// branch.
type get500AfterHead struct {
	*fakeHTTPClient
}

func (g *get500AfterHead) GetRange(_ context.Context, _ httpclient.Config, _ int64) (int, io.ReadCloser, error) {
	g.lastStatus = 500
	return 500, nil, errors.NewHTTPStatusError(500)
}

func TestRunSuspendAndResumeReproducesUninterruptedDigest(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	payload := bytes.Repeat([]byte{0x11}, 1 << 16)
	pkg, pub := buildPackage(t, []byte("c"), payload, key, false)

	sink := &memSink{}
	store, err := workspace.Open(filepath.Join(t.TempDir(), "workspace.db"))
	if err != nil {
		t.Fatalf("workspace.Open: %v", err)
	}
	defer store.Close()

	creds := credentials.Static{credentials.FWPublicKey: x509.MarshalPKCS1PublicKey(pub)}
	bus := eventbus.New()
	fc := facade.New(nil)

	client1 := &fakeHTTPClient{body: pkg, honorRange: true}
	c1 := New(store, nil, creds, bus, fc, sink, Options{})
	c1.client = client1
	client1.suspendAfterN = len(pkg) / 4
	client1.suspendAfter = func() { c1.Suspend() }

	if err := c1.InitiateDownload("https://example.com/pkg.dwl", workspace.UpdateTypeFirmware); err != nil {
		t.Fatalf("InitiateDownload: %v", err)
	}
	phase, err := c1.Run(context.Background())
	if err != nil {
		t.Fatalf("Run (suspend): %v", err)
	}
	if phase != PhaseSuspended {
		t.Fatalf("phase = %v, want SUSPENDED", phase)
	}
	if fc.State() != facade.Downloading {
		t.Fatalf("State() = %v, want DOWNLOADING to remain unchanged on suspend", fc.State())
	}

	w, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if w.Offset == 0 || w.Offset >= uint64(len(pkg)) {
		t.Fatalf("unexpected suspend offset %d (package length %d)", w.Offset, len(pkg))
	}

	client2 := &fakeHTTPClient{body: pkg, honorRange: true}
	c2 := New(store, nil, creds, bus, fc, sink, Options{})
	c2.client = client2

	phase, err = c2.Run(context.Background())
	if err != nil {
		t.Fatalf("Run (resume): %v", err)
	}
	if phase != PhaseDone {
		t.Fatalf("phase = %v, want DONE", phase)
	}
	if !bytes.Equal(sink.written.Bytes(), payload) {
		t.Fatal("resumed download did not reproduce the exact BINARY bytes")
	}
}

func TestRunRangeNotHonouredOnResumeReportsConnectionLost(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	payload := bytes.Repeat([]byte{0x22}, 1 << 16)
	pkg, pub := buildPackage(t, nil, payload, key, false)

	store, err := workspace.Open(filepath.Join(t.TempDir(), "workspace.db"))
	if err != nil {
		t.Fatalf("workspace.Open: %v", err)
	}
	defer store.Close()

	creds := credentials.Static{credentials.FWPublicKey: x509.MarshalPKCS1PublicKey(pub)}
	bus := eventbus.New()
	fc := facade.New(nil)
	sink := &memSink{}

	// First, reach a genuine mid-BINARY persisted offset via a real
	// suspend, so the workspace carries a resumable parser snapshot
	// rather than a synthetic zero-value one.
	client1 := &fakeHTTPClient{body: pkg, honorRange: true}
	c1 := New(store, nil, creds, bus, fc, sink, Options{})
	c1.client = client1
	client1.suspendAfterN = len(pkg) / 4
	client1.suspendAfter = func() { c1.Suspend() }

	if err := c1.InitiateDownload("https://example.com/pkg.dwl", workspace.UpdateTypeFirmware); err != nil {
		t.Fatalf("InitiateDownload: %v", err)
	}
	if phase, err := c1.Run(context.Background()); err != nil || phase != PhaseSuspended {
		t.Fatalf("Run (suspend): phase=%v err=%v", phase, err)
	}

	// Resume against a server that ignores Range and always answers 200.
	client2 := &fakeHTTPClient{body: pkg, honorRange: false}
	c2 := New(store, nil, creds, bus, fc, sink, Options{})
	c2.client = client2

	phase, err := c2.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseFailed || fc.Result() != facade.ConnectionLost {
		t.Fatalf("got %v/%v, want FAILED/CONNECTION_LOST", phase, fc.Result())
	}
}

func TestRunTrailingBytesAfterSignatureFailIntegrity(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pkg, pub := buildPackage(t, nil, []byte("payload"), key, false)
	pkg = append(pkg, 0xFF) // trailing garbage byte

	sink := &memSink{}
	client := &fakeHTTPClient{body: pkg, honorRange: true}
	c, _ := newTestController(t, client, sink, pub)

	if err := c.InitiateDownload("https://example.com/pkg.dwl", workspace.UpdateTypeFirmware); err != nil {
		t.Fatalf("InitiateDownload: %v", err)
	}
	phase, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseFailed || c.facade.Result() != facade.IntegrityFailure {
		t.Fatalf("got %v/%v, want FAILED/INTEGRITY_FAILURE", phase, c.facade.Result())
	}
}

func TestAbortClearsWorkspaceAndFacade(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	payload := bytes.Repeat([]byte{0x33}, 1 << 15)
	pkg, pub := buildPackage(t, nil, payload, key, false)

	sink := &memSink{}
	client := &fakeHTTPClient{body: pkg, honorRange: true}
	c, store := newTestController(t, client, sink, pub)
	client.suspendAfterN = len(pkg) / 4
	client.suspendAfter = func() { c.Abort() }

	var terminal []eventbus.Event
	c.bus.Register(func(ev eventbus.Event) {
		if ev.Kind == eventbus.DownloadFailed || ev.Kind == eventbus.DownloadFinished {
			terminal = append(terminal, ev)
		}
	})

	if err := c.InitiateDownload("https://example.com/pkg.dwl", workspace.UpdateTypeFirmware); err != nil {
		t.Fatalf("InitiateDownload: %v", err)
	}
	phase, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if phase != PhaseAborted {
		t.Fatalf("phase = %v, want ABORTED", phase)
	}
	if c.facade.State() != facade.Idle || c.facade.Result() != facade.Default {
		t.Fatalf("facade = %v/%v, want IDLE/DEFAULT", c.facade.State(), c.facade.Result())
	}
	w, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !w.Zero() {
		t.Fatalf("expected workspace cleared after abort, got %+v", w)
	}
	if len(terminal) != 1 || terminal[0].Kind != eventbus.DownloadFailed || terminal[0].Reason != "ABORTED" {
		t.Fatalf("expected exactly one DownloadFailed(ABORTED) terminal event, got %+v", terminal)
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	c, _ := newTestController(t, nil, &memSink{}, nil)
	c.Abort()
	c.Abort()
	if !c.abort.Load() {
		t.Fatal("expected abort flag set")
	}
}
