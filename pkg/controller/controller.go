// Package controller implements the download controller (§4.G): it
// orchestrates the URI parser, HTTP client, DWL parser, integrity engine,
// and workspace store, owns the suspend/abort protocol, and drives the
// update-state facade and event bus. It is the one component in the
// pipeline with a persistent state machine, so unlike its leaf
// dependencies it logs through logrus rather than staying silent — one
// package-level entry with structured fields, the style the rest of the
// retrieved corpus (docker-compose, skaffold) uses for daemon-shaped code.
package controller

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lwm2mcore/fotacore/pkg/constants"
	"github.com/lwm2mcore/fotacore/pkg/credentials"
	"github.com/lwm2mcore/fotacore/pkg/dwl"
	"github.com/lwm2mcore/fotacore/pkg/errors"
	"github.com/lwm2mcore/fotacore/pkg/eventbus"
	"github.com/lwm2mcore/fotacore/pkg/facade"
	"github.com/lwm2mcore/fotacore/pkg/httpclient"
	"github.com/lwm2mcore/fotacore/pkg/uriparser"
	"github.com/lwm2mcore/fotacore/pkg/workspace"
)

var log = logrus.WithField("component", "controller")

// Phase is the controller's internal state (§4.G): IDLE → SIZE_PROBING →
// FETCHING → VERIFYING → {DONE | FAILED | SUSPENDED | ABORTED}. This is
// distinct from facade.State, which only ever shows IDLE/DOWNLOADING/
// DOWNLOADED/UPDATING to the host.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSizeProbing
	PhaseFetching
	PhaseVerifying
	PhaseDone
	PhaseFailed
	PhaseSuspended
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseSizeProbing:
		return "SIZE_PROBING"
	case PhaseFetching:
		return "FETCHING"
	case PhaseVerifying:
		return "VERIFYING"
	case PhaseDone:
		return "DONE"
	case PhaseFailed:
		return "FAILED"
	case PhaseSuspended:
		return "SUSPENDED"
	case PhaseAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// httpClient is the subset of *httpclient.Client the controller needs,
// narrowed to an interface so tests can substitute a fake transport.
type httpClient interface {
	HeadSize(ctx context.Context, cfg httpclient.Config) (int64, error)
	GetRange(ctx context.Context, cfg httpclient.Config, offset int64) (int, io.ReadCloser, error)
	LastHTTPError() int
}

// Options configures connection parameters shared by every request the
// controller issues. Mirrors the teacher's plain-struct-of-tunables
// pattern rather than functional options.
type Options struct {
	UserAgent     string
	InsecureTLS   bool
	CustomCACerts [][]byte
}

// Controller orchestrates one download at a time (§5: "at most one
// download in flight"). It is not safe for concurrent Run calls; Suspend
// and Abort are the only methods meant to be called from another task
// while Run is executing.
type Controller struct {
	store  workspace.Store
	client httpClient
	creds  credentials.Store
	bus    *eventbus.Bus
	facade *facade.Facade
	sink   dwl.Sink
	opts   Options

	suspend atomic.Bool
	abort   atomic.Bool
}

// New builds a Controller from its five capability dependencies (§9:
// "model each as a capability interface injected into the controller").
func New(store workspace.Store, client *httpclient.Client, creds credentials.Store, bus *eventbus.Bus, fc *facade.Facade, sink dwl.Sink, opts Options) *Controller {
	return &Controller{store: store, client: client, creds: creds, bus: bus, facade: fc, sink: sink, opts: opts}
}

// Suspend requests a cooperative pause at the next checkpoint (§5). It is
// reversible: a later Run call resumes from the persisted workspace.
func (c *Controller) Suspend() { c.suspend.Store(true) }

// Abort requests a cooperative terminal stop (§5). Idempotent — calling it
// twice is equivalent to calling it once (§8 "Idempotent abort").
func (c *Controller) Abort() { c.abort.Store(true) }

// clearFlags resets suspend/abort ahead of a fresh Run, so a previous
// download's flags never leak into the next one.
func (c *Controller) clearFlags() {
	c.suspend.Store(false)
	c.abort.Store(false)
}

// InitiateDownload handles a host write to the package_uri resource
// (§4.G Initialisation, §4.H). An empty uri resets the facade and clears
// the workspace (§4.H "empty write resets everything"). A non-empty uri
// is validated and, on success, persisted as a fresh workspace ready for
// Run to pick up.
func (c *Controller) InitiateDownload(uri string, ut workspace.UpdateType) error {
	if uri == "" {
		c.facade.InitiateDownload("")
		return c.store.Delete()
	}

	if len(uri) > constants.MaxURILength {
		log.WithField("len", len(uri)).Warn("rejected oversize package uri")
		c.facade.Failed(facade.InvalidURI)
		return nil
	}

	if _, err := uriparser.Parse(uri); err != nil {
		log.WithError(err).Warn("rejected package uri with unsupported scheme or shape")
		c.facade.Failed(facade.InvalidURI)
		return nil
	}

	if err := c.store.Write(workspace.Workspace{UpdateType: ut, URL: uri}); err != nil {
		return err
	}
	c.facade.InitiateDownload(uri)
	return nil
}

// Run executes the controller's state machine to completion (one pass of
// SIZE_PROBING, then FETCHING, then VERIFYING, ending at DONE/FAILED/
// SUSPENDED/ABORTED) against whatever workspace is currently persisted. It
// is the "worker thread/task" entry point §5 describes.
func (c *Controller) Run(ctx context.Context) (Phase, error) {
	c.clearFlags()

	w, err := c.store.Read()
	if err != nil {
		return PhaseFailed, err
	}
	if w.Zero() {
		return PhaseIdle, nil
	}

	uri, err := uriparser.Parse(w.URL)
	if err != nil {
		c.facade.Failed(facade.InvalidURI)
		return PhaseFailed, nil
	}

	sessionID := uuid.New().String()
	log := log.WithField("session", sessionID).WithField("uri", w.URL)
	log.Info("download session started")
	c.bus.Publish(eventbus.Event{Kind: eventbus.SessionStarted})

	cfg := httpclient.Config{
		Scheme:        uri.Scheme,
		Host:          uri.Host,
		Port:          uri.Port,
		Path:          uri.Path,
		InsecureTLS:   c.opts.InsecureTLS,
		CustomCACerts: c.opts.CustomCACerts,
		UserAgent:     c.opts.UserAgent,
	}

	if w.PackageSize == 0 {
		phase, result, err := c.probeSize(ctx, log, cfg, &w)
		if phase != PhaseSizeProbing {
			c.finishFailed(log, sessionID, result)
			return phase, err
		}
	}

	phase, result := c.fetch(ctx, log, cfg, &w)
	switch phase {
	case PhaseDone:
		c.facade.Downloaded()
		c.bus.Publish(eventbus.Event{Kind: eventbus.DownloadFinished})
		c.bus.Publish(eventbus.Event{Kind: eventbus.SessionFinished})
		log.Info("download session finished")
		return phase, nil
	case PhaseSuspended:
		c.facade.Suspended()
		log.Info("download suspended")
		return phase, nil
	case PhaseAborted:
		c.facade.Aborted()
		if err := c.store.Delete(); err != nil {
			log.WithError(err).Error("failed to clear workspace after abort")
		}
		c.bus.Publish(eventbus.Failed("ABORTED"))
		c.bus.Publish(eventbus.Event{Kind: eventbus.SessionFailed})
		log.Info("download aborted")
		return phase, nil
	default:
		c.finishFailed(log, sessionID, result)
		return PhaseFailed, nil
	}
}

func (c *Controller) finishFailed(log *logrus.Entry, sessionID string, result facade.Result) {
	c.facade.Failed(result)
	c.bus.Publish(eventbus.Failed(result.String()))
	c.bus.Publish(eventbus.Event{Kind: eventbus.SessionFailed})
	log.WithField("session", sessionID).WithField("result", result.String()).Warn("download session failed")
}

// probeSize issues the HEAD size probe (§4.B, §4.G step 1) and, on
// success, persists packageSize and emits PACKAGE_DETAILS.
func (c *Controller) probeSize(ctx context.Context, log *logrus.Entry, cfg httpclient.Config, w *workspace.Workspace) (Phase, facade.Result, error) {
	size, err := c.client.HeadSize(ctx, cfg)
	if err != nil {
		status := c.client.LastHTTPError()
		log.WithError(err).WithField("http_status", status).Warn("size probe failed")
		return PhaseFailed, resultForTransportOrHTTPError(err, status), nil
	}

	w.PackageSize = uint64(size)
	if err := c.store.Write(*w); err != nil {
		return PhaseFailed, facade.ConnectionLost, err
	}
	log.WithField("size", humanize.Bytes(uint64(size))).Info("package size probed")
	c.bus.Publish(eventbus.Event{Kind: eventbus.PackageDetails})
	return PhaseSizeProbing, facade.Default, nil
}

// fetch runs FETCHING through VERIFYING (§4.G steps 2-4): a ranged GET
// from w.Offset, feeding bytes to a (possibly resumed) DWL parser,
// checking suspend/abort between reads, and emitting progress.
func (c *Controller) fetch(ctx context.Context, log *logrus.Entry, cfg httpclient.Config, w *workspace.Workspace) (Phase, facade.Result) {
	if w.DWL.Section == dwl.SectionProlog {
		// A parser State taken inside PROLOG holds none of the PROLOG bytes
		// read so far, so such a resume starts over from the first byte.
		w.Offset = 0
	}
	parser, err := newOrResumedParser(c.sink, *w)
	if err != nil {
		log.WithError(err).Error("failed to resume parser from workspace")
		return PhaseFailed, facade.ConnectionLost
	}

	status, body, err := c.client.GetRange(ctx, cfg, int64(w.Offset))
	if err != nil {
		log.WithError(err).WithField("http_status", status).Warn("ranged GET failed")
		return PhaseFailed, resultForTransportOrHTTPError(err, status)
	}
	defer body.Close()

	if w.Offset > 0 && status != 206 {
		// Resolved Open Question (a): a server that does not honour Range
		// is reported as CONNECTION_LOST rather than silently restarted.
		log.WithField("http_status", status).Warn("server did not honour range request on resume")
		return PhaseFailed, facade.ConnectionLost
	}

	lastProgressPercent := -1
	buf := make([]byte, constants.FetchReadBufferSize)
	envelopeChecked := parser.Section() != dwl.SectionProlog

	for {
		if c.abort.Load() {
			return PhaseAborted, facade.Default
		}
		if c.suspend.Load() {
			if err := c.persist(parser, w); err != nil {
				log.WithError(err).Error("failed to persist workspace on suspend")
				return PhaseFailed, facade.ConnectionLost
			}
			return PhaseSuspended, facade.Default
		}

		n, readErr := body.Read(buf)
		consumed := 0
		if n > 0 {
			var feedErr error
			consumed, feedErr = parser.Feed(buf[:n])
			w.Offset += uint64(consumed)
			if feedErr != nil {
				return PhaseFailed, resultForDWLError(feedErr)
			}

			if !envelopeChecked && parser.Section() != dwl.SectionProlog {
				envelopeChecked = true
				log.WithField("binary_size", parser.BinarySize()).WithField("envelope_type", parser.UpdateType()).
					Debug("envelope PROLOG parsed")
				if parser.UpdateType() != uint8(w.UpdateType) {
					log.WithField("envelope_type", parser.UpdateType()).Warn("envelope update type does not match the initiated download")
					return PhaseFailed, facade.UnsupportedType
				}
				if w.PackageSize > 0 && parser.ExpectedTotalSize() > w.PackageSize {
					log.WithField("envelope_size", parser.ExpectedTotalSize()).WithField("probed_size", w.PackageSize).
						Warn("envelope size exceeds the HTTP-probed package size")
					return PhaseFailed, facade.UnsupportedType
				}
			}

			if w.PackageSize > 0 {
				percent := int(100 * w.Offset / w.PackageSize)
				if percent-lastProgressPercent >= constants.ProgressCadencePercent {
					lastProgressPercent = percent
					c.bus.Publish(eventbus.Progress(percent))
				}
			}

			if err := c.persist(parser, w); err != nil {
				log.WithError(err).Error("failed to persist workspace")
				return PhaseFailed, facade.ConnectionLost
			}
		}

		if parser.Done() {
			// §4.D: any trailing bytes after SIGNATURE are a framing
			// failure. Bytes left over in this read, or a further
			// non-empty read, both count as trailing data.
			if consumed < n {
				log.Warn("trailing bytes present immediately after signature")
				return PhaseFailed, facade.IntegrityFailure
			}
			var probe [1]byte
			if pn, _ := body.Read(probe[:]); pn > 0 {
				log.Warn("trailing bytes present after signature")
				return PhaseFailed, facade.IntegrityFailure
			}
			break
		}

		if readErr != nil {
			if readErr == io.EOF {
				log.Warn("body ended before SIGNATURE section completed")
				return PhaseFailed, facade.ConnectionLost
			}
			log.WithError(readErr).Warn("error reading response body")
			return PhaseFailed, resultForIOError(readErr)
		}
	}

	if lastProgressPercent < 99 {
		c.bus.Publish(eventbus.Progress(99))
	}

	return c.verify(log, w, parser)
}

// verify runs §4.E's checks once the SIGNATURE section has been consumed.
func (c *Controller) verify(log *logrus.Entry, w *workspace.Workspace, parser *dwl.Parser) (Phase, facade.Result) {
	slot := credentials.FWPublicKey
	if w.UpdateType == workspace.UpdateTypeSoftware {
		slot = credentials.SWPublicKey
	}
	pubKey, err := c.creds.Read(slot)
	if err != nil {
		log.WithError(err).Error("no public key available for verification")
		return PhaseFailed, facade.IntegrityFailure
	}

	if err := parser.Verify(pubKey); err != nil {
		log.WithError(err).Warn("package failed integrity/signature verification")
		return PhaseFailed, facade.IntegrityFailure
	}

	c.bus.Publish(eventbus.Progress(100))
	return PhaseDone, facade.Success
}

// persist snapshots the parser's state into w and writes it through the
// store. It is called after every handled read, matching §4.D's
// "after every parsed-and-persisted segment boundary" resume contract at
// the granularity this controller chooses (every Feed call).
func (c *Controller) persist(parser *dwl.Parser, w *workspace.Workspace) error {
	state, err := parser.State()
	if err != nil {
		return err
	}
	w.DWL = state
	return c.store.Write(*w)
}

func newOrResumedParser(sink dwl.Sink, w workspace.Workspace) (*dwl.Parser, error) {
	if w.Offset == 0 {
		return dwl.New(sink), nil
	}
	return dwl.Resume(sink, w.DWL)
}

// resultForTransportOrHTTPError implements §7's error-category table for
// transport and HTTP failures surfaced out of the httpclient package.
func resultForTransportOrHTTPError(err error, httpStatus int) facade.Result {
	if httpErr, ok := err.(*errors.HTTPStatusError); ok {
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			return facade.InvalidURI
		}
		return facade.ConnectionLost
	}
	if httpStatus >= 400 && httpStatus < 500 {
		return facade.InvalidURI
	}
	return facade.ConnectionLost
}

func resultForDWLError(err error) facade.Result {
	if errors.GetErrorType(err) == errors.ErrorTypeIntegrity {
		return facade.IntegrityFailure
	}
	if errors.GetErrorType(err) == errors.ErrorTypeSink {
		return facade.NotEnoughFlash
	}
	if errors.GetErrorType(err) == errors.ErrorTypeDWL {
		return facade.UnsupportedType
	}
	return facade.ConnectionLost
}

func resultForIOError(err error) facade.Result {
	if err == errors.ErrPartialBody {
		return facade.ConnectionLost
	}
	if errors.GetErrorType(err) == errors.ErrorTypeTimeout {
		return facade.ConnectionLost
	}
	return facade.ConnectionLost
}
