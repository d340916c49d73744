// Package fotacore is the top-level facade over the LwM2M Firmware/Software
// Update download core: a resumable, integrity-verified package downloader
// built from a URI parser, a minimal HTTP client, a DWL envelope parser, a
// workspace store, and a download controller, all surfaced through the
// update-state resources a single LwM2M object instance exposes (§4, §6).
package fotacore

import (
	"context"

	"github.com/lwm2mcore/fotacore/pkg/constants"
	"github.com/lwm2mcore/fotacore/pkg/controller"
	"github.com/lwm2mcore/fotacore/pkg/credentials"
	"github.com/lwm2mcore/fotacore/pkg/dwl"
	"github.com/lwm2mcore/fotacore/pkg/errors"
	"github.com/lwm2mcore/fotacore/pkg/eventbus"
	"github.com/lwm2mcore/fotacore/pkg/facade"
	"github.com/lwm2mcore/fotacore/pkg/httpclient"
	"github.com/lwm2mcore/fotacore/pkg/workspace"
)

// Version is the current version of the fotacore library.
const Version = "1.0.0"

// GetVersion returns the current version of the library.
func GetVersion() string {
	return Version
}

// Re-export key types for easier usage.
type (
	// Options configures connection parameters shared by every download.
	Options = controller.Options

	// Phase is the download controller's internal state machine (§4.G).
	Phase = controller.Phase

	// State is the externally visible update-state resource (§4.H).
	State = facade.State

	// Result is the update-result resource (§4.H).
	Result = facade.Result

	// Event is a download-lifecycle event (§4.I).
	Event = eventbus.Event

	// EventKind tags an Event.
	EventKind = eventbus.Kind

	// EventCallback receives events published on a Core's bus.
	EventCallback = eventbus.Callback

	// UpdateType distinguishes a firmware update from a software update.
	UpdateType = workspace.UpdateType

	// Slot names a credential entry.
	Slot = credentials.Slot

	// CredentialStore is the read-only platform credential interface (§6).
	CredentialStore = credentials.Store

	// StaticCredentials is an in-memory CredentialStore.
	StaticCredentials = credentials.Static

	// Sink receives BINARY-section bytes in arrival order.
	Sink = dwl.Sink

	// UpdateHook is the opaque platform hook the "update" resource executes.
	UpdateHook = facade.UpdateHook

	// Error represents a structured error with context information.
	Error = errors.Error
)

// Re-export the update-state resource values (§4.H, §6). Do not reorder;
// the integers are fixed by the LwM2M FOTA/SOTA specification.
const (
	Idle        = facade.Idle
	Downloading = facade.Downloading
	Downloaded  = facade.Downloaded
	Updating    = facade.Updating
)

// Re-export the update-result resource values (§4.H, §6). Do not reorder.
const (
	Default             = facade.Default
	Success             = facade.Success
	NotEnoughFlash      = facade.NotEnoughFlash
	OutOfRAM            = facade.OutOfRAM
	ConnectionLost      = facade.ConnectionLost
	IntegrityFailure    = facade.IntegrityFailure
	UnsupportedType     = facade.UnsupportedType
	InvalidURI          = facade.InvalidURI
	UpdateFailed        = facade.UpdateFailed
	UnsupportedProtocol = facade.UnsupportedProtocol
)

// Re-export update-type and credential-slot constants.
const (
	UpdateTypeFirmware = workspace.UpdateTypeFirmware
	UpdateTypeSoftware = workspace.UpdateTypeSoftware

	FWPublicKey = credentials.FWPublicKey
	SWPublicKey = credentials.SWPublicKey
)

// Re-export event kinds for convenience.
const (
	SessionStarted    = eventbus.SessionStarted
	SessionFailed     = eventbus.SessionFailed
	SessionFinished   = eventbus.SessionFinished
	PackageDetails    = eventbus.PackageDetails
	DownloadProgress  = eventbus.DownloadProgress
	DownloadFinished  = eventbus.DownloadFinished
	DownloadFailed    = eventbus.DownloadFailed
	UpdateStarted     = eventbus.UpdateStarted
	UpdateFinished    = eventbus.UpdateFinished
	UpdateFailedEvent = eventbus.UpdateFailed
)

// MaxURILength is the maximum accepted package_uri length in bytes
// (§3, §4.A).
const MaxURILength = constants.MaxURILength

// Core wires a download controller to the update-state facade and event bus
// a single LwM2M Firmware/Software Update object instance needs (§4, §6),
// and owns the workspace database and HTTP client backing it.
type Core struct {
	store      *workspace.BoltStore
	controller *controller.Controller
	facade     *facade.Facade
	bus        *eventbus.Bus
}

// New opens the workspace database at workspacePath and returns a ready-to-
// use Core. creds supplies the FW_PUBLIC_KEY/SW_PUBLIC_KEY slots the
// controller verifies signatures against; sink receives BINARY-section
// bytes; hook is invoked when the host executes the "update" resource.
func New(workspacePath string, creds credentials.Store, sink dwl.Sink, hook UpdateHook, opts Options) (*Core, error) {
	store, err := workspace.Open(workspacePath)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	fc := facade.New(hook)
	client := httpclient.New()
	ctrl := controller.New(store, client, creds, bus, fc, sink, opts)

	return &Core{store: store, controller: ctrl, facade: fc, bus: bus}, nil
}

// Close releases the workspace database.
func (c *Core) Close() error {
	return c.store.Close()
}

// InitiateDownload handles a host write to the package_uri resource
// (§4.G Initialisation, §4.H). An empty uri resets the facade and clears
// the workspace.
func (c *Core) InitiateDownload(uri string, ut UpdateType) error {
	return c.controller.InitiateDownload(uri, ut)
}

// Run drives the controller's state machine to completion — one pass of
// SIZE_PROBING, then FETCHING, then VERIFYING — against whatever workspace
// is currently persisted (§4.G, §5).
func (c *Core) Run(ctx context.Context) (Phase, error) {
	return c.controller.Run(ctx)
}

// Suspend requests a cooperative pause at the next checkpoint (§5). A
// later Run call resumes from the persisted workspace.
func (c *Core) Suspend() {
	c.controller.Suspend()
}

// Abort requests a cooperative terminal stop (§5), clearing the workspace.
func (c *Core) Abort() {
	c.controller.Abort()
}

// Execute runs the "update" resource's opaque platform hook (§4.H). It
// requires the facade to be in the DOWNLOADED state.
func (c *Core) Execute() error {
	return c.facade.Execute()
}

// State returns the current update-state resource.
func (c *Core) State() State {
	return c.facade.State()
}

// Result returns the current update-result resource.
func (c *Core) Result() Result {
	return c.facade.Result()
}

// PackageURI returns the currently recorded package_uri resource.
func (c *Core) PackageURI() string {
	return c.facade.PackageURI()
}

// OnEvent registers the host's callback for download-lifecycle events
// (§4.I). Passing nil clears it.
func (c *Core) OnEvent(cb EventCallback) {
	c.bus.Register(cb)
}

// DefaultOptions returns Options suitable for common use: no TLS overrides
// and the library's own default User-Agent.
func DefaultOptions() Options {
	return Options{UserAgent: "fotacore/" + Version}
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	return errors.IsTimeoutError(err)
}

// IsTemporaryError checks if an error is temporary.
func IsTemporaryError(err error) bool {
	return errors.IsTemporaryError(err)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) string {
	return string(errors.GetErrorType(err))
}
