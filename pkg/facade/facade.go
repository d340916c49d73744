// Package facade maps download-controller outcomes onto the Firmware/
// Software Update object's externally visible state and result resources
// (§4.H). The wire encoding uses the integer values fixed by the LwM2M
// FOTA/SOTA specification (§6): state 0..3, result 0..9.
package facade

import (
	"sync"

	"github.com/lwm2mcore/fotacore/pkg/errors"
)

var errNotDownloaded = errors.NewValidationError("update resource executed outside DOWNLOADED state")

// State is the update-state resource.
type State int

const (
	Idle State = iota
	Downloading
	Downloaded
	Updating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Downloading:
		return "DOWNLOADING"
	case Downloaded:
		return "DOWNLOADED"
	case Updating:
		return "UPDATING"
	default:
		return "UNKNOWN"
	}
}

// Result is the update-result resource. The ordering below is the wire
// encoding, fixed by the LwM2M FOTA/SOTA specification — do not reorder.
type Result int

const (
	Default Result = iota
	Success
	NotEnoughFlash
	OutOfRAM
	ConnectionLost
	IntegrityFailure
	UnsupportedType
	InvalidURI
	UpdateFailed
	UnsupportedProtocol
)

func (r Result) String() string {
	switch r {
	case Default:
		return "DEFAULT"
	case Success:
		return "SUCCESS"
	case NotEnoughFlash:
		return "NOT_ENOUGH_FLASH"
	case OutOfRAM:
		return "OUT_OF_RAM"
	case ConnectionLost:
		return "CONNECTION_LOST"
	case IntegrityFailure:
		return "INTEGRITY_FAILURE"
	case UnsupportedType:
		return "UNSUPPORTED_TYPE"
	case InvalidURI:
		return "INVALID_URI"
	case UpdateFailed:
		return "UPDATE_FAILED"
	case UnsupportedProtocol:
		return "UNSUPPORTED_PROTOCOL"
	default:
		return "UNKNOWN"
	}
}

// UpdateHook is the opaque platform hook invoked on an "update" resource
// execute (§4.H: "delegates to an opaque platform hook; the core itself
// never transitions beyond DOWNLOADED").
type UpdateHook func() error

// Facade holds the resources an LwM2M Firmware/Software Update object
// instance exposes: state, result, and the package identity fields. It is
// safe for concurrent reads from the protocol task while the controller
// task mutates it (§5: the controller and URI-initiation path are the
// facade's only two writers, and are mutually exclusive by contract).
type Facade struct {
	mu sync.RWMutex

	state   State
	result  Result
	uri     string
	name    string
	version string

	hook UpdateHook
}

// New returns a Facade in the IDLE/DEFAULT state with no package identity.
func New(hook UpdateHook) *Facade {
	return &Facade{hook: hook}
}

// State returns the current update-state resource.
func (f *Facade) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Result returns the current update-result resource.
func (f *Facade) Result() Result {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.result
}

// PackageURI returns the currently recorded package_uri resource.
func (f *Facade) PackageURI() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.uri
}

// PackageName returns the package_name resource (host-supplied, opaque to
// the core beyond storage).
func (f *Facade) PackageName() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

// PackageVersion returns the package_version resource.
func (f *Facade) PackageVersion() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version
}

// SetPackageIdentity records package_name/package_version alongside the
// URI; these are descriptive only and never drive state transitions.
func (f *Facade) SetPackageIdentity(name, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = name
	f.version = version
}

// InitiateDownload absorbs a package_uri write: an empty uri resets
// everything to IDLE/DEFAULT (§4.H "empty write resets everything"); a
// non-empty uri transitions to DOWNLOADING with DEFAULT result and records
// the uri for PackageURI.
func (f *Facade) InitiateDownload(uri string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if uri == "" {
		f.state = Idle
		f.result = Default
		f.uri = ""
		f.name = ""
		f.version = ""
		return
	}
	f.state = Downloading
	f.result = Default
	f.uri = uri
}

// Downloaded transitions to DOWNLOADED/SUCCESS on a completed, verified
// download (§4.G step 4).
func (f *Facade) Downloaded() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = Downloaded
	f.result = Success
}

// Failed transitions back to IDLE with the given result (§4.G step 5,
// §7's error-category table).
func (f *Facade) Failed(result Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = Idle
	f.result = result
}

// Aborted transitions to IDLE/DEFAULT and clears the package identity
// (§4.G step 3: abort "transition[s] facade to IDLE/DEFAULT").
func (f *Facade) Aborted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = Idle
	f.result = Default
	f.uri = ""
	f.name = ""
	f.version = ""
}

// Suspended leaves state as DOWNLOADING with no result change (§4.G step
// 3: "no facade transition; state remains DOWNLOADING").
func (f *Facade) Suspended() {}

// Execute runs the "update" resource's opaque platform hook, transitioning
// to UPDATING first (§4.H: "the core itself never transitions beyond
// DOWNLOADED" — execution is delegated, not modeled further here).
func (f *Facade) Execute() error {
	f.mu.Lock()
	if f.state != Downloaded {
		f.mu.Unlock()
		return errNotDownloaded
	}
	f.state = Updating
	hook := f.hook
	f.mu.Unlock()

	if hook == nil {
		return nil
	}
	return hook()
}
