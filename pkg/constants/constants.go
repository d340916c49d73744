// Package constants defines magic numbers and default values used throughout fotacore.
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultConnTimeout = 10 * time.Second
	DefaultReadTimeout = 30 * time.Second
)

// HTTP limits
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB; pkg/httpclient does not consult it
	MaxHeaderBytes   = 64 * 1024
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024   // 4MB before the body buffer spills to disk
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for the raw buffer
)

// DWL envelope limits (§4.D, §9 Open Question (b))
const (
	// MaxSignatureSize bounds the SIGNATURE section; the spec leaves this
	// unspecified beyond "a few hundred bytes" and recommends 512.
	MaxSignatureSize = 512

	// DWLMagicSize is the length of the fixed PROLOG magic.
	DWLMagicSize = 8
)

// URI limits (§3, §4.A)
const (
	// MaxURILength is the hard cap on a package URI's length in bytes; a
	// URI of exactly this length is accepted.
	MaxURILength = 255

	// MaxHostLength bounds the host component of a parsed URI.
	MaxHostLength = 253
)

// Size-probe retry policy (§4.B)
const (
	SizeProbeMaxRetries = 3
)

// Download Controller tuning (§4.G)
const (
	// FetchReadBufferSize bounds a single read-and-feed step during FETCHING.
	FetchReadBufferSize = 32 * 1024

	// ProgressCadencePercent is the minimum percent-of-packageSize delta
	// between successive DOWNLOAD_PROGRESS events ("recommended 1% of
	// packageSize or a fixed cadence").
	ProgressCadencePercent = 1
)
