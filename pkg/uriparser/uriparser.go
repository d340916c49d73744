// Package uriparser splits a server-supplied package URI into its scheme,
// host, port and path components (§4.A). It deliberately does not implement
// punycode or authority-embedded credentials — the spec explicitly excludes
// both.
package uriparser

import (
	"strconv"
	"strings"

	"github.com/lwm2mcore/fotacore/pkg/constants"
	"github.com/lwm2mcore/fotacore/pkg/errors"
)

// URI is the parsed form of a package download location.
type URI struct {
	Scheme   string
	Host     string
	Port     int
	Path     string
	IsSecure bool
}

const (
	defaultHTTPPort  = 80
	defaultHTTPSPort = 443
)

// Parse validates and splits raw into a URI. It rejects anything over
// constants.MaxURILength, any scheme other than http/https, and any URI
// missing a host.
func Parse(raw string) (URI, error) {
	if len(raw) == 0 {
		return URI{}, errors.NewValidationError("uri is empty")
	}
	if len(raw) > constants.MaxURILength {
		return URI{}, errors.NewValidationError("uri exceeds maximum length")
	}

	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return URI{}, errors.NewValidationError("uri missing scheme")
	}
	scheme = strings.ToLower(scheme)

	var defaultPort int
	switch scheme {
	case "http":
		defaultPort = defaultHTTPPort
	case "https":
		defaultPort = defaultHTTPSPort
	default:
		return URI{}, errors.NewValidationError("unsupported uri scheme: " + scheme)
	}

	authority := rest
	path := "/"
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		authority = rest[:idx]
		path = rest[idx:]
	}

	if authority == "" {
		return URI{}, errors.NewValidationError("uri missing host")
	}
	// Credentials in the authority ("user:pass@host") are not supported.
	if strings.Contains(authority, "@") {
		return URI{}, errors.NewValidationError("uri authority must not contain credentials")
	}

	host := authority
	port := defaultPort
	if idx := strings.LastIndexByte(authority, ':'); idx >= 0 {
		host = authority[:idx]
		portStr := authority[idx+1:]
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 || p > 65535 {
			return URI{}, errors.NewValidationError("uri has invalid port")
		}
		port = p
	}

	if host == "" {
		return URI{}, errors.NewValidationError("uri missing host")
	}
	if len(host) > constants.MaxHostLength {
		return URI{}, errors.NewValidationError("uri host exceeds maximum length")
	}

	return URI{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Path:     path,
		IsSecure: scheme == "https",
	}, nil
}
