// Package compat keeps search calls working across search backend
// versions. HeaderTransport pins the compatibility media type on every
// request; Negotiator retries one logical search through alternative
// calling conventions until one is accepted.
package compat

import (
	"net/http"
)

// DefaultVersion is used when the configured version is not supported.
const DefaultVersion = "8"

// NormalizeVersion returns version if the backend accepts it (7 or 8),
// otherwise DefaultVersion.
func NormalizeVersion(version string) string {
	switch version {
	case "7", "8":
		return version
	default:
		return DefaultVersion
	}
}

// MediaType returns the compatibility media type for version.
func MediaType(version string) string {
	return "application/vnd.elasticsearch+json; compatible-with=" + NormalizeVersion(version)
}

// HeaderTransport sets Accept and Content-Type to the compatibility
// media type on every request, replacing whatever the client set.
// Clients default to their own major version, which older servers
// reject with a media_type_header_exception.
type HeaderTransport struct {
	Base      http.RoundTripper
	mediaType string
}

// NewHeaderTransport wraps base (http.DefaultTransport when nil).
func NewHeaderTransport(base http.RoundTripper, version string) *HeaderTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &HeaderTransport{Base: base, mediaType: MediaType(version)}
}

// MediaType returns the pinned media type.
func (t *HeaderTransport) MediaType() string { return t.mediaType }

// RoundTrip implements http.RoundTripper.
func (t *HeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Accept", t.mediaType)
	r.Header.Set("Content-Type", t.mediaType)
	return t.Base.RoundTrip(r)
}
