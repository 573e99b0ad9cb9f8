package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the trimmed build version.
func Version() string {
	return strings.TrimSpace(version)
}

type headerTransport struct {
	transport http.RoundTripper
	headers   http.Header
	userAgent string
}

// RoundTrip implements http.RoundTripper by stamping the fixed headers on a
// clone of the request.
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	for k, vs := range t.headers {
		if req.Header.Get(k) != "" {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.transport.RoundTrip(req)
}

// HTTPClient returns an http client with the given total timeout. The given
// headers are added to every request that doesn't already set them. A
// User-Agent of SunVault/<version> is used unless headers overrides it.
func HTTPClient(timeout time.Duration, headers http.Header) *http.Client {
	return &http.Client{
		Transport: &headerTransport{
			transport: http.DefaultTransport.(*http.Transport).Clone(),
			headers:   headers.Clone(),
			userAgent: "SunVault/" + Version(),
		},
		Timeout: timeout,
	}
}

// CloseIdleConnections lets http.Client.CloseIdleConnections reach the
// wrapped transport.
func (t *headerTransport) CloseIdleConnections() {
	if ci, ok := t.transport.(interface{ CloseIdleConnections() }); ok {
		ci.CloseIdleConnections()
	}
}
