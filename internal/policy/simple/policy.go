// Package simple contains the upstream URL policy shared by the prober and proxy.
package simple

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsupportedURL is returned for URLs the service refuses to fetch.
var ErrUnsupportedURL = errors.New("unsupported url")

// Policy accepts absolute http and https URLs.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// AllowFetch parses rawURL and rejects anything that is not an absolute
// http(s) URL with a host.
func (Policy) AllowFetch(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrUnsupportedURL)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrUnsupportedURL)
	}
	return u, nil
}
