// Package storage turns stored recording locations into fetchable URLs.
package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

// Resolver maps object keys onto the recordings bucket. Absolute http(s) URLs are
// used as given.
type Resolver struct {
	base *url.URL
}

// NewResolver accepts an empty base URL, in which case only absolute locations resolve.
func NewResolver(baseURL string) (*Resolver, error) {
	if baseURL == "" {
		return &Resolver{}, nil
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("recordings base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("recordings base url: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return &Resolver{base: u}, nil
}

// Resolve returns a permanent storage error for locations that can never be fetched.
func (r *Resolver) Resolve(location string) (string, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return "", types.Permanent(types.StageStorage, errors.New("recording location is empty"))
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", types.Permanent(types.StageStorage, fmt.Errorf("recording location: %w", err))
	}
	switch u.Scheme {
	case "http", "https":
		return u.String(), nil
	case "":
	default:
		return "", types.Permanent(types.StageStorage, fmt.Errorf("unsupported recording scheme %q", u.Scheme))
	}
	if r.base == nil {
		return "", types.Permanent(types.StageStorage, fmt.Errorf("relative recording key %q without a base url", location))
	}
	return r.base.ResolveReference(&url.URL{Path: strings.TrimLeft(u.Path, "/")}).String(), nil
}
