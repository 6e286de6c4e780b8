package remote

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint identifies a smart-HTTP repository.
// BaseURL has no trailing slash, query, fragment or userinfo.
type Endpoint struct {
	Raw     string
	BaseURL string
}

// ParseEndpoint parses a remote URL into a canonical endpoint. Only http
// and https are accepted; a trailing "/" is dropped but ".git" is kept.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("remote URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse remote URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return Endpoint{}, fmt.Errorf("remote URL %q must include a scheme", raw)
	default:
		return Endpoint{}, fmt.Errorf("remote URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("remote URL %q must include a host", raw)
	}
	if u.User != nil {
		return Endpoint{}, fmt.Errorf("remote URL %q: credentials are not supported", raw)
	}

	base := *u
	base.Scheme = strings.ToLower(u.Scheme)
	base.RawQuery = ""
	base.Fragment = ""
	base.Path = strings.TrimRight(u.Path, "/")
	base.RawPath = ""
	return Endpoint{
		Raw:     raw,
		BaseURL: base.String(),
	}, nil
}

func (e Endpoint) infoRefsURL() string {
	return e.BaseURL + "/info/refs?service=" + uploadPackService
}

func (e Endpoint) uploadPackURL() string {
	return e.BaseURL + "/" + uploadPackService
}
