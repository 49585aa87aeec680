// Package urlutil provides URL normalization and crawl-scope helpers.
package urlutil

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrEmptyURL is returned when normalizing an empty string.
var ErrEmptyURL = errors.New("cannot normalize empty URL")

// Normalize returns the comparison key for rawURL. Two URLs with the same key
// are the same page for deduplication purposes.
//
// Normalization:
//   - lowercases the scheme and host
//   - drops the default port (:80 for http, :443 for https)
//   - strips the fragment
//   - strips a trailing slash, except for the root path
//   - maps an empty path to "/"
//
// Query parameters and path case are preserved.
func Normalize(rawURL string) (string, error) {
	if rawURL == "" {
		return "", ErrEmptyURL
	}

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("normalize URL %q: %w", rawURL, err)
	}
	return NormalizeURL(parsed)
}

// NormalizeURL is Normalize for an already parsed URL. u is not modified.
func NormalizeURL(u *url.URL) (string, error) {
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("normalize URL %q: URL must have both scheme and host", u.String())
	}

	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = stripDefaultPort(n.Scheme, strings.ToLower(n.Host))
	n.Fragment = ""
	n.RawFragment = ""
	n.User = nil

	switch {
	case n.Path == "":
		n.Path = "/"
		n.RawPath = ""
	case n.Path != "/" && strings.HasSuffix(n.Path, "/"):
		n.Path = strings.TrimRight(n.Path, "/")
		if n.Path == "" {
			n.Path = "/"
		}
		n.RawPath = ""
	}

	return n.String(), nil
}

func stripDefaultPort(scheme, host string) string {
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		return strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		return strings.TrimSuffix(host, ":443")
	}
	return host
}
