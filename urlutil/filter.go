package urlutil

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Scope decides whether a URL belongs to the site being audited. Hosts match
// when they share a registrable domain (eTLD+1), so blog.example.com and
// www.example.com are the same site while example.co.uk and other.co.uk are
// not. IP literals and single-label hosts have no registrable domain and are
// compared by host:port instead.
type Scope struct {
	site string
}

// NewScope builds a Scope anchored at startURL.
func NewScope(startURL string) (*Scope, error) {
	parsed, err := url.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("parse start URL %q: %w", startURL, err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("start URL %q has no host", startURL)
	}
	return &Scope{site: siteKey(parsed)}, nil
}

// Contains reports whether rawURL is in scope.
func (s *Scope) Contains(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	return siteKey(parsed) == s.site
}

// Site returns the key every in-scope URL shares.
func (s *Scope) Site() string {
	return s.site
}

// IsSameSite reports whether targetURL and baseURL share a registrable domain.
func IsSameSite(targetURL, baseURL string) bool {
	scope, err := NewScope(baseURL)
	if err != nil {
		return false
	}
	return scope.Contains(targetURL)
}

func siteKey(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if net.ParseIP(host) != nil {
		return hostPort(u)
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// localhost and other hosts without a public suffix
		return hostPort(u)
	}
	return domain
}

func hostPort(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(host, port)
}

// IsHTTPScheme returns true if the URL has an http or https scheme.
// Returns false for empty strings, non-HTTP schemes, or unparseable URLs.
func IsHTTPScheme(rawURL string) bool {
	if rawURL == "" {
		return false
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	scheme := strings.ToLower(parsed.Scheme)
	return scheme == "http" || scheme == "https"
}

// ResolveReference resolves a possibly-relative ref URL against a base URL.
// Protocol-relative refs ("//host/path") take the base scheme.
func ResolveReference(base string, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL %q: %w", base, err)
	}

	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse ref URL %q: %w", ref, err)
	}

	return baseURL.ResolveReference(refURL).String(), nil
}
