package parse

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"bitcrawler/pkg/utils"
)

// NormalizeURL returns the canonical string form used for visited-set and frontier keys
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https), turns an empty path into "/" and drops the fragment
// Query strings and trailing slashes are kept since they address distinct resources on general sites
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" && normalized.Opaque == "" {
		normalized.Path = "/"
	}
	normalized.Fragment = ""
	normalized.RawFragment = ""

	return normalized.String()
}

// ParseHTTPURL parses an absolute http(s) URL with a non-empty host
// Anything else wraps utils.ErrInvalidLink
func ParseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: URL %q: %w", utils.ErrInvalidLink, raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: URL %q: unsupported scheme %q", utils.ErrInvalidLink, raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: URL %q: missing host", utils.ErrInvalidLink, raw)
	}
	return u, nil
}

// ParseAndNormalize parses an absolute http(s) URL and normalizes it using NormalizeURL
// Returns the normalized string, the parsed URL object, and any parse error
func ParseAndNormalize(raw string) (string, *url.URL, error) {
	parsed, err := ParseHTTPURL(raw)
	if err != nil {
		return "", nil, err
	}
	return NormalizeURL(parsed), parsed, nil
}

// OriginOf returns scheme://host[:port] with default ports removed, the unit robots directives apply to
func OriginOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	origin := url.URL{Scheme: u.Scheme, Host: u.Host}
	return strings.TrimSuffix(NormalizeURL(&origin), "/")
}
