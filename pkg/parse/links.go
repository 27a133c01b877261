package parse

import (
	"net/url"
	"strings"
)

// Resolve makes raw hrefs absolute against base.
// Links without a host are joined to base, links with one are kept as written.
// Output is deduplicated by final string, first occurrence wins.
// Links that fail to parse, and every link when base itself is unparsable, pass through unchanged for FilterValid to drop.
func Resolve(base string, rawLinks []string) []string {
	baseURL, baseErr := url.Parse(base)

	seen := make(map[string]struct{}, len(rawLinks))
	resolved := make([]string, 0, len(rawLinks))
	for _, raw := range rawLinks {
		link := raw
		if baseErr == nil {
			if ref, err := url.Parse(raw); err == nil && ref.Host == "" {
				link = baseURL.ResolveReference(ref).String()
			}
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		resolved = append(resolved, link)
	}
	return resolved
}

// FilterValid keeps only well-formed absolute http(s) URLs with a host.
func FilterValid(links []string) []string {
	valid := make([]string, 0, len(links))
	for _, link := range links {
		if _, err := ParseHTTPURL(link); err != nil {
			continue
		}
		valid = append(valid, link)
	}
	return valid
}

// Canonicalize normalizes each valid link with NormalizeURL and deduplicates the result.
// Links that do not parse are dropped.
func Canonicalize(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, link := range links {
		norm, _, err := ParseAndNormalize(link)
		if err != nil {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

// ParseMediaType splits a Content-Type header on the first ";".
// "text/html; charset=utf-8" gives ("text/html", "charset=utf-8"); an empty header gives ("", "").
// Case is preserved, so "Text/HTML" does not compare equal to "text/html".
func ParseMediaType(header string) (mediaType, params string) {
	if strings.TrimSpace(header) == "" {
		return "", ""
	}
	mediaType, params, _ = strings.Cut(header, ";")
	return strings.TrimSpace(mediaType), strings.TrimSpace(params)
}
