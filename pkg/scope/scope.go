// Package scope decides which discovered links a crawl may follow.
package scope

import (
	"net"
	"net/url"
	"strings"

	"bitcrawler/pkg/config"
)

// DomainOf returns the last two labels of a URL's host with any port removed.
// "sub.example.co.uk" yields "co.uk"; callers needing public-suffix matching must pre-normalize.
// Returns "" when the URL has no host.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	labels := strings.Split(host, ".")
	if len(labels) > 2 {
		labels = labels[len(labels)-2:]
	}
	return strings.Join(labels, ".")
}

// IsEligible reports whether link may join the next frontier of a crawl seeded in seedDomain.
// Rules, first match wins:
//  1. same domain as the seed
//  2. cross-site disabled: never
//  3. allow list non-empty: only listed domains
//  4. deny list non-empty: all but listed domains
//  5. otherwise any domain
func IsEligible(link, seedDomain string, policy *config.CrawlPolicy) bool {
	domain := DomainOf(link)
	if domain == "" {
		return false
	}
	if domain == seedDomain {
		return true
	}
	if !policy.CrossSite {
		return false
	}
	if len(policy.AllowedDomains) > 0 {
		return containsDomain(policy.AllowedDomains, domain)
	}
	if len(policy.DisallowedDomains) > 0 {
		return !containsDomain(policy.DisallowedDomains, domain)
	}
	return true
}

func containsDomain(list []string, domain string) bool {
	for _, d := range list {
		if strings.EqualFold(strings.TrimSpace(d), domain) {
			return true
		}
	}
	return false
}
