package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bitcrawler/pkg/config"
)

func TestDomainOf(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://python.org/", "python.org"},
		{"https://docs.python.org/3/", "python.org"},
		{"http://WWW.Example.COM:8080/x", "example.com"},
		{"http://sub.example.co.uk/", "co.uk"},
		{"http://localhost:3000/", "localhost"},
		{"http://example.com./", "example.com"},
		{"/relative/path", ""},
		{"mailto:someone@example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, DomainOf(tt.url))
		})
	}
}

func TestIsEligible(t *testing.T) {
	tests := []struct {
		name   string
		link   string
		policy config.CrawlPolicy
		want   bool
	}{
		{
			name: "same domain",
			link: "http://python.org/about",
			want: true,
		},
		{
			name: "same domain different subdomain",
			link: "https://docs.python.org/3/",
			want: true,
		},
		{
			name: "other domain without cross site",
			link: "http://yahoo.com/",
			want: false,
		},
		{
			name:   "other domain without cross site ignores allow list",
			link:   "http://yahoo.com/",
			policy: config.CrawlPolicy{AllowedDomains: []string{"yahoo.com"}},
			want:   false,
		},
		{
			name:   "same domain ignores deny list",
			link:   "http://python.org/",
			policy: config.CrawlPolicy{CrossSite: true, DisallowedDomains: []string{"python.org"}},
			want:   true,
		},
		{
			name:   "cross site unrestricted",
			link:   "http://bing.com/",
			policy: config.CrawlPolicy{CrossSite: true},
			want:   true,
		},
		{
			name:   "allow list member",
			link:   "http://yahoo.com/",
			policy: config.CrawlPolicy{CrossSite: true, AllowedDomains: []string{"yahoo.com"}},
			want:   true,
		},
		{
			name:   "allow list non-member",
			link:   "http://bing.com/",
			policy: config.CrawlPolicy{CrossSite: true, AllowedDomains: []string{"yahoo.com"}},
			want:   false,
		},
		{
			name:   "allow list is case insensitive",
			link:   "http://news.YAHOO.com/",
			policy: config.CrawlPolicy{CrossSite: true, AllowedDomains: []string{"Yahoo.com"}},
			want:   true,
		},
		{
			name:   "deny list member",
			link:   "http://bing.com/",
			policy: config.CrawlPolicy{CrossSite: true, DisallowedDomains: []string{"bing.com"}},
			want:   false,
		},
		{
			name:   "deny list non-member",
			link:   "http://yahoo.com/",
			policy: config.CrawlPolicy{CrossSite: true, DisallowedDomains: []string{"bing.com"}},
			want:   true,
		},
		{
			name:   "host-less link",
			link:   "/about",
			policy: config.CrawlPolicy{CrossSite: true},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsEligible(tt.link, "python.org", &tt.policy))
		})
	}
}

func TestIsEligible_AllowListOverridesDenyList(t *testing.T) {
	both := config.CrawlPolicy{
		CrossSite:         true,
		AllowedDomains:    []string{"yahoo.com"},
		DisallowedDomains: []string{"yahoo.com", "bing.com"},
	}
	allowOnly := config.CrawlPolicy{CrossSite: true, AllowedDomains: []string{"yahoo.com"}}

	for _, link := range []string{"http://yahoo.com/", "http://bing.com/", "http://duck.com/", "http://python.org/"} {
		assert.Equal(t, IsEligible(link, "python.org", &allowOnly), IsEligible(link, "python.org", &both), link)
	}
}

func TestIsEligible_TwoLabelHeuristic(t *testing.T) {
	policy := config.CrawlPolicy{}
	// Both hosts collapse to co.uk, so they count as the same site.
	assert.True(t, IsEligible("http://other.co.uk/", DomainOf("http://sub.example.co.uk/"), &policy))
}
