package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"bitcrawler/pkg/parse"
	"bitcrawler/pkg/utils"
)

// Validate applies defaults to a CrawlPolicy and reports conflicts as warnings.
// It never returns an error: a conflicting policy is resolved by the priority
// rules and the crawl proceeds. Modifies receiver in place.
func (p *CrawlPolicy) Validate() (warnings []string, err error) {
	conflict := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf("%v: %s", utils.ErrConfigConflict, fmt.Sprintf(format, args...)))
	}

	if strings.TrimSpace(p.UserAgent) == "" {
		p.UserAgent = DefaultUserAgent
	}

	if p.CrawlDepth < 0 {
		conflict("crawl_depth cannot be negative (%d), using 0", p.CrawlDepth)
		p.CrawlDepth = 0
	}

	p.AllowedDomains = cleanDomains(p.AllowedDomains)
	p.DisallowedDomains = cleanDomains(p.DisallowedDomains)
	if len(p.AllowedDomains) > 0 && len(p.DisallowedDomains) > 0 {
		conflict("allowed_domains and disallowed_domains are both set, disallowed_domains is ignored")
	}
	if !p.CrossSite && (len(p.AllowedDomains) > 0 || len(p.DisallowedDomains) > 0) {
		conflict("domain lists have no effect unless cross_site is enabled")
	}

	var selectors []string
	for _, sel := range p.LinkSelectors {
		if sel = strings.TrimSpace(sel); sel != "" {
			selectors = append(selectors, sel)
		}
	}
	p.LinkSelectors = selectors

	if p.CrawlDelay < 0 {
		conflict("crawl_delay cannot be negative, using 0")
		p.CrawlDelay = 0
	}
	if p.Multithreading && p.CrawlDelay > 0 {
		warnings = append(warnings, "crawl_delay only applies when multithreading is disabled")
	}

	if p.MaxConcurrentFetches <= 0 {
		p.MaxConcurrentFetches = 100
	}

	if p.FetchTimeout <= 0 {
		p.FetchTimeout = 30 * time.Second
	}

	if p.Transport.MaxBodyBytes <= 0 {
		p.Transport.MaxBodyBytes = 10 << 20
	}

	r := &p.Robots
	if r.Capacity <= 0 {
		r.Capacity = 100
	}
	if r.TTL <= 0 {
		r.TTL = time.Hour
	}
	if r.FetchTimeout <= 0 {
		r.FetchTimeout = 10 * time.Second
	}

	return warnings, nil
}

// Workers is the number of page fetches a round may run at once
func (p *CrawlPolicy) Workers() int {
	if !p.Multithreading || p.MaxConcurrentFetches < 1 {
		return 1
	}
	return p.MaxConcurrentFetches
}

func cleanDomains(domains []string) []string {
	if len(domains) == 0 {
		return nil
	}
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.MaxConcurrentSites <= 0 {
		c.MaxConcurrentSites = 2
	}

	if c.OutputBaseDir == "" {
		warnings = append(warnings, "output_base_dir is empty, defaulting to './crawl_output'")
		c.OutputBaseDir = "./crawl_output"
	}

	if c.EnableArchive && c.ArchiveDir == "" {
		warnings = append(warnings, "enable_archive is true but archive_dir is empty, defaulting to './crawl_archive'")
		c.ArchiveDir = "./crawl_archive"
	}

	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}
	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	c.validateHTTPClientSettings()

	policyWarnings, _ := c.DefaultPolicy.Validate()
	for _, w := range policyWarnings {
		warnings = append(warnings, "default_policy: "+w)
	}

	return warnings, nil // AppConfig validation never fails fatally
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

// Validate checks a site entry. A missing or malformed seed_url is fatal for that site.
func (c *SiteConfig) Validate() (warnings []string, err error) {
	if strings.TrimSpace(c.SeedURL) == "" {
		return nil, fmt.Errorf("%w: site has no seed_url", utils.ErrConfigValidation)
	}
	if _, err := parse.ParseHTTPURL(c.SeedURL); err != nil {
		return nil, fmt.Errorf("%w: seed_url: %w", utils.ErrConfigValidation, err)
	}

	if c.CrawlDepth != nil && *c.CrawlDepth < 0 {
		warnings = append(warnings, "site crawl_depth cannot be negative, setting to 0")
		zero := 0
		c.CrawlDepth = &zero
	}
	if c.MaxConcurrentFetches < 0 {
		warnings = append(warnings, "site max_concurrent_fetches cannot be negative, ignoring override")
		c.MaxConcurrentFetches = 0
	}

	return warnings, nil
}

// SiteKeys returns the configured site keys in sorted order
func (c *AppConfig) SiteKeys() []string {
	keys := make([]string, 0, len(c.Sites))
	for k := range c.Sites {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
