package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultUserAgent = "bitcrawler/1.0"

// CrawlPolicy holds every knob of a single crawl invocation
// Call Validate once before the crawl starts; the crawl treats it as read-only afterwards
type CrawlPolicy struct {
	UserAgent               string            `yaml:"user_agent,omitempty"`
	CrawlDepth              int               `yaml:"crawl_depth"` // 0 fetches only the seed
	CrossSite               bool              `yaml:"cross_site"`
	AllowedDomains          []string          `yaml:"allowed_domains,omitempty"`    // Takes priority over DisallowedDomains
	DisallowedDomains       []string          `yaml:"disallowed_domains,omitempty"` // Only consulted with CrossSite
	RespectRobots           bool              `yaml:"respect_robots"`
	RespectRobotsCrawlDelay bool              `yaml:"respect_robots_crawl_delay"`
	CrawlDelay              time.Duration     `yaml:"crawl_delay,omitempty"` // Static delay, sequential mode only
	Multithreading          bool              `yaml:"multithreading"`
	MaxConcurrentFetches    int               `yaml:"max_concurrent_fetches,omitempty"`
	FetchTimeout            time.Duration     `yaml:"fetch_timeout,omitempty"`
	LinkSelectors           []string          `yaml:"link_selectors,omitempty"` // CSS selectors links are taken from; empty = whole page
	Nofollow                bool              `yaml:"nofollow,omitempty"`       // Skip anchors with rel="nofollow"
	Transport               TransportOptions  `yaml:"transport,omitempty"`
	Robots                  RobotsCacheConfig `yaml:"robots,omitempty"`
}

// TransportOptions are handed to the HTTP transport untouched by the crawl logic
type TransportOptions struct {
	Headers          map[string]string `yaml:"headers,omitempty"`
	DisableRedirects bool              `yaml:"disable_redirects,omitempty"`
	MaxBodyBytes     int64             `yaml:"max_body_bytes,omitempty"`
}

// RobotsCacheConfig sizes the per-origin robots.txt cache
type RobotsCacheConfig struct {
	Capacity     int           `yaml:"capacity,omitempty"`
	TTL          time.Duration `yaml:"ttl,omitempty"`
	FetchTimeout time.Duration `yaml:"fetch_timeout,omitempty"`
}

// DefaultPolicy returns the policy used when a caller supplies nothing else
func DefaultPolicy() CrawlPolicy {
	return CrawlPolicy{
		UserAgent:            DefaultUserAgent,
		CrawlDepth:           5,
		RespectRobots:        true,
		MaxConcurrentFetches: 100,
		FetchTimeout:         30 * time.Second,
		Transport: TransportOptions{
			MaxBodyBytes: 10 << 20,
		},
		Robots: RobotsCacheConfig{
			Capacity:     100,
			TTL:          time.Hour,
			FetchTimeout: 10 * time.Second,
		},
	}
}

// SiteConfig holds configuration specific to a single configured seed
// Unset override fields fall back to AppConfig.DefaultPolicy
type SiteConfig struct {
	SeedURL                 string            `yaml:"seed_url"`
	UserAgent               string            `yaml:"user_agent,omitempty"`
	CrawlDepth              *int              `yaml:"crawl_depth,omitempty"`
	CrossSite               *bool             `yaml:"cross_site,omitempty"`
	AllowedDomains          []string          `yaml:"allowed_domains,omitempty"`
	DisallowedDomains       []string          `yaml:"disallowed_domains,omitempty"`
	RespectRobots           *bool             `yaml:"respect_robots,omitempty"`
	RespectRobotsCrawlDelay *bool             `yaml:"respect_robots_crawl_delay,omitempty"`
	CrawlDelay              time.Duration     `yaml:"crawl_delay,omitempty"`
	Multithreading          *bool             `yaml:"multithreading,omitempty"`
	MaxConcurrentFetches    int               `yaml:"max_concurrent_fetches,omitempty"`
	FetchTimeout            time.Duration     `yaml:"fetch_timeout,omitempty"`
	LinkSelectors           []string          `yaml:"link_selectors,omitempty"`
	Nofollow                *bool             `yaml:"nofollow,omitempty"`
	Headers                 map[string]string `yaml:"headers,omitempty"`
}

// AppConfig holds the global application configuration
type AppConfig struct {
	DefaultPolicy      CrawlPolicy           `yaml:"default_policy"`
	MaxConcurrentSites int                   `yaml:"max_concurrent_sites,omitempty"`
	OutputBaseDir      string                `yaml:"output_base_dir"`
	EnableArchive      bool                  `yaml:"enable_archive,omitempty"`
	ArchiveDir         string                `yaml:"archive_dir,omitempty"`
	MaxRetries         int                   `yaml:"max_retries,omitempty"`
	InitialRetryDelay  time.Duration         `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay      time.Duration         `yaml:"max_retry_delay,omitempty"`
	HTTPClientSettings HTTPClientConfig      `yaml:"http_client_settings,omitempty"`
	Sites              map[string]SiteConfig `yaml:"sites"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// Load reads a YAML config file. Keys missing from default_policy keep DefaultPolicy values
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes on top of DefaultPolicy
func Parse(data []byte) (*AppConfig, error) {
	cfg := AppConfig{DefaultPolicy: DefaultPolicy()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// GetEffectivePolicy merges a site's overrides onto the global default policy
// The returned policy owns its slices and header map
func GetEffectivePolicy(siteCfg SiteConfig, appCfg AppConfig) CrawlPolicy {
	p := appCfg.DefaultPolicy
	p.AllowedDomains = append([]string(nil), p.AllowedDomains...)
	p.DisallowedDomains = append([]string(nil), p.DisallowedDomains...)
	p.LinkSelectors = append([]string(nil), p.LinkSelectors...)
	headers := make(map[string]string, len(p.Transport.Headers)+len(siteCfg.Headers))
	for k, v := range p.Transport.Headers {
		headers[k] = v
	}
	for k, v := range siteCfg.Headers {
		headers[k] = v
	}
	p.Transport.Headers = headers

	if siteCfg.UserAgent != "" {
		p.UserAgent = siteCfg.UserAgent
	}
	if siteCfg.CrawlDepth != nil {
		p.CrawlDepth = *siteCfg.CrawlDepth
	}
	if siteCfg.CrossSite != nil {
		p.CrossSite = *siteCfg.CrossSite
	}
	if len(siteCfg.AllowedDomains) > 0 {
		p.AllowedDomains = append([]string(nil), siteCfg.AllowedDomains...)
	}
	if len(siteCfg.DisallowedDomains) > 0 {
		p.DisallowedDomains = append([]string(nil), siteCfg.DisallowedDomains...)
	}
	if siteCfg.RespectRobots != nil {
		p.RespectRobots = *siteCfg.RespectRobots
	}
	if siteCfg.RespectRobotsCrawlDelay != nil {
		p.RespectRobotsCrawlDelay = *siteCfg.RespectRobotsCrawlDelay
	}
	if siteCfg.CrawlDelay > 0 {
		p.CrawlDelay = siteCfg.CrawlDelay
	}
	if siteCfg.Multithreading != nil {
		p.Multithreading = *siteCfg.Multithreading
	}
	if siteCfg.MaxConcurrentFetches > 0 {
		p.MaxConcurrentFetches = siteCfg.MaxConcurrentFetches
	}
	if siteCfg.FetchTimeout > 0 {
		p.FetchTimeout = siteCfg.FetchTimeout
	}
	if len(siteCfg.LinkSelectors) > 0 {
		p.LinkSelectors = append([]string(nil), siteCfg.LinkSelectors...)
	}
	if siteCfg.Nofollow != nil {
		p.Nofollow = *siteCfg.Nofollow
	}
	return p
}
