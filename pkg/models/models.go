package models

import "time"

// WorkItem represents a URL and the depth of the round it belongs to
type WorkItem struct {
	URL   string
	Depth int
}

// Outcome holds how a single page fetch ended
type Outcome struct {
	Kind          OutcomeKind `json:"kind"`
	StatusCode    int         `json:"status_code,omitempty"`
	ContentType   string      `json:"content_type,omitempty"`   // Media type, e.g. "text/html"
	ContentParams string      `json:"content_params,omitempty"` // e.g. "charset=utf-8"
	Body          []byte      `json:"-"`
	ContentHash   string      `json:"content_hash,omitempty"` // SHA-256 hex of Body
	Err           error       `json:"-"`                      // Cause for Timeout/FetchError
	ErrorMessage  string      `json:"error,omitempty"`
	ErrorCategory string      `json:"error_category,omitempty"`
}

// PageResult is the record produced exactly once per unique URL visited in a crawl.
// It is never modified after the page fetch that created it returns.
type PageResult struct {
	URL           string        `json:"url"`                 // Canonical absolute form
	FinalURL      string        `json:"final_url,omitempty"` // After redirects, when different
	Depth         int           `json:"depth"`
	Outcome       Outcome       `json:"outcome"`
	Links         []string      `json:"links,omitempty"` // Absolute, deduplicated; empty unless an HTML 2xx
	Message       string        `json:"message,omitempty"`
	RobotsAllowed *bool         `json:"robots_allowed,omitempty"` // nil when robots were not consulted
	FetchedAt     time.Time     `json:"fetched_at"`
	Duration      time.Duration `json:"duration_ns"`
}

// IsHTML reports whether the page was fetched successfully as text/html
func (r *PageResult) IsHTML() bool {
	return r.Outcome.Kind == OutcomeSuccess && r.Outcome.ContentType == "text/html"
}

// IsOK reports whether the page was fetched with a status below 400
func (r *PageResult) IsOK() bool {
	return r.Outcome.Kind == OutcomeSuccess && r.Outcome.StatusCode > 0 && r.Outcome.StatusCode < 400
}

// CrawlMetadata holds the summary of one crawl invocation, written as summary.yaml.
type CrawlMetadata struct {
	CrawlID        string         `yaml:"crawl_id"`
	SiteKey        string         `yaml:"site_key,omitempty"`
	SeedURL        string         `yaml:"seed_url"`
	SeedDomain     string         `yaml:"seed_domain"`
	CrawlDepth     int            `yaml:"crawl_depth"`
	CrawlStartTime time.Time      `yaml:"crawl_start_time"`
	CrawlEndTime   time.Time      `yaml:"crawl_end_time"`
	TotalPages     int            `yaml:"total_pages"`
	Outcomes       OutcomeCounts  `yaml:"outcomes"`
	Sitemaps       []string       `yaml:"sitemaps,omitempty"` // Advertised in robots.txt
	Warnings       []string       `yaml:"warnings,omitempty"`
	Canceled       bool           `yaml:"canceled,omitempty"`

	RobotsFetches     int64 `yaml:"robots_fetches,omitempty"`
	RobotsUnavailable int64 `yaml:"robots_unavailable,omitempty"` // Fetches that failed open
}

// PageSummary is a compact projection of a PageResult.
type PageSummary struct {
	URL     string `json:"url" yaml:"url"`
	Status  int    `json:"status,omitempty" yaml:"status,omitempty"`
	Outcome string `json:"outcome" yaml:"outcome"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	Allowed bool   `json:"allowed" yaml:"allowed"`
}
