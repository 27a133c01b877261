package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"bitcrawler/pkg/config"
	"bitcrawler/pkg/parse"
	"bitcrawler/pkg/utils"
)

// SitemapDiscoverer defines the callback interface for handling discovered sitemap URLs
type SitemapDiscoverer interface {
	FoundSitemap(sitemapURL string)
}

// Directives is a parsed robots.txt
type Directives interface {
	IsAllowed(path, userAgent string) bool
	DelayFor(userAgent string) time.Duration
	Sitemaps() []string
}

// DirectiveSource obtains the directives for an origin (scheme://host[:port])
type DirectiveSource interface {
	FetchDirectives(ctx context.Context, origin string) (Directives, error)
}

// robotsEntry is the cached state for one origin. directives is nil when
// robots.txt could not be obtained, which means allow everything with no delay.
type robotsEntry struct {
	directives Directives
	fetchedAt  time.Time
	err        error
}

func (e *robotsEntry) allowed(path, userAgent string) bool {
	if e == nil || e.directives == nil {
		return true
	}
	return e.directives.IsAllowed(path, userAgent)
}

func (e *robotsEntry) delay(userAgent string) time.Duration {
	if e == nil || e.directives == nil {
		return 0
	}
	return max(e.directives.DelayFor(userAgent), 0)
}

// RobotsHandler answers robots.txt questions for any URL, caching directives per origin.
// At most one fetch per origin is in flight; concurrent callers wait for it.
// Any failure to obtain directives fails open and is cached like a success.
type RobotsHandler struct {
	source          DirectiveSource
	cache           *expirable.LRU[string, *robotsEntry]
	inflight        singleflight.Group
	fetchTimeout    time.Duration
	sitemapNotifier SitemapDiscoverer
	fetches         atomic.Int64
	unavailable     atomic.Int64
	log             *logrus.Entry
}

// NewRobotsHandler creates a RobotsHandler. sitemapNotifier may be nil.
// Entries live for cfg.TTL; once cfg.Capacity origins are cached the least recently used is dropped.
func NewRobotsHandler(source DirectiveSource, cfg config.RobotsCacheConfig, sitemapNotifier SitemapDiscoverer, log *logrus.Entry) *RobotsHandler {
	rh := &RobotsHandler{
		source:          source,
		fetchTimeout:    cfg.FetchTimeout,
		sitemapNotifier: sitemapNotifier,
		log:             log.WithField("component", "robots"),
	}
	rh.cache = expirable.NewLRU[string, *robotsEntry](max(cfg.Capacity, 1), rh.dropped, cfg.TTL)
	return rh
}

// Cached returns how many origins currently have directives cached
func (rh *RobotsHandler) Cached() int { return rh.cache.Len() }

func (rh *RobotsHandler) dropped(origin string, _ *robotsEntry) {
	rh.log.WithField("origin", origin).Debug("robots.txt cache entry dropped")
}

// IsAllowed reports whether userAgent may fetch targetURL
func (rh *RobotsHandler) IsAllowed(ctx context.Context, targetURL *url.URL, userAgent string) bool {
	return rh.entryFor(ctx, targetURL).allowed(targetURL.RequestURI(), userAgent)
}

// CrawlDelay returns the Crawl-delay robots.txt mandates for userAgent, or 0
func (rh *RobotsHandler) CrawlDelay(ctx context.Context, targetURL *url.URL, userAgent string) time.Duration {
	return rh.entryFor(ctx, targetURL).delay(userAgent)
}

// Fetches returns how many directive fetches were issued
func (rh *RobotsHandler) Fetches() int64 { return rh.fetches.Load() }

// Unavailable returns how many directive fetches failed and were treated as allow-all
func (rh *RobotsHandler) Unavailable() int64 { return rh.unavailable.Load() }

func (rh *RobotsHandler) entryFor(ctx context.Context, targetURL *url.URL) *robotsEntry {
	origin := parse.OriginOf(targetURL)
	if entry, ok := rh.cache.Get(origin); ok {
		return entry
	}

	ch := rh.inflight.DoChan(origin, func() (any, error) {
		if entry, ok := rh.cache.Get(origin); ok {
			return entry, nil
		}
		entry := rh.fetch(ctx, origin)
		rh.cache.Add(origin, entry)
		return entry, nil
	})

	select {
	case res := <-ch:
		return res.Val.(*robotsEntry)
	case <-ctx.Done():
		// The shared fetch keeps running for other waiters; this caller fails open.
		return nil
	}
}

// fetch runs detached from the caller's cancellation since other callers may be waiting on it
func (rh *RobotsHandler) fetch(ctx context.Context, origin string) *robotsEntry {
	originLog := rh.log.WithField("origin", origin)
	originLog.Debug("Fetching robots.txt...")
	rh.fetches.Add(1)

	fetchCtx := context.WithoutCancel(ctx)
	if rh.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(fetchCtx, rh.fetchTimeout)
		defer cancel()
	}

	directives, err := rh.source.FetchDirectives(fetchCtx, origin)
	if err != nil {
		rh.unavailable.Add(1)
		originLog.WithField("error_type", utils.CategorizeError(err)).Warnf("robots.txt unavailable, allowing all: %v", err)
		return &robotsEntry{fetchedAt: time.Now(), err: fmt.Errorf("%w: %s: %w", utils.ErrRobotsUnavailable, origin, err)}
	}

	if rh.sitemapNotifier != nil {
		sitemaps := directives.Sitemaps()
		if len(sitemaps) > 0 {
			originLog.Infof("Found %d sitemap directive(s)", len(sitemaps))
		}
		for _, sitemapURL := range sitemaps {
			rh.sitemapNotifier.FoundSitemap(sitemapURL)
		}
	}
	return &robotsEntry{directives: directives, fetchedAt: time.Now()}
}

// HTTPDirectiveSource fetches /robots.txt over a Transport and parses it with robotstxt
type HTTPDirectiveSource struct {
	transport    Transport
	userAgent    string
	maxBodyBytes int64
}

// NewHTTPDirectiveSource creates a source that identifies itself as userAgent
func NewHTTPDirectiveSource(transport Transport, userAgent string) *HTTPDirectiveSource {
	return &HTTPDirectiveSource{transport: transport, userAgent: userAgent, maxBodyBytes: 512 << 10}
}

// FetchDirectives follows the robots exclusion protocol: 2xx is parsed, 4xx means
// no restrictions. 5xx and transport errors are returned as errors.
func (s *HTTPDirectiveSource) FetchDirectives(ctx context.Context, origin string) (Directives, error) {
	robotsURL := origin + "/robots.txt"
	headers := http.Header{}
	if s.userAgent != "" {
		headers.Set("User-Agent", s.userAgent)
	}

	resp, err := s.transport.Get(ctx, robotsURL, RequestOptions{Headers: headers, MaxBodyBytes: s.maxBodyBytes})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: %s status %d", utils.ErrServerHTTPError, robotsURL, resp.StatusCode)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		directives, err := ParseDirectives(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", robotsURL, err)
		}
		return directives, nil
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: robots.txt %s: %w", utils.ErrParsing, robotsURL, err)
	}
	return &robotsDirectives{data: data}, nil
}

// ParseDirectives parses robots.txt content directly
func ParseDirectives(body []byte) (Directives, error) {
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: robots.txt: %w", utils.ErrParsing, err)
	}
	return &robotsDirectives{data: data}, nil
}

type robotsDirectives struct {
	data *robotstxt.RobotsData
}

func (d *robotsDirectives) IsAllowed(path, userAgent string) bool {
	return d.data.TestAgent(path, userAgent)
}

func (d *robotsDirectives) DelayFor(userAgent string) time.Duration {
	group := d.data.FindGroup(userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (d *robotsDirectives) Sitemaps() []string {
	return d.data.Sitemaps
}
