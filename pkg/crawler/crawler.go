// Package crawler runs depth-bounded crawls: one PageFetcher per URL, one round per depth.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bitcrawler/pkg/config"
	"bitcrawler/pkg/fetch"
	"bitcrawler/pkg/models"
	"bitcrawler/pkg/parse"
	"bitcrawler/pkg/process"
	"bitcrawler/pkg/scope"
	"bitcrawler/pkg/utils"
)

// ResultObserver is notified once for every PageResult recorded into a crawl's visited set.
// Calls come from the goroutine running Crawl, never concurrently for one crawl.
type ResultObserver interface {
	ObservePage(result models.PageResult)
}

// CrawlStarter is implemented by observers that want the crawl's metadata before the first fetch
type CrawlStarter interface {
	CrawlStarted(meta models.CrawlMetadata)
}

// ResultObserverFunc adapts a function to ResultObserver
type ResultObserverFunc func(result models.PageResult)

// ObservePage calls f(result)
func (f ResultObserverFunc) ObservePage(result models.PageResult) { f(result) }

// CrawlerOptions contains optional parameters for NewCrawlerWithOptions
type CrawlerOptions struct {
	// Extractor turns HTML bodies into raw hrefs. Defaults to an HTMLLinkExtractor built from
	// each crawl's policy.LinkSelectors and policy.Nofollow.
	Extractor process.LinkExtractor
	// Robots replaces the per-crawl robots.txt handler, e.g. to share a cache between crawls.
	// Sitemaps are only collected when the crawler builds its own handler.
	Robots RobotsChecker
	// Observers receive each recorded result as soon as its round completes
	Observers []ResultObserver
	// SiteKey labels logs and metadata when the crawl belongs to a configured site
	SiteKey string
}

// Crawler drives breadth-first crawls over a shared Transport.
// A Crawler holds no per-crawl state and may run several crawls at once.
type Crawler struct {
	transport fetch.Transport
	extractor process.LinkExtractor
	robots    RobotsChecker
	observers []ResultObserver
	siteKey   string
	log       *logrus.Entry
}

// CrawlResult is everything a crawl produced
type CrawlResult struct {
	Metadata models.CrawlMetadata
	Pages    []models.PageResult // Ordered by depth, then URL
}

// NewCrawler creates a Crawler with default options
func NewCrawler(transport fetch.Transport, log *logrus.Entry) *Crawler {
	return NewCrawlerWithOptions(transport, log, nil)
}

// NewCrawlerWithOptions creates a Crawler. opts may be nil.
func NewCrawlerWithOptions(transport fetch.Transport, log *logrus.Entry, opts *CrawlerOptions) *Crawler {
	c := &Crawler{
		transport: transport,
		log:       log,
	}
	if opts != nil {
		if opts.Extractor != nil {
			c.extractor = opts.Extractor
		}
		c.robots = opts.Robots
		c.observers = opts.Observers
		c.siteKey = opts.SiteKey
	}
	if c.siteKey != "" {
		c.log = c.log.WithField("site_key", c.siteKey)
	}
	return c
}

// crawlState is owned by the goroutine running Crawl. Fetch goroutines never see it.
type crawlState struct {
	visited    map[string]models.PageResult
	seedDomain string
	sitemaps   *sitemapCollector
	limiter    *fetch.RateLimiter
}

// Crawl fetches seed and follows eligible links breadth-first until policy.CrawlDepth is exhausted
// or no unvisited eligible links remain. Depth 0 fetches only the seed.
//
// Per-URL failures are recorded in the results and never returned. The only error before any
// fetch is an unusable seed (utils.ErrInvalidSeed). If ctx ends, dispatching stops and the
// pages recorded so far are returned along with ctx.Err().
func (c *Crawler) Crawl(ctx context.Context, seed string, policy config.CrawlPolicy) (*CrawlResult, error) {
	seedURL, _, err := parse.ParseAndNormalize(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", utils.ErrInvalidSeed, seed, err)
	}

	warnings, _ := policy.Validate()

	crawlID := uuid.NewString()
	crawlLog := c.log.WithFields(logrus.Fields{"crawl_id": crawlID, "seed": seedURL})
	for _, w := range warnings {
		crawlLog.Warn(w)
	}

	state := &crawlState{
		visited:    make(map[string]models.PageResult),
		seedDomain: scope.DomainOf(seedURL),
		sitemaps:   newSitemapCollector(crawlLog),
		limiter:    fetch.NewRateLimiter(crawlLog),
	}

	robots := c.robots
	if robots == nil && (policy.RespectRobots || policy.RespectRobotsCrawlDelay) {
		source := fetch.NewHTTPDirectiveSource(c.transport, policy.UserAgent)
		robots = fetch.NewRobotsHandler(source, policy.Robots, state.sitemaps, crawlLog)
	}
	extractor := c.extractor
	if extractor == nil {
		extractor = process.NewHTMLLinkExtractor(policy.LinkSelectors, policy.Nofollow)
	}
	pf := NewPageFetcher(c.transport, extractor, robots, crawlLog)

	meta := models.CrawlMetadata{
		CrawlID:        crawlID,
		SiteKey:        c.siteKey,
		SeedURL:        seedURL,
		SeedDomain:     state.seedDomain,
		CrawlDepth:     policy.CrawlDepth,
		CrawlStartTime: time.Now(),
		Warnings:       warnings,
	}
	crawlLog.WithFields(logrus.Fields{
		"crawl_depth": policy.CrawlDepth,
		"workers":     policy.Workers(),
		"cross_site":  policy.CrossSite,
	}).Info("Crawl starting")
	for _, o := range c.observers {
		if starter, ok := o.(CrawlStarter); ok {
			starter.CrawlStarted(meta)
		}
	}

	frontier := []string{seedURL}
	for depth := 0; ; depth++ {
		pending := state.unvisited(frontier)
		if len(pending) == 0 || ctx.Err() != nil {
			break
		}

		roundLog := crawlLog.WithField("depth", depth)
		roundLog.Infof("Round starting: %d URL(s)", len(pending))
		roundStart := time.Now()

		results := c.fetchRound(ctx, pf, robots, state, pending, depth, &policy)
		recorded := 0
		for _, r := range results {
			if ctx.Err() != nil && errors.Is(r.Outcome.Err, ctx.Err()) {
				continue // Never actually fetched
			}
			if _, seen := state.visited[r.URL]; seen {
				continue
			}
			state.visited[r.URL] = r
			recorded++
			for _, o := range c.observers {
				o.ObservePage(r)
			}
		}
		roundLog.WithField("duration", time.Since(roundStart).String()).Infof("Round finished: %d page(s) recorded", recorded)

		if depth >= policy.CrawlDepth || ctx.Err() != nil {
			break
		}
		frontier = state.nextFrontier(results, &policy)
	}

	pages := state.pages()
	meta.CrawlEndTime = time.Now()
	meta.TotalPages = len(pages)
	meta.Outcomes = countOutcomes(pages)
	meta.Sitemaps = state.sitemaps.List()
	meta.Canceled = ctx.Err() != nil
	if rh, ok := robots.(*fetch.RobotsHandler); ok {
		meta.RobotsFetches = rh.Fetches()
		meta.RobotsUnavailable = rh.Unavailable()
		crawlLog.Debugf("robots.txt directives cached for %d origin(s)", rh.Cached())
	}

	summaryLog := crawlLog.WithFields(logrus.Fields{
		"pages":    meta.TotalPages,
		"duration": meta.CrawlEndTime.Sub(meta.CrawlStartTime).String(),
	})
	if meta.Canceled {
		summaryLog.Warnf("Crawl stopped early: %v", ctx.Err())
	} else {
		summaryLog.Info("Crawl finished")
	}

	return &CrawlResult{Metadata: meta, Pages: pages}, ctx.Err()
}

// fetchRound fetches every pending URL and returns one result per URL in pending order.
// Sequential mode paces every dispatch; concurrent mode is bounded by policy.Workers().
func (c *Crawler) fetchRound(ctx context.Context, pf *PageFetcher, robots RobotsChecker, state *crawlState, pending []string, depth int, policy *config.CrawlPolicy) []models.PageResult {
	results := make([]models.PageResult, len(pending))
	dispatched := make([]bool, len(pending))

	if !policy.Multithreading {
		for i, u := range pending {
			if err := c.applyDelay(ctx, robots, state.limiter, u, policy); err != nil {
				break
			}
			results[i] = pf.Fetch(ctx, models.WorkItem{URL: u, Depth: depth}, policy)
			dispatched[i] = true
			state.limiter.UpdateLastRequestTime(sequentialPace)
		}
		return compact(results, dispatched)
	}

	var g errgroup.Group
	g.SetLimit(policy.Workers())
	for i, u := range pending {
		if ctx.Err() != nil {
			break
		}
		dispatched[i] = true
		g.Go(func() error {
			results[i] = pf.Fetch(ctx, models.WorkItem{URL: u, Depth: depth}, policy)
			return nil
		})
	}
	_ = g.Wait() // Fetch never fails; failures live in the results
	return compact(results, dispatched)
}

// sequentialPace is the RateLimiter key shared by every sequential dispatch of a crawl
const sequentialPace = "sequential"

// applyDelay waits max(static delay, robots Crawl-delay of the URL's origin) since the previous
// sequential dispatch, whichever origin that went to. The first dispatch of a crawl is not delayed.
func (c *Crawler) applyDelay(ctx context.Context, robots RobotsChecker, limiter *fetch.RateLimiter, rawURL string, policy *config.CrawlPolicy) error {
	delay := policy.CrawlDelay
	if policy.RespectRobotsCrawlDelay && robots != nil {
		if u, err := parse.ParseHTTPURL(rawURL); err == nil {
			delay = max(delay, robots.CrawlDelay(ctx, u, policy.UserAgent))
		}
	}
	return limiter.ApplyDelay(ctx, sequentialPace, delay)
}

func originOf(rawURL string) string {
	u, err := parse.ParseHTTPURL(rawURL)
	if err != nil {
		return rawURL
	}
	return parse.OriginOf(u)
}

func compact(results []models.PageResult, dispatched []bool) []models.PageResult {
	out := results[:0]
	for i, r := range results {
		if dispatched[i] {
			out = append(out, r)
		}
	}
	return out
}

// unvisited returns the sorted, deduplicated URLs of frontier not yet in the visited set
func (s *crawlState) unvisited(frontier []string) []string {
	seen := make(map[string]struct{}, len(frontier))
	pending := make([]string, 0, len(frontier))
	for _, u := range frontier {
		if _, ok := s.visited[u]; ok {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		pending = append(pending, u)
	}
	sort.Strings(pending)
	return pending
}

// nextFrontier canonicalizes the round's links and keeps those in scope that were never visited
func (s *crawlState) nextFrontier(results []models.PageResult, policy *config.CrawlPolicy) []string {
	var next []string
	seen := make(map[string]struct{})
	for _, r := range results {
		for _, link := range parse.Canonicalize(r.Links) {
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			if _, ok := s.visited[link]; ok {
				continue
			}
			if !scope.IsEligible(link, s.seedDomain, policy) {
				continue
			}
			next = append(next, link)
		}
	}
	return next
}

func (s *crawlState) pages() []models.PageResult {
	pages := make([]models.PageResult, 0, len(s.visited))
	for _, r := range s.visited {
		pages = append(pages, r)
	}
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].Depth != pages[j].Depth {
			return pages[i].Depth < pages[j].Depth
		}
		return pages[i].URL < pages[j].URL
	})
	return pages
}

func countOutcomes(pages []models.PageResult) models.OutcomeCounts {
	counts := make(models.OutcomeCounts)
	for _, p := range pages {
		counts[p.Outcome.Kind.String()]++
	}
	return counts
}

// sitemapCollector implements fetch.SitemapDiscoverer for one crawl
type sitemapCollector struct {
	mu    sync.Mutex
	found map[string]struct{}
	log   *logrus.Entry
}

func newSitemapCollector(log *logrus.Entry) *sitemapCollector {
	return &sitemapCollector{found: make(map[string]struct{}), log: log}
}

// FoundSitemap records a sitemap URL advertised by robots.txt
func (s *sitemapCollector) FoundSitemap(sitemapURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.found[sitemapURL]; exists {
		return
	}
	s.found[sitemapURL] = struct{}{}
	s.log.Debugf("Sitemap advertised: %s", sitemapURL)
}

// List returns the sitemaps seen so far, sorted
func (s *sitemapCollector) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.found) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.found))
	for u := range s.found {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
