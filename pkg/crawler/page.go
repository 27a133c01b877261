package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"bitcrawler/pkg/config"
	"bitcrawler/pkg/fetch"
	"bitcrawler/pkg/models"
	"bitcrawler/pkg/parse"
	"bitcrawler/pkg/process"
	"bitcrawler/pkg/utils"
)

// RobotsChecker answers robots.txt questions for a page fetch.
// *fetch.RobotsHandler satisfies it.
type RobotsChecker interface {
	IsAllowed(ctx context.Context, targetURL *url.URL, userAgent string) bool
	CrawlDelay(ctx context.Context, targetURL *url.URL, userAgent string) time.Duration
}

// PageFetcher turns one URL into one PageResult.
// It never touches crawl state; everything it learns is returned in the result.
type PageFetcher struct {
	transport fetch.Transport
	extractor process.LinkExtractor
	robots    RobotsChecker
	log       *logrus.Entry
}

// NewPageFetcher creates a PageFetcher. robots may be nil when no policy respects robots.txt.
func NewPageFetcher(transport fetch.Transport, extractor process.LinkExtractor, robots RobotsChecker, log *logrus.Entry) *PageFetcher {
	return &PageFetcher{transport: transport, extractor: extractor, robots: robots, log: log}
}

type transportResult struct {
	resp *fetch.Response
	err  error
}

// Fetch runs the page state machine for item.URL, which must be an absolute canonical URL.
// Terminal states: RobotsDisallowed, Timeout, FetchError, Success (with links when text/html below 400).
func (pf *PageFetcher) Fetch(ctx context.Context, item models.WorkItem, policy *config.CrawlPolicy) (result models.PageResult) {
	start := time.Now()
	taskLog := pf.log.WithFields(logrus.Fields{"url": item.URL, "depth": item.Depth})
	result = models.PageResult{URL: item.URL, Depth: item.Depth, FetchedAt: start}

	defer func() {
		if r := recover(); r != nil {
			taskLog.WithField("panic_info", r).Error("PANIC recovered in page fetch")
			result = pf.fetchError(result, fmt.Errorf("panic: %v", r))
		}
		result.Duration = time.Since(start)
		pf.logOutcome(taskLog, &result)
	}()

	targetURL, err := parse.ParseHTTPURL(item.URL)
	if err != nil {
		return pf.fetchError(result, err)
	}

	if policy.RespectRobots && pf.robots != nil {
		allowed := pf.robots.IsAllowed(ctx, targetURL, policy.UserAgent)
		result.RobotsAllowed = &allowed
		if !allowed {
			result.Outcome = models.Outcome{
				Kind:          models.OutcomeRobotsDisallowed,
				Err:           fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, item.URL),
				ErrorCategory: utils.CategorizeError(utils.ErrRobotsDisallowed),
			}
			result.Outcome.ErrorMessage = result.Outcome.Err.Error()
			result.Message = fmt.Sprintf("URL %s is disallowed by robots.txt for %q.", item.URL, policy.UserAgent)
			return result
		}
	}

	resp, err := pf.get(ctx, item.URL, policy)
	if err != nil {
		if errors.Is(err, utils.ErrFetchTimeout) {
			result.Outcome = models.Outcome{
				Kind:          models.OutcomeTimeout,
				Err:           err,
				ErrorMessage:  err.Error(),
				ErrorCategory: utils.CategorizeError(err),
			}
			result.Message = fmt.Sprintf("Fetching %s timed out after %v.", item.URL, policy.FetchTimeout)
			return result
		}
		return pf.fetchError(result, err)
	}

	mediaType, params := parse.ParseMediaType(resp.Header.Get("Content-Type"))
	result.Outcome = models.Outcome{
		Kind:          models.OutcomeSuccess,
		StatusCode:    resp.StatusCode,
		ContentType:   mediaType,
		ContentParams: params,
		Body:          resp.Body,
		ContentHash:   utils.BodySHA256(resp.Body),
	}
	landed := item.URL
	if resp.FinalURL != "" && resp.FinalURL != item.URL {
		result.FinalURL = resp.FinalURL
		landed = resp.FinalURL
	}
	if resp.Truncated {
		taskLog.Warnf("Body truncated at %d bytes", policy.Transport.MaxBodyBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Message = fmt.Sprintf("URL %s returned a %d status code.", item.URL, resp.StatusCode)
	}
	if !result.IsOK() {
		return result
	}
	if mediaType != "text/html" || pf.extractor == nil {
		return result
	}

	hrefs, err := pf.extractor.ExtractHrefs(resp.Body)
	if err != nil {
		taskLog.WithField("error_type", utils.CategorizeError(err)).Warnf("Link extraction failed: %v", err)
		result.Message = fmt.Sprintf("Could not extract links from %s: %v", item.URL, err)
		return result
	}
	// Relative hrefs join the origin of the page, not its path: "about" on /docs/page is /about
	result.Links = parse.FilterValid(parse.Resolve(originOf(landed), hrefs))
	return result
}

// get issues the request and enforces policy.FetchTimeout even against a transport that ignores its context
func (pf *PageFetcher) get(ctx context.Context, rawURL string, policy *config.CrawlPolicy) (*fetch.Response, error) {
	fetchCtx := ctx
	if policy.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, policy.FetchTimeout)
		defer cancel()
	}

	opts := fetch.RequestOptions{
		Headers:          requestHeaders(policy),
		DisableRedirects: policy.Transport.DisableRedirects,
		MaxBodyBytes:     policy.Transport.MaxBodyBytes,
	}

	done := make(chan transportResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- transportResult{err: fmt.Errorf("transport panic: %v", r)}
			}
		}()
		resp, err := pf.transport.Get(fetchCtx, rawURL, opts)
		done <- transportResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", utils.ErrFetchTimeout, rawURL, res.err)
		}
		if res.err == nil && res.resp == nil {
			return nil, fmt.Errorf("%w: %s: transport returned no response", utils.ErrFetch, rawURL)
		}
		return res.resp, res.err
	case <-fetchCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %v", utils.ErrFetchTimeout, rawURL, policy.FetchTimeout)
	}
}

// requestHeaders merges configured headers; the policy's user agent always wins
func requestHeaders(policy *config.CrawlPolicy) http.Header {
	headers := make(http.Header, len(policy.Transport.Headers)+1)
	for k, v := range policy.Transport.Headers {
		headers.Set(k, v)
	}
	headers.Set("User-Agent", policy.UserAgent)
	return headers
}

func (pf *PageFetcher) fetchError(result models.PageResult, cause error) models.PageResult {
	err := cause
	if !errors.Is(cause, utils.ErrFetch) && !errors.Is(cause, context.Canceled) {
		err = fmt.Errorf("%w: %w", utils.ErrFetch, cause)
	}
	result.Outcome = models.Outcome{
		Kind:          models.OutcomeFetchError,
		Err:           err,
		ErrorMessage:  err.Error(),
		ErrorCategory: utils.CategorizeError(cause),
	}
	result.Links = nil
	result.Message = fmt.Sprintf("An error occurred while attempting to fetch %s: %v", result.URL, cause)
	return result
}

func (pf *PageFetcher) logOutcome(taskLog *logrus.Entry, result *models.PageResult) {
	fields := logrus.Fields{
		"outcome":  result.Outcome.Kind.String(),
		"duration": result.Duration.String(),
	}
	switch result.Outcome.Kind {
	case models.OutcomeSuccess:
		fields["status"] = result.Outcome.StatusCode
		fields["links"] = len(result.Links)
		taskLog.WithFields(fields).Debug("Page fetched")
	case models.OutcomeRobotsDisallowed:
		taskLog.WithFields(fields).Info(result.Message)
	default:
		fields["category"] = result.Outcome.ErrorCategory
		taskLog.WithFields(fields).Warn(result.Message)
	}
}
