package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"bitcrawler/pkg/config"
	"bitcrawler/pkg/crawler"
	"bitcrawler/pkg/fetch"
	"bitcrawler/pkg/models"
	"bitcrawler/pkg/storage"
)

// SiteResult contains the result of crawling a single site
type SiteResult struct {
	SiteKey   string
	Success   bool
	Error     error
	Metadata  models.CrawlMetadata
	OutputDir string
	Duration  time.Duration
}

// Options overrides the resources an Orchestrator would otherwise build from AppConfig
type Options struct {
	Transport fetch.Transport          // Defaults to an HTTPTransport over AppConfig.HTTPClientSettings
	Archive   storage.ResultArchive    // Defaults to none; the caller keeps ownership
	Observers []crawler.ResultObserver // Added to every site's crawl after the output and archive observers
}

// Orchestrator crawls several configured sites, at most AppConfig.MaxConcurrentSites at a time.
// Every site gets its own Crawl call; the transport and archive are shared.
type Orchestrator struct {
	appCfg   *config.AppConfig
	log      *logrus.Entry
	siteKeys []string

	transport     fetch.Transport
	archive       storage.ResultArchive
	observers     []crawler.ResultObserver
	siteSemaphore *semaphore.Weighted

	results   []SiteResult
	resultsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTransport builds the shared HTTP transport described by appCfg
func NewTransport(appCfg *config.AppConfig, log *logrus.Entry) *fetch.HTTPTransport {
	client := fetch.NewClient(appCfg.HTTPClientSettings, log)
	return fetch.NewHTTPTransport(client, fetch.RetryConfig{
		MaxRetries:   appCfg.MaxRetries,
		InitialDelay: appCfg.InitialRetryDelay,
		MaxDelay:     appCfg.MaxRetryDelay,
	}, log)
}

// NewOrchestrator creates an orchestrator for siteKeys. appCfg must already be validated. opts may be nil.
func NewOrchestrator(ctx context.Context, appCfg *config.AppConfig, siteKeys []string, log *logrus.Entry, opts *Options) *Orchestrator {
	ctx, cancel := context.WithCancel(ctx)

	o := &Orchestrator{
		appCfg:        appCfg,
		log:           log,
		siteKeys:      siteKeys,
		siteSemaphore: semaphore.NewWeighted(int64(max(appCfg.MaxConcurrentSites, 1))),
		results:       make([]SiteResult, 0, len(siteKeys)),
		ctx:           ctx,
		cancel:        cancel,
	}
	if opts != nil {
		o.transport = opts.Transport
		o.archive = opts.Archive
		o.observers = opts.Observers
	}
	if o.transport == nil {
		o.transport = NewTransport(appCfg, log)
	}
	return o
}

// Run crawls all sites and waits for completion. Results are ordered by site key.
func (o *Orchestrator) Run() []SiteResult {
	defer o.cancel()
	startTime := time.Now()
	o.log.Infof("Starting crawl of %d site(s), %d at a time: %v", len(o.siteKeys), o.appCfg.MaxConcurrentSites, o.siteKeys)

	var wg sync.WaitGroup
	for _, siteKey := range o.siteKeys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			result := o.runSite(key)
			o.resultsMu.Lock()
			o.results = append(o.results, result)
			o.resultsMu.Unlock()
		}(siteKey)
	}
	wg.Wait()

	o.resultsMu.Lock()
	sort.Slice(o.results, func(i, j int) bool { return o.results[i].SiteKey < o.results[j].SiteKey })
	results := append([]SiteResult(nil), o.results...)
	o.resultsMu.Unlock()

	o.logSummary(results, time.Since(startTime))
	return results
}

func (o *Orchestrator) runSite(siteKey string) SiteResult {
	if err := o.siteSemaphore.Acquire(o.ctx, 1); err != nil {
		return SiteResult{SiteKey: siteKey, Error: fmt.Errorf("site '%s' not started: %w", siteKey, err)}
	}
	defer o.siteSemaphore.Release(1)
	return o.crawlSite(siteKey)
}

// crawlSite crawls a single site and writes its output directory
func (o *Orchestrator) crawlSite(siteKey string) SiteResult {
	startTime := time.Now()
	result := SiteResult{SiteKey: siteKey}
	siteLog := o.log.WithField("site_key", siteKey)

	siteCfg, exists := o.appCfg.Sites[siteKey]
	if !exists {
		result.Error = fmt.Errorf("site '%s' not found in configuration", siteKey)
		siteLog.Error(result.Error)
		return result
	}
	warnings, err := siteCfg.Validate()
	if err != nil {
		result.Error = fmt.Errorf("site '%s': %w", siteKey, err)
		siteLog.Error(result.Error)
		return result
	}
	for _, w := range warnings {
		siteLog.Warn(w)
	}

	policy := config.GetEffectivePolicy(siteCfg, *o.appCfg)

	output := crawler.NewOutputManager(siteLog, o.appCfg.OutputBaseDir, siteKey)
	if err := output.Open(); err != nil {
		result.Error = fmt.Errorf("site '%s': %w", siteKey, err)
		siteLog.Error(result.Error)
		return result
	}
	result.OutputDir = output.Dir()
	observers := []crawler.ResultObserver{output}

	var recorder *storage.Recorder
	if o.archive != nil {
		recorder = storage.NewRecorder(o.archive, siteLog)
		observers = append(observers, recorder)
	}
	observers = append(observers, o.observers...)

	c := crawler.NewCrawlerWithOptions(o.transport, o.log, &crawler.CrawlerOptions{
		Observers: observers,
		SiteKey:   siteKey,
	})

	crawlResult, crawlErr := c.Crawl(o.ctx, siteCfg.SeedURL, policy)
	if crawlResult != nil {
		result.Metadata = crawlResult.Metadata
		if err := output.Close(crawlResult.Metadata); err != nil {
			siteLog.Errorf("Failed to write crawl summary: %v", err)
		}
		if recorder != nil {
			if err := recorder.Finish(crawlResult.Metadata); err != nil {
				siteLog.Warnf("Failed to archive crawl record: %v", err)
			}
			saved, failed := recorder.Stats()
			siteLog.WithFields(logrus.Fields{"saved": saved, "failed": failed}).Info("Archived page results")
		}
		siteLog.Debugf("Wrote %d page(s) to %s", output.PagesWritten(), output.Dir())
	}

	result.Duration = time.Since(startTime)
	if crawlErr != nil {
		result.Error = crawlErr
		siteLog.Errorf("Crawl failed: %v", crawlErr)
		return result
	}
	result.Success = true
	return result
}

// Cancel cancels all running crawls. Sites already crawling keep their partial results.
func (o *Orchestrator) Cancel() {
	o.log.Info("Cancelling all crawls...")
	o.cancel()
}

// logSummary logs a summary of all crawl results
func (o *Orchestrator) logSummary(results []SiteResult, totalDuration time.Duration) {
	o.log.Info("============================================")
	o.log.Infof("Crawl of %d site(s) completed in %v", len(results), totalDuration)

	totalPages := 0
	totalFailed := 0
	successCount := 0
	for _, r := range results {
		status := "SUCCESS"
		if r.Success {
			successCount++
		} else {
			status = "FAILED"
		}
		totalPages += r.Metadata.TotalPages
		failed := r.Metadata.Outcomes.Failures()
		totalFailed += failed

		o.log.Infof("  %s: %s - %d pages (%d failed to fetch) in %v", r.SiteKey, status, r.Metadata.TotalPages, failed, r.Duration)
		for _, kind := range models.AllOutcomeKinds() {
			if n := r.Metadata.Outcomes[kind.String()]; n > 0 {
				o.log.Infof("    %-18s %d", kind, n)
			}
		}
		if r.Error != nil {
			o.log.Infof("    Error: %v", r.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d sites (%d success, %d failed), %d pages, %d page fetches failed",
		len(results), successCount, len(results)-successCount, totalPages, totalFailed)
	o.log.Info("============================================")
}

// ValidateSiteKeys checks that all provided site keys exist in the config
func ValidateSiteKeys(appCfg *config.AppConfig, siteKeys []string) error {
	for _, key := range siteKeys {
		if _, exists := appCfg.Sites[key]; !exists {
			return fmt.Errorf("site '%s' not found. Available sites: %v", key, appCfg.SiteKeys())
		}
	}
	return nil
}

// GetAllSiteKeys returns all site keys from the config, sorted
func GetAllSiteKeys(appCfg *config.AppConfig) []string {
	return appCfg.SiteKeys()
}
