package storage

import (
	"sync"

	"github.com/sirupsen/logrus"

	"bitcrawler/pkg/models"
)

// Recorder archives one crawl as it runs. It satisfies the crawler's result observer
// interfaces: CrawlStarted learns the crawl ID, ObservePage stores each page, Finish
// stores the final metadata.
type Recorder struct {
	archive ResultArchive
	log     *logrus.Entry

	mu      sync.Mutex
	crawlID string
	saved   int
	failed  int
}

// NewRecorder creates a Recorder writing into archive
func NewRecorder(archive ResultArchive, log *logrus.Entry) *Recorder {
	return &Recorder{archive: archive, log: log}
}

// CrawlStarted stores the initial metadata so a crash still leaves a crawl record
func (r *Recorder) CrawlStarted(meta models.CrawlMetadata) {
	r.mu.Lock()
	r.crawlID = meta.CrawlID
	r.mu.Unlock()
	if err := r.archive.SaveCrawl(meta); err != nil {
		r.log.Warnf("Failed to archive crawl record: %v", err)
	}
}

// ObservePage archives result under the current crawl. Errors are logged, never returned.
func (r *Recorder) ObservePage(result models.PageResult) {
	r.mu.Lock()
	crawlID := r.crawlID
	r.mu.Unlock()
	if crawlID == "" {
		r.log.WithField("url", result.URL).Warn("Page observed before crawl start, not archived")
		return
	}

	err := r.archive.SaveResult(crawlID, result)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed++
		r.log.WithField("url", result.URL).Warnf("Failed to archive page result: %v", err)
		return
	}
	r.saved++
}

// Finish stores the final crawl metadata
func (r *Recorder) Finish(meta models.CrawlMetadata) error {
	return r.archive.SaveCrawl(meta)
}

// Stats returns how many pages were archived and how many saves failed
func (r *Recorder) Stats() (saved, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved, r.failed
}
