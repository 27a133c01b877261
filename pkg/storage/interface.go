package storage

import (
	"context"
	"io"
	"time"

	"bitcrawler/pkg/models"
)

// ResultArchive keeps crawl results across process restarts.
// Crawls never read it back; it exists for later inspection and export.
type ResultArchive interface {
	// SaveCrawl creates or replaces the metadata record of a crawl
	SaveCrawl(meta models.CrawlMetadata) error

	// SaveResult stores one page result under crawlID. A later save for the same URL replaces it.
	SaveResult(crawlID string, result models.PageResult) error

	// Crawls returns every archived crawl's metadata, oldest first
	Crawls() ([]models.CrawlMetadata, error)

	// ForEach calls fn for each page of crawlID in URL order; an empty crawlID visits every crawl.
	// Iteration stops at the first error fn returns, or when ctx ends.
	ForEach(ctx context.Context, crawlID string, fn func(models.PageResult) error) error

	// ExportJSONL writes the pages ForEach would visit to w, one JSON object per line
	ExportJSONL(ctx context.Context, crawlID string, w io.Writer) (int, error)

	// Count returns the number of archived page results
	Count() int

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}
