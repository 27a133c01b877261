package crawler

import (
	"context"
	"errors"

	"bitcrawler/pkg/config"
	"bitcrawler/pkg/models"
	"bitcrawler/pkg/process"
)

// ParseFunc shapes the pages of a finished crawl into an application-specific value.
// It is called once, after traversal completes.
type ParseFunc[T any] func(pages []models.PageResult) T

// Identity returns the pages unchanged
func Identity(pages []models.PageResult) []models.PageResult {
	return pages
}

// Summarize projects each page to its URL, status, outcome, title and robots verdict.
// Allowed is true when robots.txt was not consulted.
func Summarize(pages []models.PageResult) []models.PageSummary {
	summaries := make([]models.PageSummary, 0, len(pages))
	for _, p := range pages {
		s := models.PageSummary{
			URL:     p.URL,
			Status:  p.Outcome.StatusCode,
			Outcome: p.Outcome.Kind.String(),
			Allowed: p.RobotsAllowed == nil || *p.RobotsAllowed,
		}
		if p.IsHTML() {
			s.Title = process.ExtractTitle(p.Outcome.Body)
		}
		summaries = append(summaries, s)
	}
	return summaries
}

// Run crawls seed with c and hands the pages to parse.
// Like Crawl, a cancelled ctx still yields the parse of the partial pages alongside ctx.Err().
func Run[T any](ctx context.Context, c *Crawler, seed string, policy config.CrawlPolicy, parse ParseFunc[T]) (T, error) {
	var zero T
	if parse == nil {
		return zero, errors.New("crawler: nil ParseFunc")
	}
	result, err := c.Crawl(ctx, seed, policy)
	if result == nil {
		return zero, err
	}
	return parse(result.Pages), err
}
