package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"gopkg.in/yaml.v3"

	"bitcrawler/pkg/config"
	"bitcrawler/pkg/crawler"
	"bitcrawler/pkg/models"
	"bitcrawler/pkg/orchestrate"
	"bitcrawler/pkg/utils"
)

// maxToolDepth bounds crawl_url, which holds the MCP request open until the crawl ends
const maxToolDepth = 3

// handleListSites handles the list_sites tool
func (s *Server) handleListSites(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys := s.cfg.AppConfig.SiteKeys()
	sites := make([]map[string]interface{}, 0, len(keys))

	for _, key := range keys {
		siteCfg := s.cfg.AppConfig.Sites[key]
		policy := config.GetEffectivePolicy(siteCfg, *s.cfg.AppConfig)
		siteInfo := map[string]interface{}{
			"key":            key,
			"seed_url":       siteCfg.SeedURL,
			"crawl_depth":    policy.CrawlDepth,
			"cross_site":     policy.CrossSite,
			"respect_robots": policy.RespectRobots,
		}

		if meta, ok := s.lastCrawl(key); ok {
			siteInfo["last_crawled"] = meta.CrawlEndTime.Format(time.RFC3339)
			siteInfo["last_total_pages"] = meta.TotalPages
		}

		if job := s.jobManager.GetJobBySite(key); job != nil {
			siteInfo["status"] = string(job.Status)
			siteInfo["job_id"] = job.ID
		}
		siteInfo["running"] = s.jobManager.IsRunning(key)

		sites = append(sites, siteInfo)
	}

	result := map[string]interface{}{
		"sites":       sites,
		"config_path": s.cfg.ConfigPath,
		"total_sites": len(sites),
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCrawlURL handles the crawl_url tool
func (s *Server) handleCrawlURL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seed := request.GetString("url", "")
	if seed == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}

	policy := config.GetEffectivePolicy(config.SiteConfig{}, *s.cfg.AppConfig)
	policy.CrawlDepth = min(max(request.GetInt("depth", 1), 0), maxToolDepth)
	policy.CrossSite = request.GetBool("cross_site", false)
	policy.RespectRobots = request.GetBool("respect_robots", policy.RespectRobots)
	policy.Multithreading = request.GetBool("multithreading", true)

	c := crawler.NewCrawler(s.transport, s.log.WithField("tool", "crawl_url"))
	crawlResult, err := c.Crawl(ctx, seed, policy)
	if err != nil && crawlResult == nil {
		return mcp.NewToolResultError(fmt.Sprintf("crawl failed: %v", err)), nil
	}

	meta := crawlResult.Metadata
	result := map[string]interface{}{
		"crawl_id":    meta.CrawlID,
		"seed_url":    meta.SeedURL,
		"crawl_depth": meta.CrawlDepth,
		"total_pages": meta.TotalPages,
		"outcomes":    meta.Outcomes,
		"pages":       crawler.Summarize(crawlResult.Pages),
	}
	if len(meta.Sitemaps) > 0 {
		result["sitemaps"] = meta.Sitemaps
	}
	if len(meta.Warnings) > 0 {
		result["warnings"] = meta.Warnings
	}
	if err != nil {
		result["canceled"] = true
		result["error_message"] = err.Error()
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCrawlSite handles the crawl_site tool
func (s *Server) handleCrawlSite(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	siteKey := request.GetString("site_key", "")
	if siteKey == "" {
		return mcp.NewToolResultError("site_key parameter is required"), nil
	}

	siteCfg, exists := s.cfg.AppConfig.Sites[siteKey]
	if !exists {
		return mcp.NewToolResultError(fmt.Sprintf("site '%s' not found. Available sites: %v", siteKey, s.cfg.AppConfig.SiteKeys())), nil
	}

	job, created := s.jobManager.CreateJob(siteKey, siteCfg.SeedURL)
	if !created {
		result := map[string]interface{}{
			"status":   "already_running",
			"message":  "A crawl is already in progress for this site",
			"job_id":   job.ID,
			"site_key": siteKey,
		}
		return mcp.NewToolResultText(formatJSON(result)), nil
	}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		s.runCrawlJob(job.ID, siteKey)
	}()

	result := map[string]interface{}{
		"status":   "started",
		"message":  "Crawl started successfully",
		"job_id":   job.ID,
		"site_key": siteKey,
		"seed_url": siteCfg.SeedURL,
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job := s.jobManager.GetJob(jobID)
	if job == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	return mcp.NewToolResultText(formatJSON(jobStatus(job))), nil
}

// handleCancelJob handles the cancel_job tool
func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	if s.jobManager.GetJob(jobID) == nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	cancelled := s.jobManager.CancelJob(jobID)
	result := jobStatus(s.jobManager.GetJob(jobID))
	result["cancelled"] = cancelled
	if !cancelled {
		result["message"] = "Job already finished"
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleListCrawls handles the list_crawls tool
func (s *Server) handleListCrawls(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.cfg.Archive == nil {
		return mcp.NewToolResultError("result archive is not enabled (set enable_archive in config)"), nil
	}
	siteKey := request.GetString("site_key", "")

	crawls, err := s.cfg.Archive.Crawls()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read archive: %v", err)), nil
	}

	entries := make([]map[string]interface{}, 0, len(crawls))
	for _, meta := range crawls {
		if siteKey != "" && meta.SiteKey != siteKey {
			continue
		}
		entry := map[string]interface{}{
			"crawl_id":    meta.CrawlID,
			"site_key":    meta.SiteKey,
			"seed_url":    meta.SeedURL,
			"started_at":  meta.CrawlStartTime.Format(time.RFC3339),
			"total_pages": meta.TotalPages,
			"outcomes":    meta.Outcomes,
			"canceled":    meta.Canceled,
		}
		if !meta.CrawlEndTime.IsZero() {
			entry["ended_at"] = meta.CrawlEndTime.Format(time.RFC3339)
		}
		entries = append(entries, entry)
	}

	result := map[string]interface{}{
		"crawls":       entries,
		"total_crawls": len(entries),
	}
	if siteKey != "" {
		result["site_key"] = siteKey
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

// runCrawlJob runs a crawl job in the background
func (s *Server) runCrawlJob(jobID, siteKey string) {
	s.jobManager.UpdateStatus(jobID, JobStatusRunning, "")
	jobCtx := s.jobManager.GetContext(jobID)

	progress := crawler.ResultObserverFunc(func(models.PageResult) {
		s.jobManager.IncrementProgress(jobID)
	})
	orch := orchestrate.NewOrchestrator(jobCtx, s.cfg.AppConfig, []string{siteKey}, s.log.WithField("job_id", jobID), &orchestrate.Options{
		Transport: s.transport,
		Archive:   s.cfg.Archive,
		Observers: []crawler.ResultObserver{progress},
	})

	results := orch.Run()
	if len(results) == 0 {
		s.jobManager.UpdateStatus(jobID, JobStatusFailed, "no result for site")
		return
	}
	res := results[0]
	s.jobManager.SetResult(jobID, res.Metadata.CrawlID, res.OutputDir, res.Metadata.Outcomes)

	switch {
	case res.Error == nil:
		s.jobManager.UpdateStatus(jobID, JobStatusCompleted, "")
	case errors.Is(res.Error, context.Canceled):
		s.jobManager.UpdateStatus(jobID, JobStatusCancelled, "")
	default:
		s.jobManager.UpdateStatus(jobID, JobStatusFailed, res.Error.Error())
	}
}

// lastCrawl reads the summary a previous crawl of siteKey left in the output directory
func (s *Server) lastCrawl(siteKey string) (models.CrawlMetadata, bool) {
	summaryPath := filepath.Join(s.cfg.AppConfig.OutputBaseDir, utils.SanitizePathComponent(siteKey), crawler.SummaryFilename)

	data, err := os.ReadFile(summaryPath)
	if err != nil {
		return models.CrawlMetadata{}, false
	}

	var meta models.CrawlMetadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		s.log.Debugf("Ignoring unreadable summary %s: %v", summaryPath, err)
		return models.CrawlMetadata{}, false
	}
	return meta, !meta.CrawlEndTime.IsZero()
}

// jobStatus renders a job for get_job_status and cancel_job
func jobStatus(job *Job) map[string]interface{} {
	result := map[string]interface{}{
		"job_id":          job.ID,
		"site_key":        job.SiteKey,
		"seed_url":        job.SeedURL,
		"status":          job.Status,
		"started_at":      job.StartedAt.Format(time.RFC3339),
		"pages_processed": job.PagesProcessed,
	}

	if !job.CompletedAt.IsZero() {
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		result["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
	}
	if job.CrawlID != "" {
		result["crawl_id"] = job.CrawlID
	}
	if job.OutputDir != "" {
		result["output_dir"] = job.OutputDir
	}
	if len(job.Outcomes) > 0 {
		result["outcomes"] = job.Outcomes
	}
	if job.ErrorMessage != "" {
		result["error_message"] = job.ErrorMessage
	}

	return result
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
