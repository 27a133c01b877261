package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"bitcrawler/pkg/config"
	"bitcrawler/pkg/fetch"
	"bitcrawler/pkg/orchestrate"
	"bitcrawler/pkg/storage"
)

const (
	serverName    = "bitcrawler"
	serverVersion = "1.0.0"
)

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig  *config.AppConfig // Must already be validated
	ConfigPath string
	Transport  string // "stdio" or "sse"
	Port       int
	Logger     *logrus.Logger

	// Optional overrides, mostly for tests
	HTTPTransport fetch.Transport
	Archive       storage.ResultArchive
}

// Server exposes crawls as MCP tools
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager
	transport  fetch.Transport
	jobs       sync.WaitGroup
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	mcpServer := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithLogging(),
	)

	log := cfg.Logger.WithField("component", "mcp")
	s := &Server{
		mcpServer:  mcpServer,
		cfg:        cfg,
		log:        log,
		jobManager: NewJobManager(),
		transport:  cfg.HTTPTransport,
	}
	if s.transport == nil {
		s.transport = orchestrate.NewTransport(cfg.AppConfig, log)
	}

	s.registerTools()

	return s, nil
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	listSitesTool := mcp.NewTool("list_sites",
		mcp.WithDescription("List all configured sites available for crawling"),
	)
	s.mcpServer.AddTool(listSitesTool, s.handleListSites)

	crawlURLTool := mcp.NewTool("crawl_url",
		mcp.WithDescription("Crawl from a seed URL and wait for the result. Returns one summary per visited page."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("Absolute http(s) seed URL"),
		),
		mcp.WithNumber("depth",
			mcp.Description("Link-hops to follow from the seed (default: 1, max: 3). 0 fetches only the seed."),
		),
		mcp.WithBoolean("cross_site",
			mcp.Description("Follow links to other registrable domains"),
		),
		mcp.WithBoolean("respect_robots",
			mcp.Description("Honor robots.txt (default: from config)"),
		),
		mcp.WithBoolean("multithreading",
			mcp.Description("Fetch each round's pages concurrently (default: true)"),
		),
	)
	s.mcpServer.AddTool(crawlURLTool, s.handleCrawlURL)

	crawlSiteTool := mcp.NewTool("crawl_site",
		mcp.WithDescription("Start a background crawl for a configured site. Returns immediately with a job ID."),
		mcp.WithString("site_key",
			mcp.Required(),
			mcp.Description("Site key from config file (e.g., 'python_docs')"),
		),
	)
	s.mcpServer.AddTool(crawlSiteTool, s.handleCrawlSite)

	getJobStatusTool := mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the status of a crawl job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by crawl_site"),
		),
	)
	s.mcpServer.AddTool(getJobStatusTool, s.handleGetJobStatus)

	cancelJobTool := mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a running crawl job. Pages already fetched stay in its output."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by crawl_site"),
		),
	)
	s.mcpServer.AddTool(cancelJobTool, s.handleCancelJob)

	listCrawlsTool := mcp.NewTool("list_crawls",
		mcp.WithDescription("List crawls recorded in the result archive"),
		mcp.WithString("site_key",
			mcp.Description("Only list crawls of this site (optional)"),
		),
	)
	s.mcpServer.AddTool(listCrawlsTool, s.handleListCrawls)

	s.log.Infof("Registered %d MCP tools", 6)
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels running jobs and waits for them to write their output, or for ctx
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	for _, job := range s.jobManager.ListJobs() {
		if job.Status.active() {
			s.log.WithFields(logrus.Fields{"job_id": job.ID, "site_key": job.SiteKey}).Info("Cancelling crawl job")
		}
	}
	s.jobManager.CancelAll()

	done := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
