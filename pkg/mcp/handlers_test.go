package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitcrawler/pkg/config"
	"bitcrawler/pkg/crawler"
	"bitcrawler/pkg/fetch"
	"bitcrawler/pkg/storage"
)

func intPtr(v int) *int { return &v }

// docsSite serves a three-page site with a robots.txt that blocks /private
func docsSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, `<html><head><title>Home</title></head><body>
			<a href="/guide">Guide</a> <a href="/private">Secret</a> <a href="https://elsewhere.example/">Out</a>
		</body></html>`)
	})
	mux.HandleFunc("/guide", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><head><title>Guide</title></head><body><a href="/">Home</a></body></html>`)
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<title>Private</title>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, seed string, transport fetch.Transport, archive storage.ResultArchive) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	appCfg := &config.AppConfig{
		DefaultPolicy: config.DefaultPolicy(),
		OutputBaseDir: t.TempDir(),
		Sites: map[string]config.SiteConfig{
			"docs": {SeedURL: seed, CrawlDepth: intPtr(1)},
		},
	}
	appCfg.DefaultPolicy.FetchTimeout = 5 * time.Second
	_, err := appCfg.Validate()
	require.NoError(t, err)

	s, err := NewServer(&ServerConfig{
		AppConfig:     appCfg,
		ConfigPath:    "test.yaml",
		Transport:     "stdio",
		Logger:        logger,
		HTTPTransport: transport,
		Archive:       archive,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

// decodeResult unmarshals the text content of a successful tool result
func decodeResult(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, res)
	require.False(t, res.IsError, "tool returned an error: %v", res.Content)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func waitForJob(t *testing.T, s *Server, jobID string) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		job = s.jobManager.GetJob(jobID)
		return job != nil && !job.Status.active()
	}, 10*time.Second, 20*time.Millisecond)
	return job
}

func TestNewServer_RequiresAppConfig(t *testing.T) {
	_, err := NewServer(&ServerConfig{})
	assert.Error(t, err)
}

func TestRun_UnknownTransport(t *testing.T) {
	s := newTestServer(t, "http://docs.example/", &blockingTransport{}, nil)
	s.cfg.Transport = "carrier-pigeon"
	assert.ErrorContains(t, s.Run(), "unknown transport")
}

func TestHandleCrawlURL(t *testing.T) {
	srv := docsSite(t)
	s := newTestServer(t, srv.URL+"/", nil, nil)

	res, err := s.handleCrawlURL(context.Background(), toolRequest("crawl_url", map[string]any{
		"url":   srv.URL + "/",
		"depth": float64(1),
	}))
	require.NoError(t, err)
	out := decodeResult(t, res)

	assert.NotEmpty(t, out["crawl_id"])
	assert.EqualValues(t, 3, out["total_pages"])

	pages := out["pages"].([]any)
	byURL := make(map[string]map[string]any, len(pages))
	for _, p := range pages {
		page := p.(map[string]any)
		byURL[page["url"].(string)] = page
	}
	require.Contains(t, byURL, srv.URL+"/")
	assert.Equal(t, "Home", byURL[srv.URL+"/"]["title"])
	assert.Equal(t, "Guide", byURL[srv.URL+"/guide"]["title"])
	assert.Equal(t, false, byURL[srv.URL+"/private"]["allowed"])
	assert.NotContains(t, byURL, "https://elsewhere.example/", "cross-site link not followed")
}

func TestHandleCrawlURL_Arguments(t *testing.T) {
	srv := docsSite(t)
	s := newTestServer(t, srv.URL+"/", nil, nil)

	tests := []struct {
		name      string
		args      map[string]any
		wantError bool
		wantPages int
	}{
		{name: "missing url", args: map[string]any{}, wantError: true},
		{name: "invalid seed", args: map[string]any{"url": "ftp://docs.example/"}, wantError: true},
		{name: "depth zero", args: map[string]any{"url": srv.URL + "/", "depth": float64(0)}, wantPages: 1},
		{name: "negative depth clamps to zero", args: map[string]any{"url": srv.URL + "/", "depth": float64(-4)}, wantPages: 1},
		{name: "robots ignored", args: map[string]any{"url": srv.URL + "/", "depth": float64(1), "respect_robots": false, "multithreading": false}, wantPages: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.handleCrawlURL(context.Background(), toolRequest("crawl_url", tt.args))
			require.NoError(t, err)
			if tt.wantError {
				assert.True(t, res.IsError)
				return
			}
			out := decodeResult(t, res)
			assert.EqualValues(t, tt.wantPages, out["total_pages"])
		})
	}
}

func TestHandleListSites(t *testing.T) {
	srv := docsSite(t)
	s := newTestServer(t, srv.URL+"/", nil, nil)

	out := decodeResult(t, mustCall(t, s.handleListSites, "list_sites", nil))
	assert.EqualValues(t, 1, out["total_sites"])
	assert.Equal(t, "test.yaml", out["config_path"])
	site := out["sites"].([]any)[0].(map[string]any)
	assert.Equal(t, "docs", site["key"])
	assert.EqualValues(t, 1, site["crawl_depth"])
	assert.NotContains(t, site, "last_crawled")
	assert.Equal(t, false, site["running"])

	// A summary left by a previous crawl is reported
	summaryDir := filepath.Join(s.cfg.AppConfig.OutputBaseDir, "docs")
	require.NoError(t, os.MkdirAll(summaryDir, 0755))
	summary := "crawl_id: abc\nseed_url: " + srv.URL + "/\ncrawl_end_time: 2026-01-02T03:04:05Z\ntotal_pages: 7\n"
	require.NoError(t, os.WriteFile(filepath.Join(summaryDir, crawler.SummaryFilename), []byte(summary), 0644))

	out = decodeResult(t, mustCall(t, s.handleListSites, "list_sites", nil))
	site = out["sites"].([]any)[0].(map[string]any)
	assert.Equal(t, "2026-01-02T03:04:05Z", site["last_crawled"])
	assert.EqualValues(t, 7, site["last_total_pages"])
}

func TestHandleCrawlSite_CompletesAndArchives(t *testing.T) {
	srv := docsSite(t)
	archive, err := storage.NewBadgerStore(t.TempDir(), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })
	s := newTestServer(t, srv.URL+"/", nil, archive)

	out := decodeResult(t, mustCall(t, s.handleCrawlSite, "crawl_site", map[string]any{"site_key": "docs"}))
	assert.Equal(t, "started", out["status"])
	jobID := out["job_id"].(string)

	job := waitForJob(t, s, jobID)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, int64(3), job.PagesProcessed)
	assert.NotEmpty(t, job.CrawlID)
	assert.FileExists(t, filepath.Join(job.OutputDir, crawler.ResultsFilename))

	status := decodeResult(t, mustCall(t, s.handleGetJobStatus, "get_job_status", map[string]any{"job_id": jobID}))
	assert.Equal(t, "completed", status["status"])
	assert.Equal(t, job.CrawlID, status["crawl_id"])

	crawls := decodeResult(t, mustCall(t, s.handleListCrawls, "list_crawls", map[string]any{"site_key": "docs"}))
	assert.EqualValues(t, 1, crawls["total_crawls"])
	entry := crawls["crawls"].([]any)[0].(map[string]any)
	assert.Equal(t, job.CrawlID, entry["crawl_id"])
	assert.EqualValues(t, 3, entry["total_pages"])
}

// blockingTransport never answers until the request context ends
type blockingTransport struct{}

func (blockingTransport) Get(ctx context.Context, _ string, _ fetch.RequestOptions) (*fetch.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandleCrawlSite_AlreadyRunningAndCancel(t *testing.T) {
	s := newTestServer(t, "http://docs.example/", blockingTransport{}, nil)

	first := decodeResult(t, mustCall(t, s.handleCrawlSite, "crawl_site", map[string]any{"site_key": "docs"}))
	jobID := first["job_id"].(string)

	second := decodeResult(t, mustCall(t, s.handleCrawlSite, "crawl_site", map[string]any{"site_key": "docs"}))
	assert.Equal(t, "already_running", second["status"])
	assert.Equal(t, jobID, second["job_id"])

	cancelled := decodeResult(t, mustCall(t, s.handleCancelJob, "cancel_job", map[string]any{"job_id": jobID}))
	assert.Equal(t, true, cancelled["cancelled"])
	assert.Equal(t, "cancelled", cancelled["status"])

	job := waitForJob(t, s, jobID)
	assert.Equal(t, JobStatusCancelled, job.Status)

	again := decodeResult(t, mustCall(t, s.handleCancelJob, "cancel_job", map[string]any{"job_id": jobID}))
	assert.Equal(t, false, again["cancelled"])
}

func TestHandlers_ArgumentErrors(t *testing.T) {
	s := newTestServer(t, "http://docs.example/", blockingTransport{}, nil)

	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]any
	}{
		{"crawl_site missing key", s.handleCrawlSite, nil},
		{"crawl_site unknown site", s.handleCrawlSite, map[string]any{"site_key": "nope"}},
		{"get_job_status missing id", s.handleGetJobStatus, nil},
		{"get_job_status unknown id", s.handleGetJobStatus, map[string]any{"job_id": "nope"}},
		{"cancel_job unknown id", s.handleCancelJob, map[string]any{"job_id": "nope"}},
		{"list_crawls without archive", s.handleListCrawls, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.handler(context.Background(), toolRequest("", tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
		})
	}
}

func mustCall(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := handler(context.Background(), toolRequest(name, args))
	require.NoError(t, err)
	return res
}

func TestFormatJSON(t *testing.T) {
	out := formatJSON(map[string]interface{}{"a": 1})
	assert.JSONEq(t, `{"a": 1}`, out)

	out = formatJSON(map[string]interface{}{"bad": make(chan int)})
	assert.Contains(t, out, "error")
}
