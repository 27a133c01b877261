package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitcrawler/pkg/crawler"
	"bitcrawler/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return cfgPath
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// testSite serves a home page linking to two pages, one of them missing
func testSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><head><title>Home</title></head><body><a href="/a">A</a><a href="/gone">Gone</a></body></html>`)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><head><title>Page A</title></head><body><a href="/">Home</a></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDoValidate_AllSites(t *testing.T) {
	cfgPath := writeConfig(t, `
sites:
  site_a:
    seed_url: "http://a.example/"
  site_b:
    seed_url: "https://b.example/docs"
    crawl_depth: 2
`)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, "", &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "OK: [site_a]")
	assert.Contains(t, stdout.String(), "OK: [site_b]")
	assert.Contains(t, stdout.String(), "Configuration valid")
}

func TestDoValidate_SpecificSiteWithConflicts(t *testing.T) {
	cfgPath := writeConfig(t, `
sites:
  my_site:
    seed_url: "http://example.com/"
    allowed_domains: ["example.org"]
    disallowed_domains: ["example.net"]
`)

	var stdout, stderr bytes.Buffer
	exitCode := doValidate(cfgPath, "my_site", &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "OK: [my_site]")
	assert.Contains(t, stdout.String(), "WARN: [my_site]")
	assert.Contains(t, stdout.String(), "disallowed_domains is ignored")
}

func TestDoValidate_Errors(t *testing.T) {
	cfgPath := writeConfig(t, `
sites:
  existing:
    seed_url: "http://example.com/"
  bad_site:
    seed_url: "ftp://example.com/"
`)

	tests := []struct {
		name       string
		configPath string
		siteKey    string
		wantStderr string
	}{
		{"site not found", cfgPath, "nonexistent", "not found"},
		{"invalid seed", cfgPath, "bad_site", "ERROR: [bad_site]"},
		{"all sites with one invalid", cfgPath, "", "ERROR: [bad_site]"},
		{"config not found", "/nonexistent.yaml", "", "Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			exitCode := doValidate(tt.configPath, tt.siteKey, &stdout, &stderr)
			assert.Equal(t, 1, exitCode)
			assert.Contains(t, stderr.String(), tt.wantStderr)
		})
	}
}

func TestDoListSites(t *testing.T) {
	cfgPath := writeConfig(t, `
default_policy:
  crawl_depth: 3
sites:
  alpha:
    seed_url: "http://alpha.example/"
  beta:
    seed_url: "http://beta.example/"
    crawl_depth: 1
    cross_site: true
    respect_robots: false
`)

	var stdout, stderr bytes.Buffer
	exitCode := doListSites(cfgPath, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	out := stdout.String()
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "Seed: http://beta.example/")
	assert.Contains(t, out, "Depth: 3")
	assert.Contains(t, out, "Depth: 1")
	assert.Contains(t, out, "Cross-site: yes")
	assert.Contains(t, out, "Robots: ignored")
	assert.Less(t, strings.Index(out, "alpha"), strings.Index(out, "beta"), "sorted by key")
}

func TestDoListSites_ConfigNotFound(t *testing.T) {
	var stdout, stderr bytes.Buffer
	exitCode := doListSites("/nonexistent.yaml", &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "Error")
}

func TestParseSiteKeys(t *testing.T) {
	tests := []struct {
		name     string
		site     string
		sites    string
		allSites bool
		want     []string
		wantErr  bool
	}{
		{name: "single site", site: "docs", want: []string{"docs"}},
		{name: "list trims blanks", sites: " a, b ,,c", want: []string{"a", "b", "c"}},
		{name: "sites wins over site", site: "x", sites: "a", want: []string{"a"}},
		{name: "all sites", allSites: true, want: nil},
		{name: "empty list", sites: " , ", wantErr: true},
		{name: "nothing given", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSiteKeys(tt.site, tt.sites, tt.allSites)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDoCrawl_WritesOutputAndArchive(t *testing.T) {
	srv := testSite(t)
	base := t.TempDir()
	archiveDir := filepath.Join(base, "archive")
	cfgPath := writeConfig(t, fmt.Sprintf(`
output_base_dir: %q
enable_archive: true
archive_dir: %q
default_policy:
  crawl_depth: 1
  respect_robots: false
sites:
  local:
    seed_url: %q
`, filepath.Join(base, "out"), archiveDir, srv.URL+"/"))

	exitCode := doCrawl(context.Background(), cfgPath, nil, quietLogger())
	require.Equal(t, 0, exitCode)

	resultsPath := filepath.Join(base, "out", "local", crawler.ResultsFilename)
	f, err := os.Open(resultsPath)
	require.NoError(t, err)
	defer f.Close()

	statuses := make(map[string]int)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r models.PageResult
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		statuses[r.URL] = r.Outcome.StatusCode
	}
	assert.Equal(t, map[string]int{
		srv.URL + "/":     200,
		srv.URL + "/a":    200,
		srv.URL + "/gone": 404,
	}, statuses)
	assert.FileExists(t, filepath.Join(base, "out", "local", crawler.SummaryFilename))

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, doArchive(context.Background(), archiveDir, "", quietLogger(), &stdout, &stderr))
	assert.Contains(t, stdout.String(), "1 crawl(s), 3 page results")
	assert.Contains(t, stdout.String(), "local")
	assert.Contains(t, stdout.String(), "Outcomes: success=3\n")

	stdout.Reset()
	stderr.Reset()
	require.Equal(t, 0, doArchive(context.Background(), archiveDir, "all", quietLogger(), &stdout, &stderr))
	assert.Equal(t, 3, strings.Count(stdout.String(), "\n"))
	assert.Contains(t, stderr.String(), "Exported 3 page results")
}

func TestDoCrawl_Failures(t *testing.T) {
	cfgPath := writeConfig(t, fmt.Sprintf(`
output_base_dir: %q
sites:
  broken:
    seed_url: "not a url"
`, t.TempDir()))

	assert.Equal(t, 1, doCrawl(context.Background(), cfgPath, []string{"broken"}, quietLogger()))
	assert.Equal(t, 1, doCrawl(context.Background(), cfgPath, []string{"missing"}, quietLogger()))
	assert.Equal(t, 1, doCrawl(context.Background(), "/nonexistent.yaml", nil, quietLogger()))
}

func TestDoCrawl_CancelledIsGraceful(t *testing.T) {
	srv := testSite(t)
	cfgPath := writeConfig(t, fmt.Sprintf(`
output_base_dir: %q
sites:
  local:
    seed_url: %q
`, t.TempDir(), srv.URL+"/"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, doCrawl(ctx, cfgPath, []string{"local"}, quietLogger()))
}

func TestDoCrawlURL(t *testing.T) {
	srv := testSite(t)

	var stdout, stderr bytes.Buffer
	exitCode := doCrawlURL(context.Background(), crawlURLOptions{
		Seed:     srv.URL + "/",
		Depth:    1,
		NoRobots: true,
	}, quietLogger(), &stdout, &stderr)
	require.Equal(t, 0, exitCode, stderr.String())

	var summaries []models.PageSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summaries))
	require.Len(t, summaries, 3)
	assert.Equal(t, srv.URL+"/", summaries[0].URL)
	assert.Equal(t, "Home", summaries[0].Title)
	assert.True(t, summaries[0].Allowed)
}

func TestDoCrawlURL_Errors(t *testing.T) {
	tests := []struct {
		name string
		opts crawlURLOptions
		want string
	}{
		{"missing url", crawlURLOptions{}, "-url is required"},
		{"invalid seed", crawlURLOptions{Seed: "mailto:someone@example.com"}, "invalid seed"},
		{"missing config", crawlURLOptions{Seed: "http://example.com/", ConfigPath: "/nonexistent.yaml"}, "read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			exitCode := doCrawlURL(context.Background(), tt.opts, quietLogger(), &stdout, &stderr)
			assert.Equal(t, 1, exitCode)
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}

func TestDoMcpServer_Errors(t *testing.T) {
	cfgPath := writeConfig(t, `
sites:
  docs:
    seed_url: "http://docs.example/"
`)

	tests := []struct {
		name       string
		configPath string
		transport  string
		logLevel   string
		want       string
	}{
		{"invalid log level", cfgPath, "stdio", "loud", "Invalid log level"},
		{"missing config", "/nonexistent.yaml", "stdio", "info", "Error loading config"},
		{"unknown transport", cfgPath, "carrier-pigeon", "error", "unknown transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			exitCode := doMcpServer(tt.configPath, tt.transport, 0, tt.logLevel, &stderr)
			assert.Equal(t, 1, exitCode)
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}

func TestPrintUsageTo(t *testing.T) {
	var buf bytes.Buffer
	printUsageTo(&buf)

	out := buf.String()
	for _, cmd := range []string{"crawl", "crawl-url", "validate", "list-sites", "archive", "mcp-server", "version"} {
		assert.Contains(t, out, cmd)
	}
}

func TestDoWatch(t *testing.T) {
	cfgPath := writeConfig(t, fmt.Sprintf(`
output_base_dir: %q
sites:
  docs:
    seed_url: "http://docs.example/"
`, t.TempDir()))

	assert.Equal(t, 1, doWatch(context.Background(), cfgPath, []string{"missing"}, time.Hour, quietLogger()))
	assert.Equal(t, 1, doWatch(context.Background(), "/nonexistent.yaml", nil, time.Hour, quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, doWatch(ctx, cfgPath, nil, time.Hour, quietLogger()))
}
