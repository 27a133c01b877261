package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitcrawler/pkg/config"
)

// fakeSource counts fetches and serves fixed directives or an error
type fakeSource struct {
	calls atomic.Int32
	delay time.Duration
	body  string
	err   error
}

func (f *fakeSource) FetchDirectives(ctx context.Context, origin string) (Directives, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return ParseDirectives([]byte(f.body))
}

type sitemapRecorder struct {
	mu   sync.Mutex
	urls []string
}

func (s *sitemapRecorder) FoundSitemap(sitemapURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, sitemapURL)
}

func robotsCacheConfig() config.RobotsCacheConfig {
	return config.RobotsCacheConfig{Capacity: 10, TTL: time.Hour, FetchTimeout: 2 * time.Second}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

const sampleRobots = `User-agent: *
Disallow: /private/
Crawl-delay: 2

User-agent: strictbot
Disallow: /

Sitemap: http://a.example/sitemap.xml
`

func TestRobotsHandler_IsAllowed(t *testing.T) {
	source := &fakeSource{body: sampleRobots}
	rh := NewRobotsHandler(source, robotsCacheConfig(), nil, testLogger())
	ctx := context.Background()

	tests := []struct {
		name  string
		url   string
		agent string
		want  bool
	}{
		{"public path", "http://a.example/docs/", "bitcrawler", true},
		{"disallowed path", "http://a.example/private/x", "bitcrawler", false},
		{"disallowed path with query", "http://a.example/private/?q=1", "bitcrawler", false},
		{"agent specific group", "http://a.example/docs/", "strictbot", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rh.IsAllowed(ctx, mustURL(t, tt.url), tt.agent))
		})
	}
	assert.EqualValues(t, 1, source.calls.Load(), "one origin should be fetched once")
}

func TestRobotsHandler_CrawlDelay(t *testing.T) {
	source := &fakeSource{body: sampleRobots}
	rh := NewRobotsHandler(source, robotsCacheConfig(), nil, testLogger())

	assert.Equal(t, 2*time.Second, rh.CrawlDelay(context.Background(), mustURL(t, "http://a.example/"), "bitcrawler"))
	assert.Zero(t, rh.CrawlDelay(context.Background(), mustURL(t, "http://a.example/"), "strictbot"))
}

func TestRobotsHandler_SingleFetchForConcurrentCallers(t *testing.T) {
	source := &fakeSource{body: sampleRobots, delay: 100 * time.Millisecond}
	rh := NewRobotsHandler(source, robotsCacheConfig(), nil, testLogger())

	var wg sync.WaitGroup
	results := make([]bool, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = rh.IsAllowed(context.Background(), mustURL(t, fmt.Sprintf("http://a.example/page/%d", i)), "bitcrawler")
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, source.calls.Load())
	assert.EqualValues(t, 1, rh.Fetches())
	for i, allowed := range results {
		assert.True(t, allowed, "caller %d", i)
	}
}

func TestRobotsHandler_FailsOpenAndCachesFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	rh := NewRobotsHandler(source, robotsCacheConfig(), nil, testLogger())
	ctx := context.Background()
	target := mustURL(t, "http://down.example/private/")

	assert.True(t, rh.IsAllowed(ctx, target, "bitcrawler"))
	assert.Zero(t, rh.CrawlDelay(ctx, target, "bitcrawler"))
	assert.True(t, rh.IsAllowed(ctx, target, "bitcrawler"))

	assert.EqualValues(t, 1, source.calls.Load(), "failure should be cached for the TTL")
	assert.EqualValues(t, 1, rh.Unavailable())
}

func TestRobotsHandler_TTLExpiry(t *testing.T) {
	source := &fakeSource{body: sampleRobots}
	cfg := robotsCacheConfig()
	cfg.TTL = 50 * time.Millisecond
	rh := NewRobotsHandler(source, cfg, nil, testLogger())
	target := mustURL(t, "http://a.example/")

	rh.IsAllowed(context.Background(), target, "bitcrawler")
	time.Sleep(80 * time.Millisecond)
	rh.IsAllowed(context.Background(), target, "bitcrawler")

	assert.EqualValues(t, 2, source.calls.Load())
}

func TestRobotsHandler_CapacityEviction(t *testing.T) {
	source := &fakeSource{body: sampleRobots}
	cfg := robotsCacheConfig()
	cfg.Capacity = 1
	rh := NewRobotsHandler(source, cfg, nil, testLogger())
	ctx := context.Background()

	rh.IsAllowed(ctx, mustURL(t, "http://a.example/"), "bitcrawler")
	rh.IsAllowed(ctx, mustURL(t, "http://b.example/"), "bitcrawler")
	rh.IsAllowed(ctx, mustURL(t, "http://a.example/"), "bitcrawler")

	assert.EqualValues(t, 3, source.calls.Load(), "a.example should have been evicted by b.example")
	assert.Equal(t, 1, rh.Cached())
}

func TestRobotsHandler_OriginIncludesPort(t *testing.T) {
	source := &fakeSource{body: sampleRobots}
	rh := NewRobotsHandler(source, robotsCacheConfig(), nil, testLogger())
	ctx := context.Background()

	rh.IsAllowed(ctx, mustURL(t, "http://a.example/"), "bitcrawler")
	rh.IsAllowed(ctx, mustURL(t, "http://a.example:80/x"), "bitcrawler")
	rh.IsAllowed(ctx, mustURL(t, "http://a.example:8080/"), "bitcrawler")

	assert.EqualValues(t, 2, source.calls.Load())
}

func TestRobotsHandler_CancelledWaiterFailsOpen(t *testing.T) {
	source := &fakeSource{body: "User-agent: *\nDisallow: /\n", delay: 300 * time.Millisecond}
	rh := NewRobotsHandler(source, robotsCacheConfig(), nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, rh.IsAllowed(ctx, mustURL(t, "http://a.example/"), "bitcrawler"))

	// The detached fetch still completes and populates the cache.
	assert.Eventually(t, func() bool {
		return !rh.IsAllowed(context.Background(), mustURL(t, "http://a.example/"), "bitcrawler")
	}, 2*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 1, source.calls.Load())
}

func TestRobotsHandler_NotifiesSitemaps(t *testing.T) {
	source := &fakeSource{body: sampleRobots}
	recorder := &sitemapRecorder{}
	rh := NewRobotsHandler(source, robotsCacheConfig(), recorder, testLogger())

	rh.IsAllowed(context.Background(), mustURL(t, "http://a.example/"), "bitcrawler")

	assert.Equal(t, []string{"http://a.example/sitemap.xml"}, recorder.urls)
}

func TestHTTPDirectiveSource(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantErr     bool
		wantAllowed bool
	}{
		{"parsed", http.StatusOK, "User-agent: *\nDisallow: /private/\n", false, false},
		{"empty 2xx allows all", http.StatusNoContent, "", false, true},
		{"not found allows all", http.StatusNotFound, "", false, true},
		{"server error", http.StatusInternalServerError, "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAgent string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAgent = r.Header.Get("User-Agent")
				if r.URL.Path != "/robots.txt" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(server.Close)

			transport := NewHTTPTransport(testClient(), testRetry(0), testLogger())
			source := NewHTTPDirectiveSource(transport, "bitcrawler-test")
			rh := NewRobotsHandler(source, robotsCacheConfig(), nil, testLogger())

			directives, err := source.FetchDirectives(context.Background(), server.URL)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, directives)
			}
			assert.Equal(t, "bitcrawler-test", gotAgent)

			allowed := rh.IsAllowed(context.Background(), mustURL(t, server.URL+"/private/page"), "bitcrawler")
			assert.Equal(t, tt.wantAllowed, allowed)
		})
	}
}
