package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPageResult_JSONOmitsBodyAndCause(t *testing.T) {
	allowed := true
	result := PageResult{
		URL:   "http://a.example/",
		Depth: 0,
		Outcome: Outcome{
			Kind:         OutcomeSuccess,
			StatusCode:   200,
			ContentType:  "text/html",
			Body:         []byte("<html>secret body</html>"),
			Err:          errors.New("should not serialize"),
			ErrorMessage: "",
		},
		Links:         []string{"http://a.example/about"},
		RobotsAllowed: &allowed,
		FetchedAt:     time.Now().UTC(),
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	raw := string(data)
	assert.NotContains(t, raw, "secret body")
	assert.NotContains(t, raw, "should not serialize")
	assert.Contains(t, raw, `"kind":"success"`)
	assert.Contains(t, raw, `"robots_allowed":true`)
}

func TestPageResult_RobotsAllowedOmittedWhenNotConsulted(t *testing.T) {
	data, err := json.Marshal(PageResult{URL: "http://a.example/", Outcome: Outcome{Kind: OutcomeTimeout}})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "robots_allowed")
	assert.NotContains(t, string(data), "links")
}

func TestPageResult_Predicates(t *testing.T) {
	tests := []struct {
		name     string
		outcome  Outcome
		wantHTML bool
		wantOK   bool
	}{
		{"HTML200", Outcome{Kind: OutcomeSuccess, StatusCode: 200, ContentType: "text/html"}, true, true},
		{"HTML301", Outcome{Kind: OutcomeSuccess, StatusCode: 301, ContentType: "text/html"}, true, true},
		{"HTML404", Outcome{Kind: OutcomeSuccess, StatusCode: 404, ContentType: "text/html"}, true, false},
		{"HTML500", Outcome{Kind: OutcomeSuccess, StatusCode: 500, ContentType: "text/html"}, true, false},
		{"MixedCaseHTML200", Outcome{Kind: OutcomeSuccess, StatusCode: 200, ContentType: "Text/HTML"}, false, true},
		{"JSON200", Outcome{Kind: OutcomeSuccess, StatusCode: 200, ContentType: "application/json"}, false, true},
		{"Timeout", Outcome{Kind: OutcomeTimeout}, false, false},
		{"Robots", Outcome{Kind: OutcomeRobotsDisallowed}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := PageResult{Outcome: tt.outcome}
			assert.Equal(t, tt.wantHTML, r.IsHTML())
			assert.Equal(t, tt.wantOK, r.IsOK())
		})
	}
}

func TestCrawlMetadata_YAML(t *testing.T) {
	meta := CrawlMetadata{
		CrawlID:    "abc",
		SeedURL:    "http://a.example/",
		SeedDomain: "a.example",
		CrawlDepth: 1,
		TotalPages: 2,
		Outcomes:   map[string]int{"success": 2},
	}

	data, err := yaml.Marshal(meta)
	require.NoError(t, err)

	raw := string(data)
	assert.Contains(t, raw, "seed_domain: a.example")
	assert.Contains(t, raw, "success: 2")
	assert.NotContains(t, raw, "sitemaps")
	assert.NotContains(t, raw, "canceled")
}
