package process

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"bitcrawler/pkg/utils"
)

// LinkExtractor turns a document body into raw, unresolved href values
type LinkExtractor interface {
	ExtractHrefs(body []byte) ([]string, error)
}

// HTMLLinkExtractor extracts a[href] values with goquery
type HTMLLinkExtractor struct {
	// Selectors limits extraction to matching subtrees. Empty means the whole document.
	Selectors []string
	// RespectNofollow skips anchors whose rel contains "nofollow"
	RespectNofollow bool
}

// NewHTMLLinkExtractor creates an extractor limited to selectors (nil searches the whole document)
func NewHTMLLinkExtractor(selectors []string, respectNofollow bool) *HTMLLinkExtractor {
	return &HTMLLinkExtractor{Selectors: selectors, RespectNofollow: respectNofollow}
}

// ExtractHrefs returns href values in document order. Empty and whitespace-only values are skipped;
// nothing is resolved or validated here.
func (e *HTMLLinkExtractor) ExtractHrefs(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrParsing, err)
	}

	selectors := e.Selectors
	if len(selectors) == 0 {
		selectors = []string{"html"}
	}

	var hrefs []string
	for _, selector := range selectors {
		doc.Find(selector).Find("a[href]").Each(func(_ int, el *goquery.Selection) {
			href, _ := el.Attr("href")
			href = strings.TrimSpace(href)
			if href == "" {
				return
			}
			if e.RespectNofollow {
				if rel, _ := el.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
					return
				}
			}
			hrefs = append(hrefs, href)
		})
	}
	return hrefs, nil
}

// ExtractTitle returns the trimmed <title> text of an HTML document, or "" if there is none
func ExtractTitle(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("head title").First().Text())
}
