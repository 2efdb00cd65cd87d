// Package extractor turns fetched HTML into structured items, either
// via caller-supplied CSS selectors or a cascade of generic strategies.
package extractor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/quarryd/quarryd/internal/scrape"
)

var articleSelectors = []string{
	"article",
	".post", ".entry", ".content",
	".article", ".story",
	"[role='main'] > div",
	"main > div",
}

var listSelectors = []string{
	"li",
	".item", ".entry",
	".quote", ".post-summary",
}

const (
	maxListItems  = 20
	maxParagraphs = 10
	minListChars  = 10
	minParaChars  = 20
)

// Engine implements scrape.Extractor on top of goquery.
type Engine struct{}

// New creates an extraction engine.
func New() *Engine {
	return &Engine{}
}

// Extract parses the page and returns items. With selectors present the
// caller's schema wins; otherwise the generic cascade runs.
func (e *Engine) Extract(html []byte, pageURL string, selectors map[string]string) ([]scrape.Item, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if len(selectors) > 0 {
		return extractWithSelectors(doc, selectors), nil
	}
	return genericExtract(doc, pageURL), nil
}

// extractWithSelectors applies the caller's schema. A "container"
// selector defines a repeating pattern; the remaining fields are scoped
// inside each container. Without one the whole page is a single item.
func extractWithSelectors(doc *goquery.Document, selectors map[string]string) []scrape.Item {
	container := selectors["container"]
	if container == "" {
		meta := fieldValues(doc.Selection, selectors, "")
		if len(meta) == 0 {
			return nil
		}
		return []scrape.Item{{Metadata: meta}}
	}

	var items []scrape.Item
	doc.Find(container).Each(func(_ int, c *goquery.Selection) {
		meta := fieldValues(c, selectors, "container")
		if len(meta) > 0 {
			items = append(items, scrape.Item{Metadata: meta})
		}
	})
	return items
}

// fieldValues resolves each field selector under root. A single match
// becomes a string, several become a string list, none is omitted.
func fieldValues(root *goquery.Selection, selectors map[string]string, skip string) map[string]any {
	meta := make(map[string]any)
	for field, selector := range selectors {
		if field == skip {
			continue
		}
		var vals []string
		root.Find(selector).Each(func(_ int, s *goquery.Selection) {
			vals = append(vals, cleanText(s.Text()))
		})
		switch len(vals) {
		case 0:
		case 1:
			meta[field] = vals[0]
		default:
			meta[field] = vals
		}
	}
	return meta
}

// genericExtract runs the strategy cascade: article blocks, then lists,
// then main-content paragraphs, then the page title as a last resort.
func genericExtract(doc *goquery.Document, pageURL string) []scrape.Item {
	items := extractArticles(doc, pageURL)
	if len(items) == 0 {
		items = extractListItems(doc, pageURL)
	}
	if len(items) == 0 {
		items = extractMainParagraphs(doc, pageURL)
	}
	if len(items) == 0 {
		if title := cleanText(doc.Find("title").First().Text()); title != "" {
			items = append(items, scrape.Item{Title: title, URL: pageURL})
		}
	}
	return items
}

func extractArticles(doc *goquery.Document, pageURL string) []scrape.Item {
	var items []scrape.Item
	for _, selector := range articleSelectors {
		doc.Find(selector).Each(func(_ int, article *goquery.Selection) {
			title := cleanText(article.Find("h1, h2, h3, .title, .headline").First().Text())
			text := cleanText(article.Find("p, .text, .content, .body").First().Text())
			if title == "" && text == "" {
				return
			}
			items = append(items, scrape.Item{Title: title, Text: text, URL: pageURL})
		})
		if len(items) > 0 {
			break
		}
	}
	return items
}

// extractListItems handles index-style pages: the first selector that
// matches more than once is treated as the list.
func extractListItems(doc *goquery.Document, pageURL string) []scrape.Item {
	var items []scrape.Item
	for _, selector := range listSelectors {
		sel := doc.Find(selector)
		if sel.Length() <= 1 {
			continue
		}
		limit := sel.Length()
		if limit > maxListItems {
			limit = maxListItems
		}
		sel.Slice(0, limit).Each(func(_ int, item *goquery.Selection) {
			text := cleanText(item.Text())
			if len(text) > minListChars {
				items = append(items, scrape.Item{Text: text, URL: pageURL})
			}
		})
		break
	}
	return items
}

func extractMainParagraphs(doc *goquery.Document, pageURL string) []scrape.Item {
	var items []scrape.Item
	main := doc.Find("main, #main, .main, #content, .content").First()
	if main.Length() == 0 {
		return nil
	}
	paras := main.Find("p")
	limit := paras.Length()
	if limit > maxParagraphs {
		limit = maxParagraphs
	}
	paras.Slice(0, limit).Each(func(_ int, p *goquery.Selection) {
		text := cleanText(p.Text())
		if len(text) > minParaChars {
			items = append(items, scrape.Item{Text: text, URL: pageURL})
		}
	})
	return items
}

// cleanText collapses runs of whitespace the HTML parser leaves behind.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
