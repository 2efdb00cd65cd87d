// Package detector scores static HTML for script dependence to decide
// when a page needs a headless re-fetch.
package detector

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/quarryd/quarryd/internal/scrape"
)

// defaultThreshold is the confidence above which a page is promoted to
// dynamic rendering.
const defaultThreshold = 0.6

// Signal weights. Framework fingerprints and empty root containers are
// the strongest evidence; raw script size the weakest.
var weights = map[string]float64{
	"spa_framework":      0.30,
	"empty_containers":   0.25,
	"ajax_patterns":      0.15,
	"dom_manipulation":   0.10,
	"loading_indicators": 0.10,
	"script_complexity":  0.05,
	"content_ratio":      0.05,
}

var frameworkPatterns = map[string][]*regexp.Regexp{
	"react": compileAll(
		`react\.js`,
		`react\.min\.js`,
		`react-dom`,
		`ReactDOM\.render`,
		`React\.createElement`,
		`<div[^>]+id=["']root["']`,
		`<div[^>]+id=["']app["']`,
	),
	"vue": compileAll(
		`vue\.js`,
		`vue\.min\.js`,
		`new Vue\(`,
		`Vue\.component`,
		`<div[^>]+id=["']app["']`,
		`v-if|v-for|v-model`,
	),
	"angular": compileAll(
		`angular\.js`,
		`angular\.min\.js`,
		`ng-app`,
		`ng-controller`,
		`angular\.module`,
		`\[ng-\w+\]`,
	),
	"svelte": compileAll(
		`svelte`,
		`_svelte`,
	),
	"ember": compileAll(
		`ember\.js`,
		`ember\.min\.js`,
		`Ember\.Application`,
	),
}

var ajaxPatterns = compileAll(
	`XMLHttpRequest`,
	`fetch\(`,
	`axios\.`,
	`\$\.ajax`,
	`\$\.(get|post)`,
	`async\s+function`,
	`await\s+fetch`,
)

var domPatterns = compileAll(
	`jQuery`,
	`\$\(`,
	`document\.createElement`,
	`document\.appendChild`,
	`innerHTML\s*=`,
	`textContent\s*=`,
)

var loadingMarkers = []string{
	"loading",
	"spinner",
	"skeleton",
	"placeholder",
	"data-loading",
	"is-loading",
}

var complexityPatterns = compileAll(
	`import\s+`,
	`export\s+`,
	`require\(`,
	`module\.exports`,
	`class\s+\w+`,
	`function\*`,
	`=>`,
	`async\s+function`,
)

var containerSelectors = []string{
	"div#root",
	"div#app",
	`div[class*="app"]`,
	`div[class*="container"]`,
	"main",
	"section",
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+expr))
	}
	return out
}

// Weighted combines seven heuristic signals into one confidence score.
type Weighted struct {
	threshold float64
}

// New creates a detector. A non-positive threshold selects the default.
func New(threshold float64) *Weighted {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Weighted{threshold: threshold}
}

// Detect analyzes the page and reports whether a headless render is
// likely to surface more content, along with the per-signal breakdown.
func (d *Weighted) Detect(html []byte) scrape.Detection {
	indicators := map[string]float64{
		"spa_framework":      0,
		"empty_containers":   0,
		"ajax_patterns":      0,
		"dom_manipulation":   0,
		"loading_indicators": 0,
		"script_complexity":  0,
		"content_ratio":      0,
	}
	var reasons []string

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return scrape.Detection{
			Indicators: indicators,
			Reasons:    []string{"unparsable html: " + err.Error()},
		}
	}

	indicators["spa_framework"], reasons = checkFrameworks(html, reasons)
	indicators["empty_containers"], reasons = checkEmptyContainers(doc, reasons)
	indicators["ajax_patterns"], reasons = checkPatternList(html, ajaxPatterns, "AJAX pattern found", reasons)
	indicators["dom_manipulation"], reasons = checkPatternList(html, domPatterns, "DOM manipulation pattern", reasons)
	indicators["loading_indicators"], reasons = checkLoadingIndicators(doc, reasons)
	indicators["script_complexity"], reasons = analyzeScripts(doc, reasons)
	indicators["content_ratio"], reasons = checkContentRatio(doc, reasons)

	var confidence float64
	for key, weight := range weights {
		confidence += indicators[key] * weight
	}
	if confidence > 1 {
		confidence = 1
	}

	return scrape.Detection{
		NeedsRender: confidence >= d.threshold,
		Confidence:  confidence,
		Indicators:  indicators,
		Reasons:     reasons,
	}
}

// checkFrameworks takes the best-matching framework's pattern coverage.
func checkFrameworks(html []byte, reasons []string) (float64, []string) {
	var best float64
	for framework, patterns := range frameworkPatterns {
		matches := 0
		for _, re := range patterns {
			if re.Match(html) {
				matches++
				reasons = append(reasons, fmt.Sprintf("Found %s pattern: %s", framework, re.String()))
			}
		}
		if matches == 0 {
			continue
		}
		score := float64(matches) / float64(len(patterns))
		if score > best {
			best = score
		}
	}
	if best > 1 {
		best = 1
	}
	return best, reasons
}

// checkEmptyContainers flags root-style containers with almost no text
// or children, the classic SPA mount point.
func checkEmptyContainers(doc *goquery.Document, reasons []string) (float64, []string) {
	empty, total := 0, 0
	for _, selector := range containerSelectors {
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			total++
			text := strings.TrimSpace(sel.Text())
			children := sel.Find("*").Length()
			if len(text) < 50 && children < 3 {
				empty++
				reasons = append(reasons, "Empty container found: "+selector)
			}
		})
	}
	if total == 0 {
		return 0, reasons
	}
	score := float64(empty) / float64(total) * 2
	if score > 1 {
		score = 1
	}
	return score, reasons
}

func checkPatternList(html []byte, patterns []*regexp.Regexp, label string, reasons []string) (float64, []string) {
	matches := 0
	for _, re := range patterns {
		if re.Match(html) {
			matches++
			reasons = append(reasons, fmt.Sprintf("%s: %s", label, re.String()))
		}
	}
	score := float64(matches) / float64(len(patterns))
	if score > 1 {
		score = 1
	}
	return score, reasons
}

// checkLoadingIndicators counts skeleton and spinner markers, capped at
// ten elements.
func checkLoadingIndicators(doc *goquery.Document, reasons []string) (float64, []string) {
	found := 0
	for _, marker := range loadingMarkers {
		count := 0
		doc.Find("[class]").Each(func(_ int, sel *goquery.Selection) {
			class, _ := sel.Attr("class")
			if strings.Contains(strings.ToLower(class), marker) {
				count++
			}
		})
		count += doc.Find("[data-" + marker + "]").Length()
		if count > 0 {
			found += count
			reasons = append(reasons, "Loading indicator found: "+marker)
		}
	}
	score := float64(found) / 10
	if score > 1 {
		score = 1
	}
	return score, reasons
}

// analyzeScripts scores inline script size and syntax complexity, half
// a point each.
func analyzeScripts(doc *goquery.Document, reasons []string) (float64, []string) {
	totalLen := 0
	complexHits := 0
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		content := sel.Text()
		if content == "" {
			return
		}
		totalLen += len(content)
		for _, re := range complexityPatterns {
			if re.MatchString(content) {
				complexHits++
			}
		}
	})
	if totalLen > 5000 {
		reasons = append(reasons, fmt.Sprintf("Large JavaScript codebase: %d chars", totalLen))
	}
	if complexHits > 3 {
		reasons = append(reasons, fmt.Sprintf("Complex JS patterns found: %d", complexHits))
	}
	sizeScore := float64(totalLen) / 20000
	if sizeScore > 0.5 {
		sizeScore = 0.5
	}
	complexityScore := float64(complexHits) / 10
	if complexityScore > 0.5 {
		complexityScore = 0.5
	}
	return sizeScore + complexityScore, reasons
}

// checkContentRatio compares inline script volume against page text.
func checkContentRatio(doc *goquery.Document, reasons []string) (float64, []string) {
	visible := len(strings.TrimSpace(doc.Text()))
	scriptLen := 0
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		scriptLen += len(sel.Text())
	})

	if visible == 0 && scriptLen > 0 {
		reasons = append(reasons, "No visible content, only scripts")
		return 1, reasons
	}
	if visible == 0 {
		return 0, reasons
	}
	ratio := float64(scriptLen) / float64(visible+scriptLen)
	if ratio > 0.3 {
		reasons = append(reasons, fmt.Sprintf("High script-to-content ratio: %.2f", ratio))
		return ratio, reasons
	}
	return 0, reasons
}
