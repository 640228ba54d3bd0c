// Package detector decides when a plain homepage fetch should be re-rendered
// in a headless browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

const defaultThreshold = 2048

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. A threshold of zero uses the default.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// ShouldRender reports whether page looks like a client-rendered shell.
func (h *Heuristic) ShouldRender(page fanout.Page) bool {
	if page.Headless || page.StatusCode != http.StatusOK {
		return false
	}
	body := page.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether at least a quarter of the document is
// inside script elements.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
