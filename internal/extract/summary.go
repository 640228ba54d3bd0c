// Package extract derives a homepage Summary from HTML with goquery.
package extract

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

// Config bounds the summary size.
type Config struct {
	MaxParagraphs      int
	MinParagraphLength int
	MaxNavLinks        int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{MaxParagraphs: 20, MinParagraphLength: 20, MaxNavLinks: 10}
}

// Extractor implements fanout.Extractor.
type Extractor struct {
	cfg Config
}

// New builds an Extractor, filling zero limits from DefaultConfig.
func New(cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.MaxParagraphs <= 0 {
		cfg.MaxParagraphs = def.MaxParagraphs
	}
	if cfg.MinParagraphLength < 0 {
		cfg.MinParagraphLength = def.MinParagraphLength
	}
	if cfg.MaxNavLinks <= 0 {
		cfg.MaxNavLinks = def.MaxNavLinks
	}
	return &Extractor{cfg: cfg}
}

// Extract parses html into a Summary. Only paragraphs longer than
// MinParagraphLength characters are kept.
func (e *Extractor) Extract(html []byte) (fanout.Summary, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return fanout.Summary{}, fmt.Errorf("parse html: %w", err)
	}

	var summary fanout.Summary
	summary.Title = clean(doc.Find("title").First().Text())
	if content, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		summary.Description = clean(content)
	}
	summary.Heading = clean(doc.Find("h1").First().Text())

	doc.Find("p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := clean(s.Text())
		if utf8.RuneCountInString(text) > e.cfg.MinParagraphLength {
			summary.Paragraphs = append(summary.Paragraphs, text)
		}
		return len(summary.Paragraphs) < e.cfg.MaxParagraphs
	})

	doc.Find("nav a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if text := clean(s.Text()); text != "" {
			summary.NavLinks = append(summary.NavLinks, text)
		}
		return len(summary.NavLinks) < e.cfg.MaxNavLinks
	})
	return summary, nil
}

// clean collapses runs of whitespace.
func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
