// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

const defaultTimeout = 10 * time.Second

// ErrNotHTML is returned when a homepage responds with a non-HTML body.
var ErrNotHTML = errors.New("response is not html")

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements fanout.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Robots rules are enforced by the worker's policy,
// not by the collector.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch performs a single GET and returns the page when it is 2xx HTML.
func (f *Fetcher) Fetch(ctx context.Context, url string) (fanout.Page, error) {
	var (
		page     fanout.Page
		fetchErr error
	)
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, time.Now(), &page, &fetchErr)

	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return fanout.Page{}, err
	}
	if err := checkPage(page); err != nil {
		return fanout.Page{}, err
	}
	return page, nil
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	page *fanout.Page,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		*page = fanout.Page{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func checkPage(page fanout.Page) error {
	if page.StatusCode < http.StatusOK || page.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status %d for %s", page.StatusCode, page.URL)
	}
	mediaType, _, err := mime.ParseMediaType(page.ContentType)
	if err != nil || mediaType != "text/html" {
		return fmt.Errorf("%s served %q: %w", page.URL, page.ContentType, ErrNotHTML)
	}
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
