// Package headless renders homepages in headless Chrome for sites whose plain
// HTTP response is unusable.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

const defaultNavTimeout = 20 * time.Second

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher implements fanout.Fetcher using chromedp.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher. The browser starts lazily on the
// first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates to url and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, url string) (fanout.Page, error) {
	if err := f.acquire(ctx); err != nil {
		return fanout.Page{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := &responseMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.render(taskCtx, url)
	if err != nil {
		return fanout.Page{}, err
	}

	status, contentType, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return fanout.Page{}, fmt.Errorf("headless render of %s returned status %d", responseURL, status)
	}
	return fanout.Page{
		URL:         responseURL,
		StatusCode:  status,
		ContentType: contentType,
		Body:        []byte(html),
		Duration:    time.Since(start),
		Headless:    true,
	}, nil
}

func (f *Fetcher) render(ctx context.Context, url string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// responseMeta records the main document response seen by the browser.
type responseMeta struct {
	mu          sync.RWMutex
	status      int
	contentType string
	url         string
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only the first document response is the page itself.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.contentType = event.Response.MimeType
	for key, value := range event.Response.Headers {
		if strings.EqualFold(key, "Content-Type") {
			m.contentType = fmt.Sprint(value)
		}
	}
	m.url = event.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string, string) {
	m.mu.RLock()
	status, contentType, url := m.status, m.contentType, m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if contentType == "" {
		contentType = "text/html"
	}
	return status, contentType, url
}
