// Package robots enforces robots.txt directives per host.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-summary-fanout/internal/fanout"
)

const defaultTimeout = 5 * time.Second

// Config controls robots.txt lookups.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Policy fetches robots.txt once per host and caches the parsed rules.
// Lookups that fail allow the URL.
type Policy struct {
	client    *http.Client
	cache     sync.Map
	userAgent string
	logger    *zap.Logger
}

// New builds a Policy. When respect is false every URL is allowed.
func New(respect bool, cfg Config, logger *zap.Logger) fanout.RobotsPolicy {
	if !respect {
		return AllowAll{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Allowed implements fanout.RobotsPolicy.
func (p *Policy) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return true
	}
	data, err := p.load(ctx, parsed)
	if err != nil {
		p.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(p.userAgent)
	if group == nil {
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	return group.Test(target)
}

func (p *Policy) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if data, ok := p.cache.Load(hostKey); ok {
		cached, assertOK := data.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", data)
		}
		return cached, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	p.cache.Store(hostKey, data)
	return data, nil
}

// AllowAll permits every URL.
type AllowAll struct{}

// Allowed implements fanout.RobotsPolicy.
func (AllowAll) Allowed(context.Context, string) bool { return true }
