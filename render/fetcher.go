// Package render turns a URL into HTML for the scraping adapters, either by
// a plain HTTP GET or through a stealth headless Chrome driven by Rod.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/wooscrape/safe"
)

// Fetcher returns the HTML of a page.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) ([]byte, error)
}

// ErrBlockedURL is returned when the URL validator rejects a target.
var ErrBlockedURL = errors.New("render: url blocked")

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	Timeout   time.Duration // Default: 30s.
	MaxBytes  int64         // Max response body size. Default: 10MB.
	UserAgent string
	// URLValidator validates URLs and redirects before fetch (SSRF prevention).
	// Default: safe.ValidateURL.
	URLValidator func(string) error
	Logger       *slog.Logger
}

func (c *HTTPConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; wooscrape/1.0)"
	}
	if c.URLValidator == nil {
		c.URLValidator = safe.ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// HTTPFetcher fetches pages with a single GET, no JavaScript.
type HTTPFetcher struct {
	client *http.Client
	cfg    HTTPConfig
}

// NewHTTPFetcher creates an HTTPFetcher with SSRF protection on redirects.
func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	cfg.defaults()
	validate := cfg.URLValidator
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("%w: redirect: %v", ErrBlockedURL, err)
				}
				return nil
			},
		},
		cfg: cfg,
	}
}

// WithUserAgent returns a copy of f sending ua, sharing the HTTP client.
func (f *HTTPFetcher) WithUserAgent(ua string) *HTTPFetcher {
	if ua == "" || ua == f.cfg.UserAgent {
		return f
	}
	cp := *f
	cp.cfg.UserAgent = ua
	return &cp
}

// Fetch GETs pageURL and returns the body. Non-2xx statuses are errors.
func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	if err := f.cfg.URLValidator(pageURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("render: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render: get %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("render: get %s: http %d", pageURL, resp.StatusCode)
	}

	body, err := safe.LimitedReadAll(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("render: read %s: %w", pageURL, err)
	}

	f.cfg.Logger.Debug("render: fetched", "url", pageURL, "status", resp.StatusCode, "size", len(body))
	return body, nil
}
