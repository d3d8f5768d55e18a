package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/wooscrape/safe"
)

// ErrBrowserClosed is returned by Fetch after Close.
var ErrBrowserClosed = errors.New("render: browser is closed")

// BrowserConfig configures a BrowserRenderer.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string
	// Headful runs Chrome with a window. Default: headless.
	Headful bool
	// NavTimeout bounds navigation plus waiting. Default: 30s.
	NavTimeout time.Duration
	// URLValidator guards navigation targets. Default: safe.ValidateURL.
	URLValidator func(string) error
	Logger       *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.URLValidator == nil {
		c.URLValidator = safe.ValidateURL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// BrowserRenderer renders pages in Chrome with stealth evasions applied.
// Chrome is started on the first Fetch and shared by every later call.
type BrowserRenderer struct {
	cfg BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewBrowserRenderer creates a renderer. No process is started until Fetch.
func NewBrowserRenderer(cfg BrowserConfig) *BrowserRenderer {
	cfg.defaults()
	return &BrowserRenderer{cfg: cfg}
}

// Fetch navigates to pageURL and returns the rendered document.
func (r *BrowserRenderer) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	return r.render(ctx, pageURL, "")
}

// Waiting returns a Fetcher that also waits for selector to appear before
// reading the document.
func (r *BrowserRenderer) Waiting(selector string) Fetcher {
	if selector == "" {
		return r
	}
	return waitingFetcher{r: r, selector: selector}
}

type waitingFetcher struct {
	r        *BrowserRenderer
	selector string
}

func (w waitingFetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	return w.r.render(ctx, pageURL, w.selector)
}

func (r *BrowserRenderer) render(ctx context.Context, pageURL, waitFor string) ([]byte, error) {
	if err := r.cfg.URLValidator(pageURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}
	b, err := r.ensure()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("render: create tab: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, r.cfg.NavTimeout)
	defer cancel()
	p := page.Context(navCtx)

	if err := p.Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("render: navigate %s: %w", pageURL, err)
	}
	if err := p.WaitLoad(); err != nil {
		r.cfg.Logger.Warn("render: wait load timeout", "url", pageURL, "error", err)
	}
	if waitFor != "" {
		if _, err := p.Element(waitFor); err != nil {
			return nil, fmt.Errorf("render: wait for %q on %s: %w", waitFor, pageURL, err)
		}
	}

	html, err := p.HTML()
	if err != nil {
		return nil, fmt.Errorf("render: get DOM: %w", err)
	}
	r.cfg.Logger.Debug("render: rendered", "url", pageURL, "size", len(html))
	return []byte(html), nil
}

// ensure returns the shared browser, launching or connecting on first use.
func (r *BrowserRenderer) ensure() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrBrowserClosed
	}
	if r.browser != nil {
		return r.browser, nil
	}

	wsURL := r.cfg.RemoteURL
	if wsURL != "" {
		r.cfg.Logger.Info("render: connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(!r.cfg.Headful).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("render: launch chrome: %w", err)
		}
		wsURL = u
		r.lnch = l
		r.cfg.Logger.Info("render: launched local chrome", "url", wsURL, "headful", r.cfg.Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		r.cleanupLocked()
		return nil, fmt.Errorf("render: connect: %w", err)
	}
	r.browser = b
	return b, nil
}

// Close shuts Chrome down. Safe to call when Chrome never started.
func (r *BrowserRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.cleanupLocked()
}

func (r *BrowserRenderer) cleanupLocked() error {
	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.lnch != nil {
		r.lnch.Cleanup()
		r.lnch = nil
	}
	return err
}
