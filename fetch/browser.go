package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures the headless browser fetcher.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// NavigateTimeout bounds navigation plus load. Default: 30s.
	NavigateTimeout time.Duration

	// BlockResources lists resource types to skip downloading
	// (images, fonts, media, stylesheets). Default: all four.
	BlockResources []string

	Logger *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.BlockResources == nil {
		c.BlockResources = []string{"images", "fonts", "media", "stylesheets"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Browser fetches pages through headless Chrome with stealth patches,
// for sites that render through JavaScript or gate plain HTTP clients.
type Browser struct {
	cfg BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewBrowser creates a Browser. Chrome is launched lazily on first Fetch.
func NewBrowser(cfg BrowserConfig) *Browser {
	cfg.defaults()
	return &Browser{cfg: cfg}
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return b.browser, nil
	}

	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("fetch: launch chrome: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.cfg.Logger.Info("fetch: launched local chrome", "url", wsURL)
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		return nil, fmt.Errorf("fetch: connect chrome: %w", err)
	}
	b.browser = br
	return br, nil
}

// Fetch navigates to url in a fresh stealth tab and captures the
// rendered DOM. The tab is always closed, whatever happens.
func (b *Browser) Fetch(ctx context.Context, url string) (*Result, error) {
	br, err := b.connect()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, url, err)
	}

	page, err := stealth.Page(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: create tab: %v", ErrFetchFailed, url, err)
	}
	defer page.Close()

	if len(b.cfg.BlockResources) > 0 {
		blockResources(page, b.cfg.BlockResources)
	}

	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(url); err != nil {
		return nil, fmt.Errorf("%w: %s: navigate: %v", ErrFetchFailed, url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		b.cfg.Logger.Warn("fetch: wait load timeout", "url", url, "error", err)
	}

	res, err := page.Context(navCtx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read DOM: %v", ErrFetchFailed, url, err)
	}
	markup := res.Value.Str()

	info, err := page.Info()
	finalURL := url
	if err == nil && info.URL != "" {
		finalURL = info.URL
	}

	b.cfg.Logger.Debug("fetch: browser render", "url", finalURL, "bytes", len(markup))

	return &Result{
		Text:      ExtractText(markup),
		HTML:      markup,
		URL:       finalURL,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Close shuts down Chrome if this fetcher launched it.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return nil
}

// blockResources intercepts requests and drops the listed resource types.
func blockResources(page *rod.Page, types []string) {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(ctx *rod.Hijack) {
		if shouldBlock(blockSet, string(ctx.Request.Type())) {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
}

func shouldBlock(blockSet map[string]bool, resType string) bool {
	switch strings.ToLower(resType) {
	case "image":
		return blockSet["images"]
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"]
	}
	return blockSet[strings.ToLower(resType)]
}
