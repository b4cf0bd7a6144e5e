package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// HTTPConfig configures the plain HTTP fetcher.
type HTTPConfig struct {
	// Timeout for the whole request. Default: 30s.
	Timeout time.Duration

	// UserAgent sent with each request. Default: a desktop Chrome UA.
	UserAgent string

	// MaxBodyBytes caps the response body read. Default: 8MB.
	MaxBodyBytes int64

	Logger *slog.Logger
}

func (c *HTTPConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 8 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// HTTPFetcher retrieves pages with a plain GET, no JavaScript execution.
type HTTPFetcher struct {
	cfg    HTTPConfig
	client *http.Client
	policy *bluemonday.Policy
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(cfg HTTPConfig) *HTTPFetcher {
	cfg.defaults()
	return &HTTPFetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		policy: bluemonday.UGCPolicy(),
	}
}

// Fetch performs the GET and extracts readable text from the body.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, url, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetchFailed, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read body: %v", ErrFetchFailed, url, err)
	}

	clean := f.policy.SanitizeBytes(body)
	text := ExtractText(string(body))

	finalURL := url
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	f.cfg.Logger.Debug("fetch: http get", "url", finalURL, "bytes", len(body), "text_len", len(text))

	return &Result{
		Text:      text,
		HTML:      string(clean),
		URL:       finalURL,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// ExtractText converts page markup to readable markdown text. Falls back
// to a plain DOM text walk when the markdown conversion fails.
func ExtractText(markup string) string {
	md, err := htmltomarkdown.ConvertString(markup)
	if err == nil {
		md = strings.TrimSpace(md)
		if md != "" {
			return md
		}
	}
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return ""
	}
	return collectText(doc)
}

// collectText walks the DOM and joins visible text nodes, skipping
// script, style and noscript subtrees.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			t := strings.TrimSpace(n.Data)
			if t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
