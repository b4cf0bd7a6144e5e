// Package fetch retrieves page content from the web. It starts with a
// plain HTTP GET and escalates to a headless browser when the response
// looks like a JavaScript shell with no usable text.
package fetch

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrFetchFailed is returned when a URL could not be retrieved by any
// available strategy.
var ErrFetchFailed = errors.New("fetch: failed")

// Result is the outcome of a successful fetch.
type Result struct {
	// Text is the readable text of the page, markdown-flavoured.
	Text string
	// HTML is the sanitized page markup.
	HTML string
	// URL is the final URL after redirects.
	URL string
	// FetchedAt is when the content was captured.
	FetchedAt time.Time
	// Escalated reports whether a browser was needed.
	Escalated bool
}

// Fetcher retrieves the content of a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Result, error)
}

// Sufficient reports whether fetched text is worth keeping as-is.
// Very short text usually means a JS-rendered shell.
func Sufficient(text string) bool {
	return len(strings.TrimSpace(text)) >= 200
}

// Client tries the fast path first and escalates to a browser when the
// result is insufficient. The browser fetcher is optional.
type Client struct {
	fast Fetcher
	slow Fetcher
}

// NewClient builds a Client. slow may be nil, in which case the fast
// result is returned even when thin.
func NewClient(fast, slow Fetcher) *Client {
	return &Client{fast: fast, slow: slow}
}

// Fetch retrieves url, escalating to the browser when the HTTP response
// has too little text.
func (c *Client) Fetch(ctx context.Context, url string) (*Result, error) {
	res, err := c.fast.Fetch(ctx, url)
	if err == nil && Sufficient(res.Text) {
		return res, nil
	}
	if c.slow == nil {
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	slow, serr := c.slow.Fetch(ctx, url)
	if serr != nil {
		// Prefer a thin HTTP result over nothing at all.
		if err == nil {
			return res, nil
		}
		return nil, errors.Join(err, serr)
	}
	slow.Escalated = true
	return slow, nil
}
