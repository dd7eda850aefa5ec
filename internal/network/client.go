// Package network fetches resources from the origin server.
package network

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iTrooz/offline-proxy/internal/cache/httpcache"
)

// Fetcher performs a network fetch. A non-nil error means the network
// failed (offline, DNS, timeout); any HTTP status is a response.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Hop-by-hop headers, never forwarded
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client fetches from the origin with a bounded timeout and returns
// responses with a fully buffered body.
type Client struct {
	origin *url.URL
	client *http.Client
}

// NewClient creates a client for the given origin
func NewClient(origin *url.URL, timeout time.Duration) *Client {
	return &Client{
		origin: origin,
		client: &http.Client{
			Timeout: timeout,
			// redirects are answered to the foreground as they are
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Origin returns the origin base URL
func (c *Client) Origin() *url.URL {
	return c.origin
}

// Resolve turns a possibly relative URL into an absolute origin URL
func (c *Client) Resolve(rawURL string) (*url.URL, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	return c.origin.ResolveReference(ref), nil
}

// InScope reports whether u belongs to the origin
func (c *Client) InScope(u *url.URL) bool {
	if !u.IsAbs() {
		return true
	}
	return strings.EqualFold(normalizeHost(u), normalizeHost(c.origin))
}

func normalizeHost(u *url.URL) string {
	host := strings.ToLower(u.Host)
	switch strings.ToLower(u.Scheme) {
	case "http":
		return strings.TrimSuffix(host, ":80")
	case "https":
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// NewRequest creates a GET request for a possibly relative origin URL
func (c *Client) NewRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	target, err := c.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
}

// Fetch sends req to the origin
func (c *Client) Fetch(ctx context.Context, requ *http.Request) (*http.Response, error) {
	target := c.origin.ResolveReference(requ.URL)

	// Create new request
	req, err := http.NewRequestWithContext(ctx, requ.Method, target.String(), requ.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to create origin request: %w", err)
	}

	// Copy headers
	for key, values := range requ.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	req.ContentLength = requ.ContentLength

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}

	if _, err := httpcache.ReadBody(resp); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	resp.Request = requ

	return resp, nil
}
