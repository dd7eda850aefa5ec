// Package networktest provides an in-memory origin for tests.
package networktest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// ErrOffline is returned by Fetch while the origin is offline
var ErrOffline = errors.New("network is offline")

// Page is a canned origin answer
type Page struct {
	Status      int
	ContentType string
	Body        string
	// ETag, when set, makes a matching If-None-Match answer 304
	ETag string
}

// Origin is a fake origin server. Unknown paths answer 404.
type Origin struct {
	base *url.URL

	mu      sync.Mutex
	pages   map[string]Page
	offline bool
	calls   map[string]int
	gate    chan struct{}
}

// NewOrigin creates an origin at http://origin.test
func NewOrigin() *Origin {
	base, _ := url.Parse("http://origin.test")
	return &Origin{
		base:  base,
		pages: make(map[string]Page),
		calls: make(map[string]int),
	}
}

// Base returns the origin base URL
func (o *Origin) Base() *url.URL {
	return o.base
}

// URL returns the absolute origin URL of path
func (o *Origin) URL(path string) string {
	return o.base.String() + path
}

// Set registers a 200 HTML page
func (o *Origin) Set(path, body string) {
	o.SetPage(path, Page{Status: http.StatusOK, ContentType: "text/html", Body: body})
}

// SetPage registers an arbitrary answer
func (o *Origin) SetPage(path string, page Page) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[path] = page
}

// SetOffline makes every fetch fail with ErrOffline
func (o *Origin) SetOffline(offline bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = offline
}

// Hold makes every fetch block until Release is called
func (o *Origin) Hold() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gate = make(chan struct{})
}

// Release unblocks the fetches waiting since Hold
func (o *Origin) Release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gate != nil {
		close(o.gate)
		o.gate = nil
	}
}

// Calls returns how many fetches reached path
func (o *Origin) Calls(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[path]
}

// Resolve resolves rawURL against the origin
func (o *Origin) Resolve(rawURL string) (*url.URL, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return o.base.ResolveReference(ref), nil
}

// InScope reports whether u belongs to the origin host
func (o *Origin) InScope(u *url.URL) bool {
	return !u.IsAbs() || strings.EqualFold(u.Host, o.base.Host)
}

// NewRequest creates a GET request for rawURL
func (o *Origin) NewRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	target, err := o.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
}

// Fetch answers req from the registered pages
func (o *Origin) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	o.mu.Lock()
	gate := o.gate
	o.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	path := req.URL.Path
	o.calls[path]++
	if o.offline {
		return nil, ErrOffline
	}

	page, ok := o.pages[path]
	if !ok {
		page = Page{Status: http.StatusNotFound, ContentType: "text/plain", Body: "not found"}
	}
	contentType := page.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	header := http.Header{"Content-Type": []string{contentType}}
	if page.ETag != "" {
		header.Set("ETag", page.ETag)
		if req.Header.Get("If-None-Match") == page.ETag {
			page.Status, page.Body = http.StatusNotModified, ""
		}
	}

	return &http.Response{
		Status:        strconv.Itoa(page.Status) + " " + http.StatusText(page.Status),
		StatusCode:    page.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(page.Body)),
		ContentLength: int64(len(page.Body)),
		Request:       req,
	}, nil
}
