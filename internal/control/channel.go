// Package control implements the operational message protocol spoken by
// the foreground application: manual caching of a content item and cache
// status queries.
package control

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/iTrooz/offline-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-proxy/internal/strategy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Message types
const (
	TypeCacheBlogPost  = "CACHE_BLOG_POST"
	TypeGetCacheStatus = "GET_CACHE_STATUS"
)

const (
	untitled           = "Untitled"
	maxStatusReads     = 8
	defaultReplyWindow = 5 * time.Second
)

var titlePattern = regexp.MustCompile(`(?s)<title>(.*?)</title>`)

// Message is a control message sent by the foreground
type Message struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// BlogPost is a cached content item in a status reply
type BlogPost struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Status is the reply to GET_CACHE_STATUS
type Status struct {
	TotalCached     int        `json:"totalCached"`
	BlogPostsCached int        `json:"blogPostsCached"`
	BlogPosts       []BlogPost `json:"blogPosts"`
	LastUpdated     int64      `json:"lastUpdated"`
}

// Origin resolves and fetches origin resources
type Origin interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
	NewRequest(ctx context.Context, rawURL string) (*http.Request, error)
	InScope(u *url.URL) bool
}

// Channel dispatches control messages. It keeps no state between
// messages other than the current cache store.
type Channel struct {
	caches strategy.Caches
	origin Origin
	router *strategy.Router
	clock  func() time.Time

	// ReplyWindow bounds how long the HTTP transport waits for a reply
	ReplyWindow time.Duration

	pending sync.WaitGroup
}

// New creates a control channel
func New(caches strategy.Caches, origin Origin, router *strategy.Router) *Channel {
	return &Channel{
		caches:      caches,
		origin:      origin,
		router:      router,
		clock:       time.Now,
		ReplyWindow: defaultReplyWindow,
	}
}

// Handle processes msg. Messages that expect an answer send exactly one
// Status on reply; reply must be buffered or actively received. Failures
// are logged and never reported to the sender.
func (c *Channel) Handle(ctx context.Context, msg Message, reply chan<- Status) {
	switch msg.Type {
	case TypeCacheBlogPost:
		if msg.URL == "" {
			logrus.Warnf("Ignoring %s message without url", msg.Type)
			return
		}
		c.cacheBlogPost(ctx, msg.URL)
	case TypeGetCacheStatus:
		if reply == nil {
			logrus.Warnf("Ignoring %s message without reply channel", msg.Type)
			return
		}
		reply <- c.cacheStatus()
	default:
		logrus.Warnf("Ignoring unknown control message type %q", msg.Type)
	}
}

// Wait blocks until every message accepted by the HTTP transport is processed
func (c *Channel) Wait() {
	c.pending.Wait()
}

func (c *Channel) cacheBlogPost(ctx context.Context, rawURL string) {
	req, err := c.origin.NewRequest(context.WithoutCancel(ctx), rawURL)
	if err != nil {
		logrus.Errorf("Failed to cache blog post %s: %v", rawURL, err)
		return
	}

	store, err := c.caches.Current()
	if err != nil {
		logrus.Errorf("Failed to cache blog post %s: %v", rawURL, err)
		return
	}

	if cached, err := store.Match(req); err == nil && cached != nil {
		logrus.Debugf("Blog post %s already cached", req.URL)
		return
	}

	resp, err := c.origin.Fetch(req.Context(), req)
	if err != nil {
		logrus.Errorf("Failed to cache blog post %s: %v", req.URL, err)
		return
	}
	if err := store.Put(req, resp); err != nil {
		logrus.Errorf("Failed to cache blog post %s: %v", req.URL, err)
		return
	}
	logrus.Infof("Cached blog post: %s", req.URL)
}

func (c *Channel) cacheStatus() Status {
	status := Status{BlogPosts: []BlogPost{}}

	store, err := c.caches.Current()
	if err != nil {
		logrus.Errorf("Failed to open cache store for status: %v", err)
		status.LastUpdated = c.clock().UnixMilli()
		return status
	}

	urls, err := store.Requests()
	if err != nil {
		logrus.Errorf("Failed to list cache store for status: %v", err)
	}
	status.TotalCached = len(urls)

	var posts []*url.URL
	for _, u := range urls {
		if c.router.IsContentItem(u) {
			posts = append(posts, u)
		}
	}

	found := make([]BlogPost, len(posts))
	var g errgroup.Group
	g.SetLimit(maxStatusReads)
	for i, u := range posts {
		g.Go(func() error {
			found[i] = BlogPost{URL: c.displayURL(u), Title: c.title(store, u)}
			return nil
		})
	}
	// goroutines never fail: unreadable entries are reported as Untitled
	g.Wait()

	sort.Slice(found, func(i, j int) bool { return found[i].URL < found[j].URL })
	status.BlogPosts = found
	status.BlogPostsCached = len(found)
	status.LastUpdated = c.clock().UnixMilli()
	return status
}

func (c *Channel) displayURL(u *url.URL) string {
	if c.origin.InScope(u) {
		return u.RequestURI()
	}
	return u.String()
}

func (c *Channel) title(store *httpcache.HTTPCache, u *url.URL) string {
	resp, err := store.MatchURL(u.String())
	if err != nil || resp == nil {
		logrus.Debugf("Could not read cached %s for status: %v", u, err)
		return untitled
	}
	body, err := httpcache.ReadBody(resp)
	if err != nil {
		return untitled
	}
	match := titlePattern.FindSubmatch(body)
	if match == nil {
		return untitled
	}
	return string(match[1])
}
