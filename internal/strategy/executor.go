package strategy

import (
	"context"
	"net/http"
	"sync"

	"github.com/iTrooz/offline-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-proxy/internal/network"
	"github.com/sirupsen/logrus"
)

// Caches opens the current-version cache store
type Caches interface {
	Current() (*httpcache.HTTPCache, error)
}

// Executor answers intercepted GET requests. It never returns a network
// error: every failure degrades to a cached entry, the offline document
// or a synthetic 503.
type Executor struct {
	router     *Router
	caches     Caches
	fetcher    network.Fetcher
	offlineURL string

	background sync.WaitGroup
}

// NewExecutor creates an executor. offlineURL is the absolute URL of the
// pre-seeded offline document.
func NewExecutor(router *Router, caches Caches, fetcher network.Fetcher, offlineURL string) *Executor {
	return &Executor{
		router:     router,
		caches:     caches,
		fetcher:    fetcher,
		offlineURL: offlineURL,
	}
}

// Router returns the rule table used by Handle
func (e *Executor) Router() *Router {
	return e.router
}

// Handle classifies req and answers it with the matching strategy.
// req must carry an absolute URL.
func (e *Executor) Handle(ctx context.Context, req *http.Request) *http.Response {
	rule := e.router.Classify(req.URL)
	logrus.Debugf("Classified %s as %s, using %s", req.URL, rule.Class, rule.Strategy)
	return e.Execute(ctx, req, rule)
}

// Execute answers req with the strategy of rule
func (e *Executor) Execute(ctx context.Context, req *http.Request, rule Rule) *http.Response {
	switch rule.Strategy {
	case CacheFirst:
		msg := msgContentOffline
		if rule.Class == MediaAsset {
			msg = msgImageOffline
		}
		return e.cacheFirst(ctx, req, msg)
	case StaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, req)
	case NetworkFirstOffline:
		return e.networkFirst(ctx, req, true)
	default:
		return e.networkFirst(ctx, req, false)
	}
}

// Wait blocks until every background revalidation has finished
func (e *Executor) Wait() {
	e.background.Wait()
}

// store opens the current store; a nil store behaves as an empty one
func (e *Executor) store() *httpcache.HTTPCache {
	store, err := e.caches.Current()
	if err != nil {
		logrus.Errorf("Failed to open cache store: %v", err)
		return nil
	}
	return store
}

func (e *Executor) lookup(store *httpcache.HTTPCache, req *http.Request) *http.Response {
	if store == nil {
		return nil
	}
	resp, err := store.Match(req)
	if err != nil {
		logrus.Errorf("Failed to get cached data for %s: %v", req.URL, err)
		return nil
	}
	if resp == nil {
		logrus.Debugf("No cached data found for %s", req.URL)
	}
	return resp
}

func (e *Executor) put(store *httpcache.HTTPCache, req *http.Request, resp *http.Response) {
	if store == nil {
		return
	}
	if err := store.Put(req, resp); err != nil {
		logrus.Errorf("Failed to cache response for %s: %v", req.URL, err)
	}
}

// Headers that let the origin answer with a partial or empty body
var conditionalHeaders = []string{
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// fetch runs detached from the caller: a closed page does not cancel a
// fetch that can still populate the cache. The request is sent without
// conditional headers so a 2xx answer always carries the full body.
func (e *Executor) fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx = context.WithoutCancel(ctx)
	full := req.Clone(ctx)
	for _, h := range conditionalHeaders {
		full.Header.Del(h)
	}

	resp, err := e.fetcher.Fetch(ctx, full)
	if err != nil {
		logrus.Debugf("Network failure for %s: %v", req.URL, err)
	}
	return resp, err
}

func (e *Executor) cacheFirst(ctx context.Context, req *http.Request, offlineMsg string) *http.Response {
	store := e.store()
	if cached := e.lookup(store, req); cached != nil {
		return mark(cached, CacheHit)
	}

	resp, err := e.fetch(ctx, req)
	if err != nil || !is2xx(resp) {
		return unavailable(req, "text/plain", offlineMsg)
	}

	e.put(store, req, resp)
	return mark(resp, CacheMiss)
}

func (e *Executor) networkFirst(ctx context.Context, req *http.Request, offlineFallback bool) *http.Response {
	store := e.store()

	resp, err := e.fetch(ctx, req)
	if err == nil && is2xx(resp) {
		e.put(store, req, resp)
		return mark(resp, CacheMiss)
	}

	if cached := e.lookup(store, req); cached != nil {
		return mark(cached, CacheHit)
	}

	if offlineFallback {
		if IsNavigation(req) {
			return e.offlineDocument(store, req)
		}
		return unavailable(req, "text/plain", msgContentOffline)
	}

	// the origin answered: its error page is the authoritative answer
	if err == nil {
		return mark(resp, CacheMiss)
	}
	return unavailable(req, "text/plain", msgContentOffline)
}

func (e *Executor) staleWhileRevalidate(ctx context.Context, req *http.Request) *http.Response {
	store := e.store()
	cached := e.lookup(store, req)

	fresh := make(chan *http.Response, 1)
	e.background.Add(1)
	go func() {
		defer e.background.Done()

		resp, err := e.fetch(ctx, req)
		if err != nil {
			fresh <- nil
			return
		}
		if is2xx(resp) {
			e.put(store, req, resp)
			logrus.Debugf("Revalidated %s", req.URL)
		}
		fresh <- resp
	}()

	if cached != nil {
		return mark(cached, CacheStale)
	}

	if resp := <-fresh; resp != nil {
		return mark(resp, CacheMiss)
	}
	return unavailable(req, "text/plain", msgContentOffline)
}

// offlineDocument returns the pre-seeded offline page, or a minimal inline
// page when seeding never completed.
func (e *Executor) offlineDocument(store *httpcache.HTTPCache, req *http.Request) *http.Response {
	if store != nil && e.offlineURL != "" {
		resp, err := store.MatchURL(e.offlineURL)
		if err != nil {
			logrus.Errorf("Failed to get offline document: %v", err)
		}
		if resp != nil {
			resp.Request = req
			return mark(resp, CacheOffline)
		}
	}
	logrus.Warnf("Offline document %s is not cached", e.offlineURL)
	return unavailable(req, "text/html; charset=utf-8", msgOfflinePage)
}
