// Package background runs deferred, connectivity-triggered refresh tasks.
package background

import (
	"context"
	"fmt"
	"net/http"

	"github.com/iTrooz/offline-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-proxy/internal/strategy"
	"github.com/sirupsen/logrus"
)

// Origin resolves and fetches origin resources
type Origin interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
	NewRequest(ctx context.Context, rawURL string) (*http.Request, error)
}

// Refresher is the agent side of a deferred task: it refreshes the
// index resource when the host reports connectivity.
type Refresher struct {
	caches     strategy.Caches
	origin     Origin
	tag        string
	refreshURL string
}

// NewRefresher creates a refresher answering to tag
func NewRefresher(caches strategy.Caches, origin Origin, tag, refreshURL string) *Refresher {
	return &Refresher{
		caches:     caches,
		origin:     origin,
		tag:        tag,
		refreshURL: refreshURL,
	}
}

// Tag returns the task identifier the refresher answers to
func (r *Refresher) Tag() string {
	return r.tag
}

// Run refreshes the index entry for tag. Unknown tags are ignored.
// The returned error is for the host's retry policy only.
func (r *Refresher) Run(ctx context.Context, tag string) error {
	if tag != r.tag {
		logrus.Debugf("Ignoring background task %q", tag)
		return nil
	}

	if err := r.refresh(ctx); err != nil {
		logrus.Warnf("Background caching failed: %v", err)
		return err
	}
	logrus.Debugf("Background caching completed: %s", r.refreshURL)
	return nil
}

func (r *Refresher) refresh(ctx context.Context) error {
	req, err := r.origin.NewRequest(ctx, r.refreshURL)
	if err != nil {
		return err
	}

	resp, err := r.origin.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !httpcache.Cacheable(req, resp) {
		return fmt.Errorf("refreshing %s: status %d", req.URL, resp.StatusCode)
	}

	store, err := r.caches.Current()
	if err != nil {
		return err
	}
	return store.Put(req, resp)
}
