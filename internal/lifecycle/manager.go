// Package lifecycle manages the versioned cache stores of the agent:
// opening the current store, seeding it at install time and removing
// the stores of previous versions once the new version activates.
package lifecycle

import (
	"context"
	"fmt"
	"net/http"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-proxy/internal/network"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxSeedFetches bounds the number of concurrent seed fetches
const maxSeedFetches = 4

// SeedError reports the resource that made a seed operation fail
type SeedError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *SeedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("seeding %s failed: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("seeding %s failed: status %d", e.URL, e.StatusCode)
}

func (e *SeedError) Unwrap() error {
	return e.Err
}

// Origin resolves and fetches origin resources
type Origin interface {
	network.Fetcher
	NewRequest(ctx context.Context, rawURL string) (*http.Request, error)
}

// Manager owns the cache stores of one agent version
type Manager struct {
	storage *cache.Storage
	origin  Origin
	current string
	seed    []string
	claim   func()
}

// NewManager creates a manager whose current store is named current
func NewManager(storage *cache.Storage, origin Origin, current string, seed []string) *Manager {
	return &Manager{
		storage: storage,
		origin:  origin,
		current: current,
		seed:    seed,
		claim:   func() {},
	}
}

// OnClaim registers the hook run once activation has cleaned up old stores
func (m *Manager) OnClaim(claim func()) {
	m.claim = claim
}

// CurrentName returns the name of the current-version store
func (m *Manager) CurrentName() string {
	return m.current
}

// Open returns the named store, creating it if absent
func (m *Manager) Open(name string) (*httpcache.HTTPCache, error) {
	store, err := m.storage.Open(name)
	if err != nil {
		return nil, err
	}
	return httpcache.New(store), nil
}

// Current opens the current-version store. It is reopened on every call
// rather than kept around between events.
func (m *Manager) Current() (*httpcache.HTTPCache, error) {
	return m.Open(m.current)
}

// Install opens the current store and seeds it with the configured resources
func (m *Manager) Install(ctx context.Context) error {
	logrus.Infof("Installing cache store %s", m.current)
	if err := m.Seed(ctx, m.seed); err != nil {
		return fmt.Errorf("failed to install %s: %w", m.current, err)
	}
	logrus.Infof("Seeded %d resources into %s", len(m.seed), m.current)
	return nil
}

type seedEntry struct {
	req  *http.Request
	resp *http.Response
}

// Seed fetches every resource and inserts all of them into the current store.
// Nothing is written unless every fetch succeeds with a 2xx status.
func (m *Manager) Seed(ctx context.Context, resources []string) error {
	entries := make([]seedEntry, len(resources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxSeedFetches)
	for i, resource := range resources {
		g.Go(func() error {
			req, err := m.origin.NewRequest(gctx, resource)
			if err != nil {
				return &SeedError{URL: resource, Err: err}
			}
			resp, err := m.origin.Fetch(gctx, req)
			if err != nil {
				return &SeedError{URL: resource, Err: err}
			}
			if !httpcache.Cacheable(req, resp) {
				return &SeedError{URL: resource, StatusCode: resp.StatusCode}
			}
			entries[i] = seedEntry{req: req, resp: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	store, err := m.Current()
	if err != nil {
		return fmt.Errorf("failed to open cache store: %w", err)
	}

	// keep what was there before so a failed write can be rolled back
	previous := make([]*http.Response, len(entries))
	for i, entry := range entries {
		if previous[i], err = store.Match(entry.req); err != nil {
			return fmt.Errorf("failed to read cache store: %w", err)
		}
	}

	for i, entry := range entries {
		if err := store.Put(entry.req, entry.resp); err != nil {
			m.rollback(store, entries[:i+1], previous)
			return &SeedError{URL: entry.req.URL.String(), Err: err}
		}
	}
	return nil
}

func (m *Manager) rollback(store *httpcache.HTTPCache, written []seedEntry, previous []*http.Response) {
	for i, entry := range written {
		var err error
		if previous[i] != nil {
			err = store.Put(entry.req, previous[i])
		} else {
			err = store.Delete(entry.req)
		}
		if err != nil {
			logrus.Errorf("Failed to roll back seeded entry %s: %v", entry.req.URL, err)
		}
	}
}

// CleanupStaleVersions deletes every store of the namespace except current
// and returns the names it deleted.
func (m *Manager) CleanupStaleVersions(current string) ([]string, error) {
	names, err := m.storage.Names()
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, name := range names {
		if name == current {
			continue
		}
		if _, err := m.storage.Delete(name); err != nil {
			return deleted, err
		}
		logrus.Infof("Deleted old cache store: %s", name)
		deleted = append(deleted, name)
	}
	return deleted, nil
}

// Activate removes stale stores and claims the open foreground contexts
func (m *Manager) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.storage.Open(m.current); err != nil {
		return fmt.Errorf("failed to open cache store: %w", err)
	}
	if _, err := m.CleanupStaleVersions(m.current); err != nil {
		return fmt.Errorf("failed to clean up old cache stores: %w", err)
	}
	m.claim()
	logrus.Infof("Activated cache store %s", m.current)
	return nil
}
