package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/control"
	"github.com/iTrooz/offline-proxy/internal/lifecycle"
	"github.com/iTrooz/offline-proxy/internal/network/networktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureConfig(t *testing.T, originURL string) *config.Config {
	cfg := config.Default()
	cfg.Origin.URL = originURL
	cfg.Cache.Folder = t.TempDir()
	return &cfg
}

func fixtureServer(t *testing.T) (*Server, *networktest.Upstream) {
	upstream := networktest.NewUpstream()
	t.Cleanup(upstream.Close)

	server, err := New(fixtureConfig(t, upstream.URL))
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return server, upstream
}

func get(t *testing.T, handler http.Handler, target string, header http.Header) *http.Response {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for key, values := range header {
		req.Header[key] = values
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Result()
}

func body(t *testing.T, resp *http.Response) string {
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestNew(t *testing.T) {
	cfg := fixtureConfig(t, "http://origin.test")
	_, err := New(cfg)
	require.NoError(t, err)

	cfg.Origin.Timeout = "soon"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestPassThroughBeforeActivation(t *testing.T) {
	server, _ := fixtureServer(t)
	assert.False(t, server.Controlled())

	resp := get(t, server.GetProxy(), "/blog/hello", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Cache"))
	assert.Equal(t, "<title>Hello</title>", body(t, resp))
}

func TestInitClaims(t *testing.T) {
	server, _ := fixtureServer(t)
	require.NoError(t, server.Init(context.Background()))
	assert.True(t, server.Controlled())

	resp := get(t, server.GetProxy(), "/__agent/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, health{Controlled: true, Cache: "haas-blog-v1"}, h)
}

func TestInitFailureStaysUncontrolled(t *testing.T) {
	server, upstream := fixtureServer(t)
	upstream.Remove("/favicon.svg")

	err := server.Init(context.Background())
	var seedErr *lifecycle.SeedError
	require.ErrorAs(t, err, &seedErr)
	assert.Equal(t, http.StatusNotFound, seedErr.StatusCode)
	assert.False(t, server.Controlled())

	resp := get(t, server.GetProxy(), "/blog", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Cache"))
}

func TestReverseModeStrategies(t *testing.T) {
	server, upstream := fixtureServer(t)
	require.NoError(t, server.Init(context.Background()))
	handler := server.GetProxy()

	// shell page seeded at install
	resp := get(t, handler, "/blog", nil)
	assert.Equal(t, "STALE", resp.Header.Get("X-Cache"))
	assert.Equal(t, "<title>Blog</title>", body(t, resp))

	resp = get(t, handler, "/blog/hello", nil)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))

	upstream.SetFailing(true)
	resp = get(t, handler, "/blog/hello", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "<title>Hello</title>", body(t, resp))

	server.Close()
	upstream.Close()

	resp = get(t, handler, "/blog/unknown", http.Header{"Sec-Fetch-Mode": {"navigate"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OFFLINE", resp.Header.Get("X-Cache"))
	assert.Equal(t, "<title>Offline</title>", body(t, resp))

	resp = get(t, handler, "/images/cover.png", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Image not available offline", body(t, resp))
}

func TestNonGetPassesThrough(t *testing.T) {
	server, upstream := fixtureServer(t)
	require.NoError(t, server.Init(context.Background()))
	upstream.SetPage("/api/feedback", networktest.Page{Status: http.StatusCreated, ContentType: "application/json", Body: `{}`})

	rec := httptest.NewRecorder()
	server.GetProxy().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/feedback", strings.NewReader(`{"ok":true}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Cache"))
	assert.Contains(t, upstream.Methods(), http.MethodPost)
}

func TestAgentEndpoints(t *testing.T) {
	server, _ := fixtureServer(t)
	require.NoError(t, server.Init(context.Background()))
	handler := server.GetProxy()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__agent/message", strings.NewReader(`{"type":"GET_CACHE_STATUS"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var status control.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, 5, status.TotalCached)
	assert.Equal(t, 0, status.BlogPostsCached)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__agent/sync", strings.NewReader(`{"tag":"cache-blog-posts"}`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"cache-blog-posts"}, server.scheduler.Pending())
}

func TestHostname(t *testing.T) {
	assert.Equal(t, "origin.test", hostname("origin.test:443"))
	assert.Equal(t, "origin.test", hostname("origin.test"))
}

func TestCertStoreCachesPerHost(t *testing.T) {
	store := newCertStore()
	calls := 0
	gen := func() (*tls.Certificate, error) {
		calls++
		return &tls.Certificate{}, nil
	}

	first, err := store.Fetch("origin.test", gen)
	require.NoError(t, err)
	second, err := store.Fetch("origin.test", gen)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)

	_, err = store.Fetch("broken.test", func() (*tls.Certificate, error) { return nil, errors.New("boom") })
	assert.Error(t, err)
}
