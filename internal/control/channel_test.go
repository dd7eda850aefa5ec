package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/lifecycle"
	"github.com/iTrooz/offline-proxy/internal/network/networktest"
	"github.com/iTrooz/offline-proxy/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newChannel(t *testing.T) (*Channel, *networktest.Origin) {
	t.Helper()
	origin := networktest.NewOrigin()
	origin.Set("/", "<title>Home</title>")
	origin.Set("/blog", "<title>Blog</title>")
	origin.Set("/offline", "<title>Offline</title>")
	origin.Set("/blog/x", "<html><head><title>Post X</title></head></html>")
	origin.Set("/blog/no-title", "<html><body>nothing</body></html>")

	manager := lifecycle.NewManager(cache.NewMemory("haas-blog-"), origin, "haas-blog-v1", []string{"/", "/blog", "/offline"})
	require.NoError(t, manager.Install(context.Background()))

	channel := New(manager, origin, strategy.NewRouter(config.Default().Routes))
	channel.clock = func() time.Time { return time.UnixMilli(1700000000000) }
	t.Cleanup(channel.Wait)
	return channel, origin
}

func status(t *testing.T, channel *Channel) Status {
	t.Helper()
	reply := make(chan Status, 1)
	channel.Handle(context.Background(), Message{Type: TypeGetCacheStatus}, reply)
	select {
	case s := <-reply:
		return s
	default:
		t.Fatal("no reply sent")
		return Status{}
	}
}

func TestCacheBlogPostThenStatus(t *testing.T) {
	channel, _ := newChannel(t)

	before := status(t, channel)
	assert.Equal(t, 3, before.TotalCached)
	assert.Equal(t, 0, before.BlogPostsCached)
	assert.Empty(t, before.BlogPosts)

	channel.Handle(context.Background(), Message{Type: TypeCacheBlogPost, URL: "/blog/x"}, nil)

	after := status(t, channel)
	assert.Equal(t, before.BlogPostsCached+1, after.BlogPostsCached)
	assert.Equal(t, before.TotalCached+1, after.TotalCached)
	assert.Contains(t, after.BlogPosts, BlogPost{URL: "/blog/x", Title: "Post X"})
	assert.Equal(t, int64(1700000000000), after.LastUpdated)
}

func TestCacheBlogPostSkipsCachedURL(t *testing.T) {
	channel, origin := newChannel(t)

	channel.Handle(context.Background(), Message{Type: TypeCacheBlogPost, URL: "/blog/x"}, nil)
	channel.Handle(context.Background(), Message{Type: TypeCacheBlogPost, URL: "/blog/x"}, nil)
	assert.Equal(t, 1, origin.Calls("/blog/x"))
}

func TestCacheBlogPostFailuresAreSwallowed(t *testing.T) {
	channel, origin := newChannel(t)

	channel.Handle(context.Background(), Message{Type: TypeCacheBlogPost, URL: "/blog/missing"}, nil)
	channel.Handle(context.Background(), Message{Type: TypeCacheBlogPost}, nil)
	channel.Handle(context.Background(), Message{Type: "SOMETHING_ELSE"}, nil)
	origin.SetOffline(true)
	channel.Handle(context.Background(), Message{Type: TypeCacheBlogPost, URL: "/blog/x"}, nil)

	assert.Equal(t, 0, status(t, channel).BlogPostsCached)
}

func TestStatusIsStable(t *testing.T) {
	channel, _ := newChannel(t)
	channel.Handle(context.Background(), Message{Type: TypeCacheBlogPost, URL: "/blog/x"}, nil)

	first := status(t, channel)
	second := status(t, channel)
	assert.Equal(t, first.TotalCached, second.TotalCached)
	assert.Equal(t, first.BlogPostsCached, second.BlogPostsCached)
}

func TestStatusDefaultsTitle(t *testing.T) {
	channel, _ := newChannel(t)
	channel.Handle(context.Background(), Message{Type: TypeCacheBlogPost, URL: "/blog/no-title"}, nil)
	channel.Handle(context.Background(), Message{Type: TypeCacheBlogPost, URL: "/blog/x"}, nil)

	s := status(t, channel)
	assert.Equal(t, []BlogPost{
		{URL: "/blog/no-title", Title: "Untitled"},
		{URL: "/blog/x", Title: "Post X"},
	}, s.BlogPosts)
}

func TestHTTPStatusQuery(t *testing.T) {
	channel, _ := newChannel(t)
	channel.Handle(context.Background(), Message{Type: TypeCacheBlogPost, URL: "/blog/x"}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/__agent/message", strings.NewReader(`{"type":"GET_CACHE_STATUS"}`))
			channel.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			var s Status
			assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
			assert.Equal(t, 1, s.BlogPostsCached)
		}()
	}
	wg.Wait()
}

func TestHTTPCacheMessage(t *testing.T) {
	channel, origin := newChannel(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/__agent/message", strings.NewReader(`{"type":"CACHE_BLOG_POST","url":"/blog/x"}`))
	channel.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	channel.Wait()
	assert.Equal(t, 1, origin.Calls("/blog/x"))
	assert.Equal(t, 1, status(t, channel).BlogPostsCached)
}

func TestHTTPMalformedMessage(t *testing.T) {
	channel, _ := newChannel(t)

	rec := httptest.NewRecorder()
	channel.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__agent/message", strings.NewReader(`{not json`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	channel.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/__agent/message", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(Status{BlogPosts: []BlogPost{{URL: "/blog/x", Title: "X"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"totalCached":0,"blogPostsCached":0,"blogPosts":[{"url":"/blog/x","title":"X"}],"lastUpdated":0}`, string(data))
}

// slowCaches blocks Current until release is closed
type slowCaches struct {
	strategy.Caches
	release chan struct{}
}

func (s slowCaches) Current() (*httpcache.HTTPCache, error) {
	<-s.release
	return s.Caches.Current()
}

func TestHTTPStatusQueryTimesOut(t *testing.T) {
	origin := networktest.NewOrigin()
	manager := lifecycle.NewManager(cache.NewMemory("haas-blog-"), origin, "haas-blog-v1", nil)
	caches := slowCaches{Caches: manager, release: make(chan struct{})}

	channel := New(caches, origin, strategy.NewRouter(config.Default().Routes))
	channel.ReplyWindow = 10 * time.Millisecond

	rec := httptest.NewRecorder()
	channel.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/__agent/message", strings.NewReader(`{"type":"GET_CACHE_STATUS"}`)))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	// the late reply lands in its own buffered channel and is dropped
	close(caches.release)
	channel.Wait()
}
