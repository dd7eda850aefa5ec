package strategy

import (
	"net/url"
	"testing"

	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterClassify(t *testing.T) {
	router := NewRouter(config.Default().Routes)

	tests := []struct {
		target   string
		class    Class
		strategy Strategy
	}{
		{"http://origin.test/blog/my-post", ContentItem, NetworkFirstOffline},
		{"http://origin.test/blog/my-post?ref=rss", ContentItem, NetworkFirstOffline},
		{"http://origin.test/blog/post.json", Other, NetworkFirst},
		{"http://origin.test/", ShellPage, StaleWhileRevalidate},
		{"http://origin.test", ShellPage, StaleWhileRevalidate},
		{"http://origin.test/blog", ShellPage, StaleWhileRevalidate},
		{"http://origin.test/images/logo.png", MediaAsset, CacheFirst},
		{"http://origin.test/generated/cover.webp", MediaAsset, CacheFirst},
		{"http://origin.test/assets/index-abc.js", StaticAsset, CacheFirst},
		{"http://origin.test/assets/index-abc.css", StaticAsset, CacheFirst},
		{"http://origin.test/offline", Other, NetworkFirst},
		{"http://origin.test/api/search?q=go", Other, NetworkFirst},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			u, err := url.Parse(tt.target)
			require.NoError(t, err)

			rule := router.Classify(u)
			assert.Equal(t, tt.class, rule.Class, "class of %s", tt.target)
			assert.Equal(t, tt.strategy, rule.Strategy, "strategy of %s", tt.target)
		})
	}
}

func TestRouterFirstMatchWins(t *testing.T) {
	// a script under the content prefix has an extension, so it is not a content item
	router := NewRouter(config.Default().Routes)
	u, err := url.Parse("http://origin.test/blog/widget.js")
	require.NoError(t, err)
	assert.Equal(t, StaticAsset, router.Classify(u).Class)

	// an image under an asset prefix wins over the extension rule
	u, err = url.Parse("http://origin.test/images/app.js")
	require.NoError(t, err)
	assert.Equal(t, MediaAsset, router.Classify(u).Class)
}

func TestStrategyNames(t *testing.T) {
	assert.Equal(t, "cache-first", CacheFirst.String())
	assert.Equal(t, "stale-while-revalidate", StaleWhileRevalidate.String())
	assert.Equal(t, "content-item", ContentItem.String())
	assert.Equal(t, "other", Other.String())
}
