package network

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientFetch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		assert.Empty(t, r.Header.Get("Proxy-Connection"))
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello " + r.URL.Path))
	}))
	defer upstream.Close()

	origin, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	client := NewClient(origin, 5*time.Second)

	req, err := http.NewRequest(http.MethodGet, "/blog/x", nil)
	require.NoError(t, err)
	req.Header.Set("X-Test", "yes")
	req.Header.Set("Proxy-Connection", "keep-alive")

	resp, err := client.Fetch(context.Background(), req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello /blog/x", string(body))
	assert.Same(t, req, resp.Request)
}

func TestClientFetchNetworkFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	origin, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	upstream.Close()

	client := NewClient(origin, time.Second)
	req, err := client.NewRequest(context.Background(), "/")
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), req)
	assert.Error(t, err)
}

func TestClientScope(t *testing.T) {
	origin, err := url.Parse("https://blog.example.com")
	require.NoError(t, err)
	client := NewClient(origin, time.Second)

	tests := []struct {
		target string
		want   bool
	}{
		{"/blog", true},
		{"https://blog.example.com/blog", true},
		{"https://BLOG.example.com:443/", true},
		{"https://cdn.example.com/x.js", false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			u, err := url.Parse(tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, client.InScope(u))
		})
	}

	resolved, err := client.Resolve("/offline")
	require.NoError(t, err)
	assert.Equal(t, "https://blog.example.com/offline", resolved.String())
}
