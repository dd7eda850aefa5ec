package tests

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"time"

	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/proxy"
)

// fixture_config creates a test config pointing at originURL
func fixture_config(originURL, tempDir, version string) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // Will be set by test server
	cfg.Origin.URL = originURL
	cfg.Cache.Folder = tempDir
	if version != "" {
		cfg.Cache.Version = version
	}
	return &cfg
}

// fixture_proxy creates a proxy server with the given config and returns the server, test server, and HTTP client
func fixture_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client, error) {
	proxyServer, err := proxy.New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client, nil
}
