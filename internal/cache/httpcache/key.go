package httpcache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// NormalizeURL returns the canonical form of u used in cache keys:
// lowercase scheme and host, no default port, no fragment, "/" for an empty path.
func NormalizeURL(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	switch n.Scheme {
	case "http":
		n.Host = strings.TrimSuffix(n.Host, ":80")
	case "https":
		n.Host = strings.TrimSuffix(n.Host, ":443")
	}
	n.User = nil
	n.Fragment = ""
	n.RawFragment = ""
	if n.Path == "" {
		n.Path = "/"
		n.RawPath = ""
	}
	return n.String()
}

// GenerateKey builds the cache key of a request: METHOD SP normalized-URL
func GenerateKey(request *http.Request) (string, error) {
	if request.URL == nil || !request.URL.IsAbs() || request.URL.Host == "" {
		return "", fmt.Errorf("cannot build cache key for non-absolute URL %v", request.URL)
	}
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + NormalizeURL(request.URL), nil
}

// ParseKey splits a cache key back into its method and URL
func ParseKey(key string) (string, *url.URL, error) {
	method, rawURL, ok := strings.Cut(key, " ")
	if !ok {
		return "", nil, fmt.Errorf("malformed cache key: %q", key)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("malformed cache key URL: %w", err)
	}
	return method, u, nil
}
