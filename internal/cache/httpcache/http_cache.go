package httpcache

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/sirupsen/logrus"
)

// ErrNotCacheable is returned when asked to store anything but a successful GET
var ErrNotCacheable = errors.New("response is not cacheable")

// HTTPCache stores response snapshots keyed by request
type HTTPCache struct {
	cache cache.GenericCache
}

func New(cache cache.GenericCache) *HTTPCache {
	return &HTTPCache{
		cache: cache,
	}
}

// Cacheable reports whether a request/response pair may be stored
func Cacheable(request *http.Request, resp *http.Response) bool {
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	return method == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Put stores a snapshot of resp for request. resp.Body stays readable.
func (d *HTTPCache) Put(request *http.Request, resp *http.Response) error {
	if !Cacheable(request, resp) {
		return fmt.Errorf("%w: %s %s -> %d", ErrNotCacheable, request.Method, request.URL, resp.StatusCode)
	}

	cacheKey, err := GenerateKey(request)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}

	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := d.cache.Set(cacheKey, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// Match returns the stored response for request, or nil on a miss
func (d *HTTPCache) Match(req *http.Request) (*http.Response, error) {
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, nil
	}

	requestKey, err := GenerateKey(req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cache key: %w", err)
	}

	resp, err := d.getKey(requestKey)
	if err != nil {
		return nil, err
	}
	// Handle no cache hit
	if resp == nil {
		return nil, nil
	}

	// Associate the original request with the response
	resp.Request = req
	logrus.Debugf("Cache hit for %s %s", req.Method, req.URL.String())
	return resp, nil
}

// MatchURL looks up the GET entry of an absolute URL
func (d *HTTPCache) MatchURL(rawURL string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid cache URL %q: %w", rawURL, err)
	}
	return d.Match(req)
}

// Delete removes the entry of request
func (d *HTTPCache) Delete(req *http.Request) error {
	requestKey, err := GenerateKey(req)
	if err != nil {
		return fmt.Errorf("failed to generate cache key: %w", err)
	}
	return d.cache.Delete(requestKey)
}

// Requests lists the URLs of every cached GET request
func (d *HTTPCache) Requests() ([]*url.URL, error) {
	keys, err := d.cache.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache: %w", err)
	}

	urls := make([]*url.URL, 0, len(keys))
	for _, key := range keys {
		method, u, err := ParseKey(key)
		if err != nil {
			logrus.Debugf("Ignoring cache key %q: %v", key, err)
			continue
		}
		if method != http.MethodGet {
			continue
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func (d *HTTPCache) getKey(requestKey string) (*http.Response, error) {
	data, err := d.cache.Get(requestKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	resp, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	return resp, nil
}
