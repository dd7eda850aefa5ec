package strategy

import (
	"io"
	"net/http"
	"strings"
)

// Values of the X-Cache response header
const (
	CacheHit         = "HIT"
	CacheMiss        = "MISS"
	CacheStale       = "STALE"
	CacheOffline     = "OFFLINE"
	CacheUnavailable = "UNAVAILABLE"
)

const (
	msgContentOffline = "Content not available offline"
	msgImageOffline   = "Image not available offline"
	msgOfflinePage    = "<!DOCTYPE html><html><head><title>Offline</title></head><body><p>You are offline and this page is not cached.</p></body></html>"
)

// IsNavigation reports whether req loads a full document rather than a sub-resource
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

func is2xx(resp *http.Response) bool {
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func mark(resp *http.Response, state string) *http.Response {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set("X-Cache", state)
	return resp
}

// unavailable builds the synthetic 503 answer
func unavailable(req *http.Request, contentType, body string) *http.Response {
	return &http.Response{
		Status:     "503 Service Unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": []string{contentType},
			"X-Cache":      []string{CacheUnavailable},
		},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
