package networktest

import (
	"net/http"
	"net/http/httptest"
	"sync"
)

// Upstream is a real HTTP origin serving canned pages
type Upstream struct {
	*httptest.Server

	mu      sync.Mutex
	pages   map[string]Page
	failing bool
	methods []string
}

// NewUpstream starts an upstream serving the default blog site:
// every seed resource plus one content item.
func NewUpstream() *Upstream {
	u := &Upstream{pages: map[string]Page{
		"/":            {Status: http.StatusOK, ContentType: "text/html", Body: "<title>Home</title>"},
		"/blog":        {Status: http.StatusOK, ContentType: "text/html", Body: "<title>Blog</title>"},
		"/offline":     {Status: http.StatusOK, ContentType: "text/html", Body: "<title>Offline</title>"},
		"/favicon.ico": {Status: http.StatusOK, ContentType: "image/x-icon", Body: "ico"},
		"/favicon.svg": {Status: http.StatusOK, ContentType: "image/svg+xml", Body: "<svg/>"},
		"/blog/hello":  {Status: http.StatusOK, ContentType: "text/html", Body: "<title>Hello</title>"},
	}}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	return u
}

// Set registers a 200 HTML page
func (u *Upstream) Set(path, body string) {
	u.SetPage(path, Page{Status: http.StatusOK, ContentType: "text/html", Body: body})
}

// SetPage registers an arbitrary answer
func (u *Upstream) SetPage(path string, page Page) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pages[path] = page
}

// Remove unregisters path, which then answers 404
func (u *Upstream) Remove(path string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.pages, path)
}

// SetFailing makes every request answer 500
func (u *Upstream) SetFailing(failing bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failing = failing
}

// Methods returns the methods of every request received so far
func (u *Upstream) Methods() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.methods...)
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.methods = append(u.methods, r.Method)
	page, ok := u.pages[r.URL.Path]
	failing := u.failing
	u.mu.Unlock()

	if failing {
		http.Error(w, "upstream failure", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", page.ContentType)
	w.WriteHeader(page.Status)
	_, _ = w.Write([]byte(page.Body))
}
