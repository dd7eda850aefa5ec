package proxy

import (
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// forwardRequest sends requ to the origin unmodified and relays the answer
func (s *Server) forwardRequest(w http.ResponseWriter, requ *http.Request) {
	resp, err := s.client.Fetch(requ.Context(), requ)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeResponse(w, resp)
	logrus.Infof("Forwarded request: %s %s -> %d", requ.Method, requ.URL, resp.StatusCode)
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()

	// Copy response headers
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logrus.Errorf("Failed to write response body: %v", err)
	}
}
