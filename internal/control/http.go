package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const maxMessageSize = 64 << 10

// ServeHTTP accepts a JSON control message. GET_CACHE_STATUS answers with
// the status document; every other message is acknowledged with 202 and
// processed in the background.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg Message
	data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err == nil {
		err = json.Unmarshal(data, &msg)
	}
	if err != nil {
		logrus.Warnf("Ignoring malformed control message: %v", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if msg.Type != TypeGetCacheStatus {
		c.pending.Add(1)
		go func() {
			defer c.pending.Done()
			c.Handle(context.WithoutCancel(r.Context()), msg, nil)
		}()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// one reply channel per query, so concurrent queries never cross
	reply := make(chan Status, 1)
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		c.Handle(r.Context(), msg, reply)
	}()

	select {
	case status := <-reply:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logrus.Errorf("Failed to write cache status: %v", err)
		}
	case <-time.After(c.ReplyWindow):
		http.Error(w, "cache status timed out", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}
