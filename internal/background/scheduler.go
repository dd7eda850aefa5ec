package background

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Task runs the deferred work registered under tag
type Task func(ctx context.Context, tag string) error

// Probe reports whether the origin is reachable
type Probe func(ctx context.Context) bool

// Scheduler plays the host's part for deferred tasks: it keeps the
// registered tags and runs them once connectivity is available, retrying
// failures with exponential back-off.
type Scheduler struct {
	task       Task
	probe      Probe
	interval   time.Duration
	maxBackoff time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	wake    chan struct{}
}

// NewScheduler creates a scheduler that checks connectivity every interval
// while tasks are pending
func NewScheduler(task Task, probe Probe, interval, maxBackoff time.Duration) *Scheduler {
	return &Scheduler{
		task:       task,
		probe:      probe,
		interval:   interval,
		maxBackoff: maxBackoff,
		pending:    make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
	}
}

// OriginProbe builds a Probe issuing a HEAD request for the origin root
func OriginProbe(origin Origin) Probe {
	return func(ctx context.Context) bool {
		req, err := origin.NewRequest(ctx, "/")
		if err != nil {
			return false
		}
		req.Method = http.MethodHead
		_, err = origin.Fetch(ctx, req)
		return err == nil
	}
}

// Register records a deferred task; registering a pending tag is a no-op
func (s *Scheduler) Register(tag string) {
	s.mu.Lock()
	s.pending[tag] = struct{}{}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	logrus.Debugf("Registered background task %q", tag)
}

// Pending lists the registered tags that have not completed, sorted
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags := make([]string, 0, len(s.pending))
	for tag := range s.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// RunPending runs every pending task if the origin is reachable.
// Completed tasks are dropped; it reports whether nothing is left pending.
func (s *Scheduler) RunPending(ctx context.Context) bool {
	tags := s.Pending()
	if len(tags) == 0 {
		return true
	}
	if !s.probe(ctx) {
		logrus.Debugf("Origin unreachable, deferring %d background tasks", len(tags))
		return false
	}

	done := true
	for _, tag := range tags {
		if err := s.task(ctx, tag); err != nil {
			done = false
			continue
		}
		s.mu.Lock()
		delete(s.pending, tag)
		s.mu.Unlock()
	}
	return done
}

// Run drives pending tasks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.interval
	retry.MaxInterval = s.maxBackoff
	retry.MaxElapsedTime = 0
	retry.Reset()

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}

		if s.RunPending(ctx) {
			retry.Reset()
			// idle or done: look again after the regular interval
			resetTimer(timer, s.interval)
			continue
		}
		resetTimer(timer, retry.NextBackOff())
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

type syncRequest struct {
	Tag string `json:"tag"`
}

// ServeHTTP registers the tag sent as {"tag": "..."}
func (s *Scheduler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body syncRequest
	data, err := io.ReadAll(io.LimitReader(r.Body, 4<<10))
	if err == nil {
		err = json.Unmarshal(data, &body)
	}
	if err != nil || body.Tag == "" {
		http.Error(w, "expected {\"tag\": \"...\"}", http.StatusBadRequest)
		return
	}

	s.Register(body.Tag)
	w.WriteHeader(http.StatusAccepted)
}
