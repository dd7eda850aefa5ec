package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/iTrooz/offline-proxy/internal/background"
	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/control"
	"github.com/iTrooz/offline-proxy/internal/lifecycle"
	"github.com/iTrooz/offline-proxy/internal/network"
	"github.com/iTrooz/offline-proxy/internal/strategy"
	"github.com/sirupsen/logrus"
)

const agentPrefix = "/__agent/"

// Server represents the caching proxy server
type Server struct {
	config    *config.Config
	client    *network.Client
	manager   *lifecycle.Manager
	executor  *strategy.Executor
	channel   *control.Channel
	scheduler *background.Scheduler
	proxy     *goproxy.ProxyHttpServer

	controlled atomic.Bool
}

// New creates a new proxy server backed by the on-disk cache folder
func New(cfg *config.Config) (*Server, error) {
	storage, err := cache.NewDisk(cfg.Cache.Folder, cfg.Cache.Prefix)
	if err != nil {
		return nil, err
	}
	return NewWithStorage(cfg, storage)
}

// NewWithStorage creates a new proxy server over the given store namespace
func NewWithStorage(cfg *config.Config, storage *cache.Storage) (*Server, error) {
	origin, err := url.Parse(cfg.Origin.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin URL: %w", err)
	}
	timeout, err := cfg.GetOriginTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid origin timeout: %w", err)
	}
	interval, err := cfg.GetProbeInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid probe interval: %w", err)
	}
	maxBackoff, err := cfg.GetMaxBackoff()
	if err != nil {
		return nil, fmt.Errorf("invalid max backoff: %w", err)
	}

	client := network.NewClient(origin, timeout)
	offline, err := client.Resolve(cfg.Cache.OfflineURL)
	if err != nil {
		return nil, fmt.Errorf("invalid offline URL: %w", err)
	}

	s := &Server{
		config: cfg,
		client: client,
	}

	s.manager = lifecycle.NewManager(storage, client, cfg.CurrentCacheName(), cfg.Cache.Seed)
	s.manager.OnClaim(func() {
		s.controlled.Store(true)
		logrus.Infof("Claimed open clients, intercepting requests for %s", origin.Host)
	})

	router := strategy.NewRouter(cfg.Routes)
	s.executor = strategy.NewExecutor(router, s.manager, client, offline.String())
	s.channel = control.New(s.manager, client, router)

	refresher := background.NewRefresher(s.manager, client, cfg.Sync.Tag, cfg.Sync.RefreshURL)
	s.scheduler = background.NewScheduler(refresher.Run, background.OriginProbe(client), interval, maxBackoff)

	if err := s.setupProxy(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) setupProxy() error {
	s.proxy = goproxy.NewProxyHttpServer()
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.DebugLevel)
	s.proxy.NonproxyHandler = s.nonProxyHandler()

	if s.config.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			return err
		}
	}

	s.proxy.OnRequest(goproxy.ReqConditionFunc(s.intercepts)).DoFunc(
		func(requ *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
			return requ, s.executor.Handle(requ.Context(), requ)
		})
	return nil
}

// intercepts reports whether the agent answers requ instead of the network
func (s *Server) intercepts(requ *http.Request, _ *goproxy.ProxyCtx) bool {
	return requ.Method == http.MethodGet && s.controlled.Load() && s.client.InScope(requ.URL)
}

func (s *Server) nonProxyHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(agentPrefix+"message", s.channel)
	mux.Handle(agentPrefix+"sync", s.scheduler)
	mux.HandleFunc(agentPrefix+"health", s.handleHealth)
	mux.HandleFunc("/", s.handleRequest)
	return mux
}

// GetProxy returns the proxy handler (exported for testing)
func (s *Server) GetProxy() http.Handler {
	return s.proxy
}

// Controlled reports whether activation has claimed the clients
func (s *Server) Controlled() bool {
	return s.controlled.Load()
}

// Init runs the install and activate phases. On install failure the
// server stays a pass-through proxy and the previous stores are kept.
func (s *Server) Init(ctx context.Context) error {
	if err := s.manager.Install(ctx); err != nil {
		logrus.Warnf("Install failed, staying in pass-through mode: %v", err)
		return err
	}
	// activate right away instead of waiting for older agents to go away
	if err := s.manager.Activate(ctx); err != nil {
		logrus.Errorf("Activation failed: %v", err)
		return err
	}
	return nil
}

// Start starts the proxy server and blocks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	logrus.Infof("Starting offline proxy on port %d", s.config.Server.Port)
	logrus.Infof("Origin: %s", s.config.Origin.URL)
	logrus.Infof("Cache directory: %s", s.config.Cache.Folder)
	logrus.Infof("Cache store: %s", s.manager.CurrentName())

	// failure is logged by Init and leaves the server uncontrolled
	_ = s.Init(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Server.Port),
		Handler: s.proxy,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		_ = s.scheduler.Run(ctx)
	}()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer stop()
		err = srv.Shutdown(shutdownCtx)
	}
	cancel()
	<-schedulerDone
	s.Close()

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close waits for background revalidations and control messages
func (s *Server) Close() {
	s.executor.Wait()
	s.channel.Wait()
}

type health struct {
	Controlled bool   `json:"controlled"`
	Cache      string `json:"cache"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health{
		Controlled: s.controlled.Load(),
		Cache:      s.manager.CurrentName(),
	}); err != nil {
		logrus.Errorf("Failed to write health: %v", err)
	}
}

// HandleRequest handles reverse-mode requests (exported for testing)
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	s.handleRequest(w, r)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	requ, err := s.originRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if requ.Method == http.MethodGet && s.controlled.Load() {
		writeResponse(w, s.executor.Handle(r.Context(), requ))
		return
	}

	// Forward the request
	s.forwardRequest(w, requ)
}

// originRequest rewrites a request addressed to the proxy onto the origin
func (s *Server) originRequest(r *http.Request) (*http.Request, error) {
	if r.URL.Path == "" || r.URL.Path[0] != '/' {
		return nil, fmt.Errorf("invalid request path %q", r.URL.Path)
	}
	ref := &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}

	requ := r.Clone(r.Context())
	requ.URL = s.client.Origin().ResolveReference(ref)
	requ.Host = ""
	requ.RequestURI = ""
	return requ, nil
}
