package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-proxy/internal/cache"
	"github.com/iTrooz/offline-proxy/internal/config"
	"github.com/iTrooz/offline-proxy/internal/policy"
)

// Server represents the offline-first proxy server.
// It hosts the policy engines: every request in scope is answered by the active one.
type Server struct {
	config  *config.Config
	storage cache.Storage
	metrics *policy.Metrics
	proxy   *goproxy.ProxyHttpServer
	rules   []Rule

	active  atomic.Pointer[policy.Engine]
	waiting atomic.Pointer[policy.Engine]
	// engines replaced by a claim, still finishing background writes
	retired  sync.WaitGroup
	deployMu sync.Mutex

	mu          sync.Mutex
	httpServer  *http.Server
	httpsListen net.Listener
}

// New creates a new proxy server. Requests pass through untouched until the first Deploy.
func New(cfg *config.Config, storage cache.Storage, metrics *policy.Metrics) (*Server, error) {
	s := &Server{
		config:  cfg,
		storage: storage,
		metrics: metrics,
		proxy:   goproxy.NewProxyHttpServer(),
	}

	s.proxy.Logger = logrus.StandardLogger()
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.TraceLevel)
	s.proxy.CertStore = newCertStore()

	for _, rule := range cfg.Rules.Rules {
		s.rules = append(s.rules, &ConfigRule{Rule: rule})
	}

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			return nil, err
		}
	}

	s.proxy.OnRequest(goproxy.ReqConditionFunc(s.inScope)).DoFunc(s.handleRequest)

	return s, nil
}

// GetProxy returns the underlying goproxy server, usable as an http.Handler
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// Engine returns the active engine, nil before the first deployment
func (s *Server) Engine() *policy.Engine {
	return s.active.Load()
}

// Storage returns the cache storage shared by every engine
func (s *Server) Storage() cache.Storage {
	return s.storage
}

// Deploy installs and activates an engine for a cache version.
// It returns the engine and the stale generations removed during activation.
func (s *Server) Deploy(ctx context.Context, version string) (*policy.Engine, []string, error) {
	s.deployMu.Lock()
	defer s.deployMu.Unlock()

	cfg := s.config.EngineConfig(version)
	cfg.Host = s
	cfg.Metrics = s.metrics
	engine := policy.New(s.storage, s.proxy.Tr, cfg)

	if err := engine.Install(ctx); err != nil {
		return nil, nil, fmt.Errorf("installing version %s: %w", version, err)
	}

	// without skip waiting, the new engine waits for the current one to go idle.
	// Either way the current engine stops writing before cleanup, so it cannot
	// bring back a generation that activation removes.
	skip := s.waiting.CompareAndSwap(engine, nil)
	if current := s.active.Load(); current != nil {
		if !skip {
			current.Wait()
		}
		current.Retire()
	}

	deleted, err := engine.Activate(ctx)
	if err != nil {
		return nil, deleted, fmt.Errorf("activating version %s: %w", version, err)
	}

	logrus.Infof("Deployed cache version %s", version)
	return engine, deleted, nil
}

// SkipWaiting lets an installed engine activate while the current one is still busy
func (s *Server) SkipWaiting(_ context.Context, e *policy.Engine) error {
	s.waiting.Store(e)
	return nil
}

// Claim makes e the engine answering every request, the previous one finishes in the background
func (s *Server) Claim(_ context.Context, e *policy.Engine) error {
	previous := s.active.Swap(e)
	if previous == nil || previous == e {
		return nil
	}

	s.retired.Add(1)
	go func() {
		defer s.retired.Done()
		previous.Wait()
	}()
	logrus.Debugf("Engine for %s claimed all clients", e.Versions().Primary)
	return nil
}

// inScope applies the whitelist or blacklist rules
func (s *Server) inScope(req *http.Request, _ *goproxy.ProxyCtx) bool {
	matched := false
	for _, rule := range s.rules {
		if rule.Match(req) {
			matched = true
			break
		}
	}

	if s.config.Rules.Mode == "whitelist" {
		return matched
	}
	return !matched
}

func (s *Server) handleRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	engine := s.active.Load()
	if engine == nil {
		return req, nil
	}

	id := requestID(req)
	log := logrus.WithFields(logrus.Fields{
		"request_id": id,
		"method":     req.Method,
		"url":        cache.TargetURL(req),
	})

	removeProxyHeaders(req)

	resp, err := engine.Handle(req.Context(), req)
	if err != nil {
		log.Warnf("No response available: %v", err)
		resp = goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	} else {
		log.Debugf("Answered %d", resp.StatusCode)
	}
	resp.Header.Set("X-Request-ID", id)

	return req, resp
}

// Start starts the proxy server and blocks until it is shut down
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: s.proxy,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	logrus.Infof("Starting offline proxy on port %d", s.config.Server.Port)
	logrus.Infof("Cache backend: %s", s.config.Cache.Backend)
	logrus.Infof("Rules mode: %s", s.config.Rules.Mode)

	if s.config.Server.HTTPS.Enabled && s.config.Server.HTTPS.TransparentPort != 0 {
		httpsAddr := fmt.Sprintf(":%d", s.config.Server.HTTPS.TransparentPort)
		go func() {
			if err := s.StartTransparentHTTPS(httpsAddr); err != nil {
				logrus.Errorf("Transparent HTTPS listener failed: %v", err)
			}
		}()
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listeners, then waits for pending cache writes
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, ln := s.httpServer, s.httpsListen
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping proxy listener: %w", err))
		}
	}
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("stopping transparent HTTPS listener: %w", err))
		}
	}

	drained := make(chan struct{})
	go func() {
		if engine := s.active.Load(); engine != nil {
			engine.Wait()
		}
		s.retired.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for cache writes: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
