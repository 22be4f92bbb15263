// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the governor over HTTP.
//
// # Description
//
// The router exposes health, info and metrics endpoints, the housekeeper
// admin surface, a websocket stream of snapshots and, when an upstream is
// configured, a reverse proxy to the inference backend with one admission
// gate per role.
//
// Every request passes through, in order: panic recovery, tracing, the
// per-client rate limiter, request id assignment and the access log.
// Requests rejected by the rate limiter are therefore neither assigned an
// id nor access-logged.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianGovernor/services/governor/admission"
	"github.com/AleutianAI/AleutianGovernor/services/governor/config"
	"github.com/AleutianAI/AleutianGovernor/services/governor/housekeeper"
	"github.com/AleutianAI/AleutianGovernor/services/governor/observability"
	"github.com/AleutianAI/AleutianGovernor/services/governor/ratelimit"
	"github.com/AleutianAI/AleutianGovernor/services/governor/telemetry"
)

// ServiceName is the otelgin service name.
const ServiceName = "aleutian-governor"

const defaultShutdownTimeout = 10 * time.Second

// proxyRoutes maps inference endpoints to admission roles.
var proxyRoutes = []struct {
	method string
	path   string
	role   string
}{
	{http.MethodPost, "/v1/chat/completions", "chat"},
	{http.MethodPost, "/v1/completions", "chat"},
	{http.MethodPost, "/v1/embeddings", "embeddings"},
	{http.MethodPost, "/v1/vision", "vision"},
}

// Deps are the components the API serves.
//
// # Fields
//
//   - Housekeeper: required.
//   - Pool: required.
//   - Limiter: nil disables rate limiting.
//   - Registry: backs /metrics.json. Nil serves an empty object.
//   - Sink: receives request counters. Nil uses telemetry.Nop.
//   - Metrics: Prometheus request metrics. Nil is allowed.
//   - Logger: nil uses slog.Default().
//   - Profile, Version: reported by /healthz and /info.
//   - HousekeeperEnabled: reported by /info.
type Deps struct {
	Housekeeper        *housekeeper.Housekeeper
	Pool               *admission.Pool
	Limiter            *ratelimit.Limiter
	Registry           *telemetry.Registry
	Sink               telemetry.Sink
	Metrics            *observability.GovernorMetrics
	Logger             *slog.Logger
	Profile            string
	Version            string
	HousekeeperEnabled bool
}

// Server is the governor HTTP server.
//
// # Thread Safety
//
// Run may be called once. The handler is safe for concurrent use.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *slog.Logger
	router *gin.Engine

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer builds the router.
//
// # Inputs
//
//   - cfg: listen address, timeouts and optional upstream.
//   - deps: served components. Housekeeper and Pool must be set.
//
// # Outputs
//
//   - *Server: ready to Run.
//   - error: missing dependencies or an unparsable upstream URL.
func NewServer(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Housekeeper == nil {
		return nil, errors.New("api: housekeeper is required")
	}
	if deps.Pool == nil {
		return nil, errors.New("api: admission pool is required")
	}
	if deps.Sink == nil {
		deps.Sink = telemetry.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "api"),
		done:   make(chan struct{}),
	}
	router, err := s.initRouter()
	if err != nil {
		return nil, err
	}
	s.router = router
	return s, nil
}

func (s *Server) initRouter() (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(RateLimitMiddleware(s.deps.Limiter, s.deps.Sink, s.deps.Metrics, s.logger))
	router.Use(RequestIDMiddleware())
	router.Use(AccessLogMiddleware(s.deps.Sink, s.deps.Metrics, s.logger))

	router.GET("/healthz", s.handleHealthz)
	router.GET("/info", s.handleInfo)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	router.GET("/metrics.json", s.handleMetricsJSON)
	router.GET("/ws/housekeeper", s.handleHousekeeperStream)

	admin := router.Group("/admin")
	{
		admin.GET("/admission", s.handleAdmission)

		hk := admin.Group("/housekeeper")
		hk.GET("/policy", s.handleGetPolicy)
		hk.PUT("/policy", s.handlePutPolicy)
		hk.POST("/strategy", s.handleSwitchStrategy)
		hk.POST("/actions", s.handleSetActions)
	}

	if s.cfg.Upstream != "" {
		target, err := url.Parse(s.cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("api: parsing upstream %q: %w", s.cfg.Upstream, err)
		}
		proxy := s.newProxy(target)
		v1 := router.Group("/v1")
		for _, r := range proxyRoutes {
			v1.Handle(r.method, r.path[len("/v1"):],
				AdmissionMiddleware(s.deps.Pool, r.role, s.deps.Metrics),
				gin.WrapH(proxy))
		}
		s.logger.Info("inference proxy enabled", "upstream", target.String())
	}
	return router, nil
}

func (s *Server) newProxy(target *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"code":502,"message":"upstream unavailable"}}`))
	}
	return proxy
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends, then shuts down gracefully.
//
// # Description
//
// On cancellation, open housekeeper streams are closed with a going-away
// frame and in-flight requests get ShutdownTimeout to finish.
//
// # Outputs
//
//   - error: nil after a clean shutdown, or the listener error.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("governor API listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.closeStreams()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: listening on %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	s.closeStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("governor API shutdown incomplete", "error", err)
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.logger.Info("governor API stopped")
	return nil
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.done) })
}
