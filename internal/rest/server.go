// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-mpckit.
//
// go-mpckit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package rest is the development backend: the metadata and session
// services an engine talks to, served over HTTP with health probes and
// Prometheus metrics.
package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jeremyhahn/go-mpckit/pkg/adapters/logger"
	"github.com/jeremyhahn/go-mpckit/pkg/health"
	"github.com/jeremyhahn/go-mpckit/pkg/metadata"
	"github.com/jeremyhahn/go-mpckit/pkg/metrics"
	"github.com/jeremyhahn/go-mpckit/pkg/ratelimit"
	"github.com/jeremyhahn/go-mpckit/pkg/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ErrMetadataStoreRequired is returned by NewServer without a metadata store.
var ErrMetadataStoreRequired = errors.New("rest: metadata store is required")

// Config configures the server.
type Config struct {
	// Address is the listen address. Defaults to 127.0.0.1:8420.
	Address string

	// Metadata backs /v1/metadata. Required.
	Metadata metadata.Store

	// Sessions backs /v1/sessions. Omitted when nil.
	Sessions session.Store

	// Health serves /health. A checker probing the configured stores is
	// created when nil.
	Health *health.Checker

	// RateLimiter limits /v1 per client. Omitted when nil.
	RateLimiter *ratelimit.Limiter

	// MetricsPath serves Prometheus metrics when set.
	MetricsPath string

	// Version is reported by /v1/version.
	Version string

	// AllowedOrigins limits CORS to these origins. Empty allows any.
	AllowedOrigins []string

	Logger       logger.Logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the development backend.
type Server struct {
	server *http.Server
	health *health.Checker
	logger logger.Logger
}

// NewServer validates cfg and builds the router.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil || cfg.Metadata == nil {
		return nil, ErrMetadataStoreRequired
	}
	c := *cfg
	if c.Address == "" {
		c.Address = "127.0.0.1:8420"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logger.NewSlogAdapter(&logger.SlogConfig{Level: logger.LevelInfo})
	}
	if c.Health == nil {
		c.Health = health.NewChecker()
		c.Health.RegisterCheck("metadata", health.MetadataCheck(c.Metadata))
		if c.Sessions != nil {
			c.Health.RegisterCheck("session", health.SessionCheck(c.Sessions))
		}
	}

	s := &Server{health: c.Health, logger: c.Logger}
	s.server = &http.Server{
		Addr:         c.Address,
		Handler:      s.setupRouter(&c),
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		IdleTimeout:  c.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRouter(c *Config) *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.recoverPanics)
	r.Use(correlate)
	r.Use(s.logRequests)
	r.Use(metrics.HTTPMiddleware)
	r.Use(cors(c.AllowedOrigins))
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Mount("/health", c.Health.Routes())
	if c.MetricsPath != "" {
		r.Handle(c.MetricsPath, promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		if c.RateLimiter != nil {
			r.Use(ratelimit.Middleware(c.RateLimiter, nil))
		}
		r.Get("/v1/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": c.Version})
		})
		r.Handle("/v1/metadata/*", metadata.NewHandler(c.Metadata))
		if c.Sessions != nil {
			r.Handle("/v1/sessions/*", session.NewHandler(c.Sessions))
		}
	})
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("rest: listen %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop and marks the health checker started.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("dev backend listening", logger.String("address", ln.Addr().String()))
	s.health.MarkStarted()
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rest: serve: %w", err)
	}
	return nil
}

// Stop drains connections until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.health.MarkNotStarted()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown failed", logger.Error(err))
		return fmt.Errorf("rest: shutdown: %w", err)
	}
	s.logger.Info("dev backend stopped")
	return nil
}
