// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package httpapi exposes the auth service over HTTP with echo.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// AuthService is the subset of *auth.Service the handlers call.
type AuthService interface {
	Register(ctx context.Context, in auth.RegisterInput) (*auth.Account, error)
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	Logout(ctx context.Context, token string) error
	ValidateSession(ctx context.Context, token string) (*auth.Account, error)
}

// Recorder receives one call per auth operation.
type Recorder interface {
	ObserveRequest(operation string, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveRequest(string, error) {}

// Config configures the HTTP server.
type Config struct {
	Addr         string
	CookieName   string
	CookieSecure bool
	// RatePerSecond of 0 disables the per-IP limiter.
	RatePerSecond float64
	Burst         int
}

// maxBodySize bounds every /auth request body.
const maxBodySize = "64K"

// Server serves the /auth routes.
type Server struct {
	cfg        Config
	echo       *echo.Echo
	service    AuthService
	recorder   Recorder
	logger     *slog.Logger
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithLogger sets the request and error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer builds the echo instance and registers routes.
func NewServer(service AuthService, cfg Config, opts ...Option) (*Server, error) {
	if service == nil {
		return nil, oops.Code("HTTP_INVALID_CONFIG").Errorf("auth service is required")
	}
	if cfg.CookieName == "" {
		return nil, oops.Code("HTTP_INVALID_CONFIG").Errorf("cookie name is required")
	}

	s := &Server{
		cfg:      cfg,
		service:  service,
		recorder: nopRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = s.handleHTTPError
	e.Use(middleware.Recover())
	e.Use(s.requestLogger())

	group := e.Group("/auth", middleware.BodyLimit(maxBodySize))
	if cfg.RatePerSecond > 0 {
		group.Use(newRateLimiter(cfg.RatePerSecond, cfg.Burst))
	}
	group.POST("/register", s.register)
	group.POST("/login", s.login)
	group.POST("/logout", s.logout)
	group.GET("/session", s.session)

	s.echo = e
	return s, nil
}

// Handler returns the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on cfg.Addr. The returned channel receives a serve failure
// and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Code("HTTP_ALREADY_RUNNING").Errorf("http server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("HTTP_LISTEN_FAILED").With("addr", s.cfg.Addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("http server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.running.Store(true)
		return oops.Code("HTTP_SHUTDOWN_FAILED").Wrap(err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
