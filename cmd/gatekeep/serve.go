// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatekeep/gatekeep/internal/config"
	"github.com/gatekeep/gatekeep/internal/httpapi"
	"github.com/gatekeep/gatekeep/internal/observability"
)

const shutdownTimeout = 10 * time.Second

// ServeDeps contains injectable dependencies for the serve command.
// Nil fields use their defaults.
type ServeDeps struct {
	// BackendOpener connects storage. Default: openBackend.
	BackendOpener func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error)

	// OnReady is called once both listeners are bound.
	OnReady func(apiAddr, metricsAddr string)
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the auth HTTP API",
		Long: `Run the /auth HTTP API, the metrics and health listener, and the
background sweeper until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			slog.SetDefault(logger)
			return runServe(cmd.Context(), cfg, logger, nil)
		},
	}
}

// runServe blocks until ctx is canceled, a signal arrives, or a listener fails.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	if deps.BackendOpener == nil {
		deps.BackendOpener = openBackend
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting gatekeep",
		"http_addr", cfg.HTTP.Addr,
		"metrics_addr", cfg.Metrics.Addr,
		"accounts", cfg.Storage.Accounts,
		"sessions", cfg.Storage.Sessions,
	)

	b, err := deps.BackendOpener(ctx, cfg, logger)
	if err != nil {
		return oops.Code("SERVE_STORAGE_FAILED").Wrap(err)
	}
	defer b.Close()

	obsServer := observability.NewServer(cfg.Metrics.Addr, b.Ready, logger)

	c, err := buildComponents(cfg, b, logger, obsServer.Metrics())
	if err != nil {
		return err
	}

	api, err := httpapi.NewServer(c.service, httpapi.Config{
		Addr:          cfg.HTTP.Addr,
		CookieName:    cfg.HTTP.CookieName,
		CookieSecure:  cfg.HTTP.CookieSecure,
		RatePerSecond: cfg.HTTP.RateLimit.PerSecond,
		Burst:         cfg.HTTP.RateLimit.Burst,
	}, httpapi.WithRecorder(obsServer.Metrics()), httpapi.WithLogger(logger))
	if err != nil {
		return err
	}

	var obsErrCh <-chan error
	if cfg.Metrics.Addr != "" {
		if obsErrCh, err = obsServer.Start(); err != nil {
			return err
		}
	}

	apiErrCh, err := api.Start()
	if err != nil {
		stopWithTimeout(logger, "metrics", obsServer.Stop)
		return err
	}

	if cfg.Session.SweepInterval > 0 {
		if err := c.sweeper.Start(ctx, cfg.Session.SweepInterval); err != nil {
			stopWithTimeout(logger, "http", api.Stop)
			stopWithTimeout(logger, "metrics", obsServer.Stop)
			return err
		}
		defer c.sweeper.Stop()
	}

	if deps.OnReady != nil {
		deps.OnReady(api.Addr(), obsServer.Addr())
	}
	logger.Info("gatekeep ready", "http_addr", api.Addr())

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err, ok := <-apiErrCh:
		if ok {
			serveErr = oops.Code("SERVE_HTTP_FAILED").Wrap(err)
		}
	case err, ok := <-obsErrCh:
		if ok {
			serveErr = oops.Code("SERVE_METRICS_FAILED").Wrap(err)
		}
	}

	stopWithTimeout(logger, "http", api.Stop)
	stopWithTimeout(logger, "metrics", obsServer.Stop)
	logger.Info("shutdown complete")
	return serveErr
}

func stopWithTimeout(logger *slog.Logger, name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := stop(ctx); err != nil {
		logger.Warn("error stopping server", "server", name, "error", err)
	}
}
