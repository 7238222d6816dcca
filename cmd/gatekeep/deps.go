// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/memory"
	"github.com/gatekeep/gatekeep/internal/auth/postgres"
	authredis "github.com/gatekeep/gatekeep/internal/auth/redis"
	"github.com/gatekeep/gatekeep/internal/config"
	"github.com/gatekeep/gatekeep/internal/observability"
	"github.com/gatekeep/gatekeep/internal/store"
)

// backend holds the storage collaborators selected by config.
type backend struct {
	accounts auth.AccountPersistence
	sessions auth.SessionStore
	checks   []func(ctx context.Context) error
	closers  []func()
}

// Ready pings every remote store.
func (b *backend) Ready(ctx context.Context) error {
	var errs []error
	for _, check := range b.checks {
		errs = append(errs, check(ctx))
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of opening.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackend connects the configured drivers.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{}

	var pg postgres.DB
	if cfg.UsesPostgres() {
		pool, err := store.OpenPool(ctx, cfg.Storage.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		pg = pool
		b.closers = append(b.closers, pool.Close)
		b.checks = append(b.checks, pool.Ping)
	}

	switch cfg.Storage.Accounts {
	case config.DriverPostgres:
		b.accounts = postgres.NewAccountRepository(pg)
	case config.DriverMemory:
		b.accounts = memory.NewAccountPersistence()
	default:
		b.Close()
		return nil, oops.Code("CONFIG_INVALID").With("driver", cfg.Storage.Accounts).Errorf("unknown accounts driver")
	}

	switch cfg.Storage.Sessions {
	case config.DriverPostgres:
		b.sessions = postgres.NewSessionRepository(pg)
	case config.DriverRedis:
		client, err := authredis.NewClient(ctx, cfg.Storage.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.sessions = authredis.NewSessionStore(client)
		b.closers = append(b.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("failed to close redis client", "error", err)
			}
		})
		b.checks = append(b.checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	case config.DriverMemory:
		b.sessions = memory.NewSessionStore()
	default:
		b.Close()
		return nil, oops.Code("CONFIG_INVALID").With("driver", cfg.Storage.Sessions).Errorf("unknown sessions driver")
	}

	logger.Info("storage ready",
		"accounts", cfg.Storage.Accounts,
		"sessions", cfg.Storage.Sessions,
	)
	return b, nil
}

// components are the auth core built over a backend.
type components struct {
	accounts *auth.AccountStore
	sessions *auth.SessionManager
	service  *auth.Service
	sweeper  *auth.Sweeper
}

// buildComponents wires the auth core. metrics may be nil.
func buildComponents(cfg *config.Config, b *backend, logger *slog.Logger, metrics *observability.AuthMetrics) (*components, error) {
	policy := auth.RetryPolicy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
	}
	var sweeperOpts []auth.SweeperOption
	if metrics != nil {
		policy.OnRetry = metrics.ObserveRetry
		sweeperOpts = append(sweeperOpts, auth.WithSweepHook(metrics.ObserveSweep))
	}

	accounts, err := auth.NewAccountStore(b.accounts,
		auth.WithReservationTTL(cfg.Registration.ReservationTTL),
		auth.WithAccountRetry(policy),
		auth.WithAccountLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	sessionOpts := []auth.SessionManagerOption{
		auth.WithSessionRetry(policy),
		auth.WithSessionLogger(logger),
	}
	if cfg.Session.Sliding {
		sessionOpts = append(sessionOpts, auth.WithSlidingExpiration(cfg.Session.TTL))
	}
	sessions, err := auth.NewSessionManager(b.sessions, sessionOpts...)
	if err != nil {
		return nil, err
	}

	hasher := auth.NewArgon2idHasher(auth.Argon2Params{
		Time:    cfg.Hasher.Time,
		Memory:  cfg.Hasher.MemoryKiB,
		Threads: cfg.Hasher.Threads,
	})
	service, err := auth.NewAuthService(accounts, sessions, hasher,
		auth.WithSessionTTL(cfg.Session.TTL),
		auth.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	sweeper, err := auth.NewSweeper(sessions, accounts,
		append(sweeperOpts, auth.WithSweeperLogger(logger))...)
	if err != nil {
		return nil, err
	}

	return &components{
		accounts: accounts,
		sessions: sessions,
		service:  service,
		sweeper:  sweeper,
	}, nil
}
