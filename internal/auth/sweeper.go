// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/pkg/errutil"
)

// SweepResult counts records removed by one sweep.
type SweepResult struct {
	Sessions     int64
	Reservations int64
}

// Sweeper purges expired sessions and lapsed reservations.
type Sweeper struct {
	sessions *SessionManager
	accounts *AccountStore
	clock    clockwork.Clock
	logger   *slog.Logger
	onSweep  func(SweepResult)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperClock sets the clock that drives the ticker.
func WithSweeperClock(clock clockwork.Clock) SweeperOption {
	return func(s *Sweeper) { s.clock = clock }
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// WithSweepHook is called after every successful sweep.
func WithSweepHook(fn func(SweepResult)) SweeperOption {
	return func(s *Sweeper) { s.onSweep = fn }
}

// NewSweeper creates a Sweeper.
func NewSweeper(sessions *SessionManager, accounts *AccountStore, opts ...SweeperOption) (*Sweeper, error) {
	if sessions == nil || accounts == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("session manager and account store are required")
	}
	s := &Sweeper{
		sessions: sessions,
		accounts: accounts,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SweepOnce runs both purges. A session sweep failure does not skip the
// reservation purge; the first error is returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	var firstErr error

	n, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		firstErr = err
	} else {
		result.Sessions = n
	}

	n, err = s.accounts.PurgeExpiredReservations(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else {
		result.Reservations = n
	}

	if firstErr != nil {
		return result, firstErr
	}
	if s.onSweep != nil {
		s.onSweep(result)
	}
	return result, nil
}

// Start runs SweepOnce every interval until ctx is done or Stop is called.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return oops.Code("AUTH_INVALID_CONFIG").With("interval", interval).Errorf("sweep interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return oops.Errorf("sweeper already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	ticker := s.clock.NewTicker(interval)
	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				result, err := s.SweepOnce(ctx)
				if err != nil {
					errutil.LogError(s.logger, "sweep failed", err)
					continue
				}
				if result.Sessions > 0 || result.Reservations > 0 {
					s.logger.Info("sweep completed",
						"sessions", result.Sessions,
						"reservations", result.Reservations,
					)
				}
			}
		}
	}(s.done)

	return nil
}

// Stop halts the background loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
