// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// SessionManager issues, validates, and revokes session tokens.
type SessionManager struct {
	store   SessionStore
	clock   clockwork.Clock
	sliding time.Duration
	retry   RetryPolicy
	logger  *slog.Logger
}

// SessionManagerOption configures a SessionManager.
type SessionManagerOption func(*SessionManager)

// WithSessionClock sets the time source.
func WithSessionClock(clock clockwork.Clock) SessionManagerOption {
	return func(m *SessionManager) { m.clock = clock }
}

// WithSlidingExpiration makes Validate push the expiry to now+window.
// Zero disables sliding expiration.
func WithSlidingExpiration(window time.Duration) SessionManagerOption {
	return func(m *SessionManager) { m.sliding = window }
}

// WithSessionRetry sets the transient-failure retry policy.
func WithSessionRetry(p RetryPolicy) SessionManagerOption {
	return func(m *SessionManager) { m.retry = p }
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionManagerOption {
	return func(m *SessionManager) { m.logger = logger }
}

// NewSessionManager creates a SessionManager over store.
func NewSessionManager(store SessionStore, opts ...SessionManagerOption) (*SessionManager, error) {
	if store == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("session store is required")
	}
	m := &SessionManager{
		store:  store,
		clock:  clockwork.NewRealClock(),
		retry:  DefaultRetryPolicy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sliding < 0 {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("sliding window cannot be negative")
	}
	if m.clock == nil || m.logger == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("clock and logger are required")
	}
	return m, nil
}

// Issue creates a session for accountID that expires after ttl. The
// returned token is the only copy; it cannot be recovered from the store.
func (m *SessionManager) Issue(ctx context.Context, accountID ulid.ULID, ttl time.Duration) (string, *Session, error) {
	if accountID.Compare(ulid.ULID{}) == 0 {
		return "", nil, oops.Code("SESSION_INVALID_ACCOUNT").Errorf("account ID cannot be zero")
	}
	if ttl <= 0 {
		return "", nil, oops.Code("SESSION_INVALID_TTL").With("ttl", ttl).Errorf("ttl must be positive")
	}

	token, tokenHash, err := GenerateSessionToken()
	if err != nil {
		return "", nil, err
	}

	now := m.clock.Now()
	session := &Session{
		ID:        ulid.Make(),
		AccountID: accountID,
		TokenHash: tokenHash,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	err = m.retry.do(writeContext(ctx), "put session", func(ctx context.Context) error {
		return m.store.Put(ctx, tokenHash, session, ttl)
	})
	if err != nil {
		return "", nil, oops.Code("SESSION_CREATE_FAILED").
			With("operation", "persist session").
			With("account_id", accountID.String()).
			Wrap(err)
	}

	m.logger.DebugContext(ctx, "session issued",
		"session_id", session.ID.String(),
		"account_id", accountID.String(),
		"expires_at", session.ExpiresAt,
	)
	return token, session, nil
}

// Validate resolves a presented token to its live session. Unknown, expired
// and revoked sessions all wrap ErrUnauthenticated.
func (m *SessionManager) Validate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(errors.Join(ErrUnauthenticated, ErrNotFound))
	}

	tokenHash := HashSessionToken(token)

	var session *Session
	err := m.retry.do(ctx, "get session", func(ctx context.Context) error {
		var err error
		session, err = m.store.Get(ctx, tokenHash)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("SESSION_NOT_FOUND").Wrap(errors.Join(ErrUnauthenticated, err))
		}
		return nil, oops.Code("SESSION_VALIDATE_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}

	now := m.clock.Now()
	if session.IsRevoked() {
		return nil, oops.Code("SESSION_REVOKED").
			With("session_id", session.ID.String()).
			Wrap(errors.Join(ErrUnauthenticated, ErrSessionRevoked))
	}
	if session.IsExpiredAt(now) {
		return nil, oops.Code("SESSION_EXPIRED").
			With("session_id", session.ID.String()).
			Wrap(errors.Join(ErrUnauthenticated, ErrSessionExpired))
	}

	if m.sliding > 0 {
		if extended := now.Add(m.sliding); extended.After(session.ExpiresAt) {
			err := m.retry.do(writeContext(ctx), "extend session", func(ctx context.Context) error {
				return m.store.Extend(ctx, tokenHash, extended)
			})
			switch {
			case err == nil:
				session.ExpiresAt = extended
			case errors.Is(err, ErrNotFound):
				// Revoked or swept between Get and Extend.
				return nil, oops.Code("SESSION_REVOKED").
					With("session_id", session.ID.String()).
					Wrap(errors.Join(ErrUnauthenticated, ErrSessionRevoked))
			default:
				m.logger.WarnContext(ctx, "failed to extend session",
					"session_id", session.ID.String(),
					"error", err,
				)
			}
		}
	}

	return session, nil
}

// Revoke marks the session for token revoked. Revoking an unknown or already
// revoked token is not an error.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	tokenHash := HashSessionToken(token)
	now := m.clock.Now()

	err := m.retry.do(writeContext(ctx), "revoke session", func(ctx context.Context) error {
		return m.store.MarkRevoked(ctx, tokenHash, now)
	})
	if err != nil {
		return oops.Code("SESSION_REVOKE_FAILED").
			With("operation", "mark session revoked").
			Wrap(err)
	}
	return nil
}

// SweepExpired purges sessions past expiry and returns how many were removed.
func (m *SessionManager) SweepExpired(ctx context.Context) (int64, error) {
	now := m.clock.Now()
	var n int64
	err := m.retry.do(writeContext(ctx), "sweep sessions", func(ctx context.Context) error {
		var err error
		n, err = m.store.DeleteExpiredBefore(ctx, now)
		return err
	})
	if err != nil {
		return 0, oops.Code("SESSION_SWEEP_FAILED").Wrap(err)
	}
	return n, nil
}
