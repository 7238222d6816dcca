// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/pkg/errutil"
)

// Service orchestrates registration, login, and logout.
type Service struct {
	accounts   *AccountStore
	sessions   *SessionManager
	hasher     PasswordHasher
	sessionTTL time.Duration
	logger     *slog.Logger

	// decoy is verified when the email is unknown so that login latency does
	// not reveal whether an account exists. It is produced by the configured
	// hasher so its cost matches real records.
	decoy CredentialHash
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSessionTTL sets the lifetime of sessions issued by Login.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.sessionTTL = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewAuthService creates a Service. All dependencies are required.
func NewAuthService(accounts *AccountStore, sessions *SessionManager, hasher PasswordHasher, opts ...ServiceOption) (*Service, error) {
	if accounts == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("account store is required")
	}
	if sessions == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("session manager is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("password hasher is required")
	}

	s := &Service{
		accounts:   accounts,
		sessions:   sessions,
		hasher:     hasher,
		sessionTTL: DefaultSessionTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("logger is required")
	}
	if s.sessionTTL <= 0 {
		return nil, oops.Code("AUTH_INVALID_CONFIG").
			With("session_ttl", s.sessionTTL).
			Errorf("session TTL must be positive")
	}

	decoy, err := newDecoyCredential(hasher)
	if err != nil {
		return nil, err
	}
	s.decoy = decoy

	return s, nil
}

func newDecoyCredential(hasher PasswordHasher) (CredentialHash, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return CredentialHash{}, oops.Code("AUTH_DECOY_FAILED").Wrap(err)
	}
	decoy, err := hasher.Hash(hex.EncodeToString(secret))
	if err != nil {
		return CredentialHash{}, oops.Code("AUTH_DECOY_FAILED").Wrap(err)
	}
	return decoy, nil
}

// Register creates an account. Field checks run before any storage or
// hashing work; a reservation that cannot be completed is released.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Account, error) {
	if err := in.Validate(); err != nil {
		return nil, oops.Code("AUTH_VALIDATION").Wrap(err)
	}

	reservation, err := s.accounts.Reserve(ctx, in.Username, in.Email)
	if err != nil {
		return nil, err
	}

	credential, err := s.hasher.Hash(in.Password)
	if err != nil {
		s.release(ctx, reservation)
		return nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "hash password").
			Wrap(err)
	}

	account, err := s.accounts.Create(ctx, reservation, credential, in.PhoneNumber)
	if err != nil {
		s.release(ctx, reservation)
		return nil, err
	}

	return account, nil
}

func (s *Service) release(ctx context.Context, r *Reservation) {
	if err := s.accounts.Release(ctx, r); err != nil {
		// The reservation still expires on its own.
		errutil.LogError(s.logger, "failed to release reservation", err)
	}
}

// LoginResult is a successful login.
type LoginResult struct {
	Account *Account
	Session *Session
	Token   string
}

// Login authenticates by email and password and issues a session. Every
// authentication failure returns the same error, and an unknown email costs
// the same hash verification as a wrong password.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	// No stored password can be this long, so skip the lookup and the hash.
	if len(password) > MaxPasswordBytes {
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
	}

	account, lookupErr := s.accounts.FindByEmail(ctx, email)
	if lookupErr != nil && !errors.Is(lookupErr, ErrNotFound) {
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "find account by email").
			Wrap(lookupErr)
	}

	target := s.decoy
	if account != nil {
		target = account.Credential
	}

	valid := s.hasher.Verify(password, target)
	if account == nil || !valid {
		return nil, oops.Code("AUTH_INVALID_CREDENTIALS").Wrap(ErrInvalidCredentials)
	}

	token, session, err := s.sessions.Issue(ctx, account.ID, s.sessionTTL)
	if err != nil {
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "issue session").
			With("account_id", account.ID.String()).
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "login succeeded",
		"account_id", account.ID.String(),
		"session_id", session.ID.String(),
	)
	return &LoginResult{Account: account, Session: session, Token: token}, nil
}

// Logout revokes the session for token. It succeeds for unknown, expired,
// and already revoked tokens; only storage failures are reported.
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return oops.Code("AUTH_LOGOUT_FAILED").Wrap(err)
	}
	return nil
}

// ValidateSession resolves token to the account that owns its session.
func (s *Service) ValidateSession(ctx context.Context, token string) (*Account, error) {
	session, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	account, err := s.accounts.FindByID(ctx, session.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("SESSION_ACCOUNT_MISSING").
				With("session_id", session.ID.String()).
				Wrap(errors.Join(ErrUnauthenticated, err))
		}
		return nil, oops.Code("SESSION_VALIDATE_FAILED").
			With("operation", "find session account").
			Wrap(err)
	}
	return account, nil
}
