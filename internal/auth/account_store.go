// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// DefaultReservationTTL is how long a reservation holds its keys.
const DefaultReservationTTL = 2 * time.Minute

// AccountStore owns the uniqueness invariants over accounts.
type AccountStore struct {
	persistence    AccountPersistence
	clock          clockwork.Clock
	reservationTTL time.Duration
	retry          RetryPolicy
	logger         *slog.Logger
}

// AccountStoreOption configures an AccountStore.
type AccountStoreOption func(*AccountStore)

// WithAccountClock sets the time source.
func WithAccountClock(clock clockwork.Clock) AccountStoreOption {
	return func(s *AccountStore) { s.clock = clock }
}

// WithReservationTTL sets how long reservations live.
func WithReservationTTL(ttl time.Duration) AccountStoreOption {
	return func(s *AccountStore) { s.reservationTTL = ttl }
}

// WithAccountRetry sets the transient-failure retry policy.
func WithAccountRetry(p RetryPolicy) AccountStoreOption {
	return func(s *AccountStore) { s.retry = p }
}

// WithAccountLogger sets the logger.
func WithAccountLogger(logger *slog.Logger) AccountStoreOption {
	return func(s *AccountStore) { s.logger = logger }
}

// NewAccountStore creates an AccountStore over persistence.
func NewAccountStore(persistence AccountPersistence, opts ...AccountStoreOption) (*AccountStore, error) {
	if persistence == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("account persistence is required")
	}
	s := &AccountStore{
		persistence:    persistence,
		clock:          clockwork.NewRealClock(),
		reservationTTL: DefaultReservationTTL,
		retry:          DefaultRetryPolicy,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reservationTTL <= 0 {
		return nil, oops.Code("AUTH_INVALID_CONFIG").
			With("reservation_ttl", s.reservationTTL).
			Errorf("reservation TTL must be positive")
	}
	if s.clock == nil || s.logger == nil {
		return nil, oops.Code("AUTH_INVALID_CONFIG").Errorf("clock and logger are required")
	}
	return s, nil
}

// Reserve atomically claims username and email for a pending account.
func (s *AccountStore) Reserve(ctx context.Context, username, email string) (*Reservation, error) {
	usernameKey := NormalizeUsername(username)
	emailKey := NormalizeEmail(email)
	if usernameKey == "" || emailKey == "" {
		return nil, oops.Code("ACCOUNT_RESERVE_INVALID").
			Wrap(&ValidationError{Fields: map[string]string{"username": "username and email are required"}})
	}

	now := s.clock.Now()
	r := Reservation{
		ID:          ulid.Make(),
		Username:    strings.TrimSpace(username),
		Email:       strings.TrimSpace(email),
		UsernameKey: usernameKey,
		EmailKey:    emailKey,
		ExpiresAt:   now.Add(s.reservationTTL),
	}

	err := s.retry.do(writeContext(ctx), "reserve", func(ctx context.Context) error {
		return s.persistence.ReserveUnique(ctx, r, now)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, oops.Code("AUTH_DUPLICATE").Wrap(err)
		}
		return nil, oops.Code("ACCOUNT_RESERVE_FAILED").
			With("operation", "reserve unique keys").
			Wrap(err)
	}
	return &r, nil
}

// Create finalizes an account for a live reservation.
func (s *AccountStore) Create(ctx context.Context, r *Reservation, credential CredentialHash, phoneNumber string) (*Account, error) {
	if r == nil {
		return nil, oops.Code("ACCOUNT_CREATE_FAILED").Errorf("reservation is required")
	}

	now := s.clock.Now()
	if r.IsExpiredAt(now) {
		return nil, oops.Code("ACCOUNT_RESERVATION_EXPIRED").
			With("reservation_id", r.ID.String()).
			Wrap(ErrReservationExpired)
	}

	account := &Account{
		ID:          ulid.Make(),
		Username:    r.Username,
		Email:       r.Email,
		PhoneNumber: phoneNumber,
		Credential:  credential,
		CreatedAt:   now,
	}

	err := s.retry.do(writeContext(ctx), "insert account", func(ctx context.Context) error {
		return s.persistence.Insert(ctx, r.ID, account, now)
	})
	if err != nil {
		return nil, oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "insert account").
			With("reservation_id", r.ID.String()).
			Wrap(err)
	}

	s.logger.InfoContext(ctx, "account created", "account_id", account.ID.String())
	return account, nil
}

// Release drops an unfinished reservation. It is idempotent.
func (s *AccountStore) Release(ctx context.Context, r *Reservation) error {
	if r == nil {
		return nil
	}
	err := s.retry.do(writeContext(ctx), "release reservation", func(ctx context.Context) error {
		return s.persistence.Release(ctx, r.ID)
	})
	if err != nil {
		return oops.Code("ACCOUNT_RELEASE_FAILED").
			With("reservation_id", r.ID.String()).
			Wrap(err)
	}
	return nil
}

// FindByEmail looks an account up by email, case-insensitively.
func (s *AccountStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	key := NormalizeEmail(email)
	var account *Account
	err := s.retry.do(ctx, "find account by email", func(ctx context.Context) error {
		var err error
		account, err = s.persistence.FindByKey(ctx, KeyEmail, key)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("ACCOUNT_NOT_FOUND").Wrap(err)
		}
		return nil, oops.Code("ACCOUNT_LOOKUP_FAILED").
			With("operation", "find account by email").
			Wrap(err)
	}
	return account, nil
}

// FindByID looks an account up by ID.
func (s *AccountStore) FindByID(ctx context.Context, id ulid.ULID) (*Account, error) {
	var account *Account
	err := s.retry.do(ctx, "find account by id", func(ctx context.Context) error {
		var err error
		account, err = s.persistence.FindByID(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code("ACCOUNT_NOT_FOUND").With("account_id", id.String()).Wrap(err)
		}
		return nil, oops.Code("ACCOUNT_LOOKUP_FAILED").
			With("operation", "find account by id").
			With("account_id", id.String()).
			Wrap(err)
	}
	return account, nil
}

// PurgeExpiredReservations removes reservations that lapsed without an account.
func (s *AccountStore) PurgeExpiredReservations(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	var n int64
	err := s.retry.do(writeContext(ctx), "purge reservations", func(ctx context.Context) error {
		var err error
		n, err = s.persistence.DeleteExpiredReservations(ctx, now)
		return err
	})
	if err != nil {
		return 0, oops.Code("ACCOUNT_PURGE_FAILED").Wrap(err)
	}
	return n, nil
}
